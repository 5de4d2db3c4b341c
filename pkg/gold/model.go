// Package gold builds the dimensionally modeled serving layer: a country
// dimension keyed by stable surrogate keys, a fact table of yearly emission
// metrics, and precomputed aggregates derived from both.
package gold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/verdantlabs/carbonlake/pkg/columnar"
	"github.com/verdantlabs/carbonlake/pkg/registry"
	"github.com/verdantlabs/carbonlake/pkg/schema"
	"github.com/verdantlabs/carbonlake/pkg/silver"
	"github.com/verdantlabs/carbonlake/pkg/table"
)

const (
	DimCountryTable    = "dim_country"
	FactEmissionsTable = "fact_emissions"

	CountryKeyColumn = "country_key"
)

// DefaultYearMin matches the earliest year the upstream dataset covers.
const DefaultYearMin = 1750

// ReferentialIntegrityError means a fact row references a surrogate key with
// no dimension row. It indicates a modeling defect and always aborts the run.
type ReferentialIntegrityError struct {
	Table       string
	CountryKeys []int64
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("referential integrity violated: %s references %d surrogate keys missing from %s",
		e.Table, len(e.CountryKeys), DimCountryTable)
}

// Dataset is one gold table ready for the writer: rows plus the column
// layout to encode them with. PartitionBy, when set, names an int column the
// writer splits output objects by.
type Dataset struct {
	Name        string
	Columns     []columnar.Column
	Rows        *table.Table
	PartitionBy string
}

// YearRange bounds the analytical year domain enforced on fact rows. It is
// deliberately stricter than the historical range Silver accepts.
type YearRange struct {
	Min int
	Max int
}

type ModelerConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Registry registry.Registry
	Spec     *schema.Spec

	// Years defaults to [DefaultYearMin, current year + 1].
	Years *YearRange
}

func (cfg *ModelerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Spec == nil {
		return errors.New("spec is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Years != nil && cfg.Years.Min > cfg.Years.Max {
		return fmt.Errorf("invalid year range [%d, %d]", cfg.Years.Min, cfg.Years.Max)
	}
	return nil
}

// ModelResult reports what one modeling pass did.
type ModelResult struct {
	RowsIn        int
	DimRows       int
	FactRows      int
	RejectedYears int
}

// Modeler folds one or more silver partitions into dim_country and
// fact_emissions. Surrogate keys come from the registry; rows for the same
// (country, year) resolve to the latest snapshot, with later ingestion order
// winning ties.
type Modeler struct {
	log *slog.Logger
	cfg ModelerConfig
}

func NewModeler(cfg ModelerConfig) (*Modeler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Modeler{log: cfg.Logger, cfg: cfg}, nil
}

// NormalizeNaturalKey canonicalizes a raw country value into the dimension
// natural key. Case and whitespace variants of one name share a key.
func NormalizeNaturalKey(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), " "))
}

type factCell struct {
	row      table.Row
	snapshot string
	order    int
}

// Model builds the dimension and fact tables from silver rows. The input
// table may span multiple snapshot dates; rows must be in ingestion order
// within each snapshot.
func (m *Modeler) Model(ctx context.Context, silverTbl *table.Table) (*Dataset, *Dataset, *ModelResult, error) {
	years := m.yearRange()
	res := &ModelResult{RowsIn: silverTbl.Len()}

	type dimAttrs struct {
		display  string
		isoCode  any
		snapshot string
		order    int
	}
	dims := make(map[string]*dimAttrs)
	facts := make(map[string]map[int64]*factCell)

	for i, row := range silverTbl.Rows {
		natural := NormalizeNaturalKey(row.String("country"))
		if natural == "" {
			return nil, nil, nil, fmt.Errorf("silver row %d has no country", i)
		}
		snapshot := row.String(silver.SnapshotDateColumn)

		attrs, ok := dims[natural]
		if !ok {
			attrs = &dimAttrs{snapshot: snapshot, order: i, display: row.String("country"), isoCode: row["iso_code"]}
			dims[natural] = attrs
		} else if snapshot > attrs.snapshot || (snapshot == attrs.snapshot && i > attrs.order) {
			attrs.snapshot = snapshot
			attrs.order = i
			attrs.display = row.String("country")
			attrs.isoCode = row["iso_code"]
		}

		year, ok := row.Int("year")
		if !ok {
			return nil, nil, nil, fmt.Errorf("silver row %d has no year", i)
		}
		if year < int64(years.Min) || year > int64(years.Max) {
			res.RejectedYears++
			continue
		}

		cells, ok := facts[natural]
		if !ok {
			cells = make(map[int64]*factCell)
			facts[natural] = cells
		}
		cell, ok := cells[year]
		if !ok || snapshot > cell.snapshot || (snapshot == cell.snapshot && i > cell.order) {
			cells[year] = &factCell{row: row, snapshot: snapshot, order: i}
		}
	}

	if res.RejectedYears > 0 {
		m.log.Warn("rejected fact rows outside analytical year range",
			"rejected", res.RejectedYears, "min", years.Min, "max", years.Max)
	}

	// Sorted assignment order keeps first-run key allocation deterministic.
	naturals := make([]string, 0, len(dims))
	for natural := range dims {
		naturals = append(naturals, natural)
	}
	sort.Strings(naturals)

	keys := make(map[string]int64, len(naturals))
	for _, natural := range naturals {
		key, err := m.cfg.Registry.Assign(ctx, natural)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to assign surrogate key for %q: %w", natural, err)
		}
		keys[natural] = key
	}

	dim := m.buildDim(naturals, keys, func(natural string) (string, any) {
		attrs := dims[natural]
		return attrs.display, attrs.isoCode
	})
	fact := m.buildFact(naturals, keys, facts)

	if err := checkIntegrity(dim.Rows, fact.Rows); err != nil {
		return nil, nil, nil, err
	}

	res.DimRows = dim.Rows.Len()
	res.FactRows = fact.Rows.Len()
	m.log.Info("modeled gold tables",
		"rows_in", res.RowsIn,
		"dim_rows", res.DimRows,
		"fact_rows", res.FactRows,
		"rejected_years", res.RejectedYears,
	)
	return dim, fact, res, nil
}

func (m *Modeler) yearRange() YearRange {
	if m.cfg.Years != nil {
		return *m.cfg.Years
	}
	return YearRange{Min: DefaultYearMin, Max: m.cfg.Clock.Now().UTC().Year() + 1}
}

// DimColumns returns the dim_country layout.
func DimColumns() []columnar.Column {
	return []columnar.Column{
		{Name: CountryKeyColumn, Type: schema.TypeInt},
		{Name: "natural_key", Type: schema.TypeString},
		{Name: "country", Type: schema.TypeString},
		{Name: "iso_code", Type: schema.TypeString, Nullable: true},
	}
}

// FactColumns returns the fact_emissions layout for a spec: the composite
// key, the provenance snapshot date, then every metric field in spec order.
func FactColumns(spec *schema.Spec) []columnar.Column {
	cols := []columnar.Column{
		{Name: CountryKeyColumn, Type: schema.TypeInt},
		{Name: "year", Type: schema.TypeInt},
		{Name: silver.SnapshotDateColumn, Type: schema.TypeDate},
	}
	for _, f := range spec.MetricFields() {
		cols = append(cols, columnar.Column{Name: f.Name, Type: schema.TypeFloat, Nullable: true})
	}
	return cols
}

func (m *Modeler) buildDim(naturals []string, keys map[string]int64, attrs func(string) (string, any)) *Dataset {
	cols := DimColumns()
	tbl := table.New(columnNames(cols))
	for _, natural := range naturals {
		display, isoCode := attrs(natural)
		tbl.Append(table.Row{
			CountryKeyColumn: keys[natural],
			"natural_key":    natural,
			"country":        display,
			"iso_code":       isoCode,
		})
	}
	return &Dataset{Name: DimCountryTable, Columns: cols, Rows: tbl}
}

func (m *Modeler) buildFact(naturals []string, keys map[string]int64, facts map[string]map[int64]*factCell) *Dataset {
	cols := FactColumns(m.cfg.Spec)
	metrics := m.cfg.Spec.MetricFields()
	tbl := table.New(columnNames(cols))

	for _, natural := range naturals {
		cells := facts[natural]
		years := make([]int64, 0, len(cells))
		for year := range cells {
			years = append(years, year)
		}
		sort.Slice(years, func(i, j int) bool { return years[i] < years[j] })

		for _, year := range years {
			cell := cells[year]
			out := table.Row{
				CountryKeyColumn:          keys[natural],
				"year":                    year,
				silver.SnapshotDateColumn: cell.snapshot,
			}
			for _, f := range metrics {
				out[f.Name] = cell.row[f.Name]
			}
			tbl.Append(out)
		}
	}
	return &Dataset{Name: FactEmissionsTable, Columns: cols, Rows: tbl, PartitionBy: "year"}
}

// checkIntegrity verifies every fact surrogate key resolves to exactly one
// dimension row before anything is written.
func checkIntegrity(dim, fact *table.Table) error {
	known := make(map[int64]struct{}, dim.Len())
	for _, row := range dim.Rows {
		key, ok := row.Int(CountryKeyColumn)
		if !ok {
			return fmt.Errorf("%s row has no %s", DimCountryTable, CountryKeyColumn)
		}
		known[key] = struct{}{}
	}

	var missing []int64
	seen := make(map[int64]struct{})
	for _, row := range fact.Rows {
		key, ok := row.Int(CountryKeyColumn)
		if !ok {
			return fmt.Errorf("%s row has no %s", FactEmissionsTable, CountryKeyColumn)
		}
		if _, exists := known[key]; !exists {
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				missing = append(missing, key)
			}
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return &ReferentialIntegrityError{Table: FactEmissionsTable, CountryKeys: missing}
	}
	return nil
}

func columnNames(cols []columnar.Column) []string {
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	return names
}
