package gold

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/verdantlabs/carbonlake/pkg/columnar"
	"github.com/verdantlabs/carbonlake/pkg/schema"
	"github.com/verdantlabs/carbonlake/pkg/table"
)

const (
	GlobalEmissionsTable    = "global_emissions_by_year"
	TopEmittersTable        = "top_emitters_by_year"
	EmissionsPerCapitaTable = "emissions_per_capita"

	DefaultTopN       = 10
	DefaultRankMetric = "co2"
)

type AggregatorConfig struct {
	Logger *slog.Logger
	Spec   *schema.Spec

	// TopN and RankMetric shape top_emitters_by_year. Zero values mean the
	// defaults.
	TopN       int
	RankMetric string
}

func (cfg *AggregatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Spec == nil {
		return errors.New("spec is required")
	}
	if cfg.TopN == 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.TopN < 0 {
		return fmt.Errorf("top-n must be positive, got %d", cfg.TopN)
	}
	if cfg.RankMetric == "" {
		cfg.RankMetric = DefaultRankMetric
	}
	f, ok := cfg.Spec.Field(cfg.RankMetric)
	if !ok || f.Type != schema.TypeFloat {
		return fmt.Errorf("rank metric %q is not a metric field of spec %s", cfg.RankMetric, cfg.Spec.Name)
	}
	return nil
}

// Aggregator derives the precomputed summary tables. It is a pure function
// of the fact and dimension tables: same input, same bytes out.
type Aggregator struct {
	log *slog.Logger
	cfg AggregatorConfig
}

func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{log: cfg.Logger, cfg: cfg}, nil
}

// Aggregate computes all defined aggregates from the modeled tables.
func (a *Aggregator) Aggregate(dim, fact *Dataset) ([]*Dataset, error) {
	naturalByKey, err := naturalKeyIndex(dim.Rows)
	if err != nil {
		return nil, err
	}

	out := []*Dataset{
		a.globalByYear(fact.Rows),
		a.topEmitters(fact.Rows, naturalByKey),
		a.perCapita(fact.Rows, naturalByKey),
	}
	for _, ds := range out {
		a.log.Info("computed aggregate", "table", ds.Name, "rows", ds.Rows.Len())
	}
	return out, nil
}

func naturalKeyIndex(dim *table.Table) (map[int64]string, error) {
	idx := make(map[int64]string, dim.Len())
	for _, row := range dim.Rows {
		key, ok := row.Int(CountryKeyColumn)
		if !ok {
			return nil, fmt.Errorf("%s row has no %s", DimCountryTable, CountryKeyColumn)
		}
		idx[key] = row.String("natural_key")
	}
	return idx, nil
}

// globalByYear sums every metric across countries per year. A metric no
// country reported for a year stays null rather than reading as zero.
func (a *Aggregator) globalByYear(fact *table.Table) *Dataset {
	metrics := a.cfg.Spec.MetricFields()

	type sums struct {
		total map[string]float64
		seen  map[string]bool
	}
	byYear := make(map[int64]*sums)
	for _, row := range fact.Rows {
		year, _ := row.Int("year")
		s, ok := byYear[year]
		if !ok {
			s = &sums{total: make(map[string]float64), seen: make(map[string]bool)}
			byYear[year] = s
		}
		for _, f := range metrics {
			if v, ok := row.Float(f.Name); ok {
				s.total[f.Name] += v
				s.seen[f.Name] = true
			}
		}
	}

	years := make([]int64, 0, len(byYear))
	for year := range byYear {
		years = append(years, year)
	}
	sort.Slice(years, func(i, j int) bool { return years[i] < years[j] })

	cols := []columnar.Column{{Name: "year", Type: schema.TypeInt}}
	for _, f := range metrics {
		cols = append(cols, columnar.Column{Name: f.Name, Type: schema.TypeFloat, Nullable: true})
	}
	tbl := table.New(columnNames(cols))
	for _, year := range years {
		s := byYear[year]
		out := table.Row{"year": year}
		for _, f := range metrics {
			if s.seen[f.Name] {
				out[f.Name] = s.total[f.Name]
			} else {
				out[f.Name] = nil
			}
		}
		tbl.Append(out)
	}
	return &Dataset{Name: GlobalEmissionsTable, Columns: cols, Rows: tbl}
}

// topEmitters ranks countries per year descending by the ranking metric.
// Ties resolve by natural key ascending so reruns produce identical tables.
func (a *Aggregator) topEmitters(fact *table.Table, naturalByKey map[int64]string) *Dataset {
	type entry struct {
		key     int64
		natural string
		value   float64
	}
	byYear := make(map[int64][]entry)
	for _, row := range fact.Rows {
		value, ok := row.Float(a.cfg.RankMetric)
		if !ok {
			continue
		}
		year, _ := row.Int("year")
		key, _ := row.Int(CountryKeyColumn)
		byYear[year] = append(byYear[year], entry{key: key, natural: naturalByKey[key], value: value})
	}

	years := make([]int64, 0, len(byYear))
	for year := range byYear {
		years = append(years, year)
	}
	sort.Slice(years, func(i, j int) bool { return years[i] < years[j] })

	cols := []columnar.Column{
		{Name: "year", Type: schema.TypeInt},
		{Name: "rank", Type: schema.TypeInt},
		{Name: CountryKeyColumn, Type: schema.TypeInt},
		{Name: "country", Type: schema.TypeString},
		{Name: a.cfg.RankMetric, Type: schema.TypeFloat},
	}
	tbl := table.New(columnNames(cols))
	for _, year := range years {
		entries := byYear[year]
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].value != entries[j].value {
				return entries[i].value > entries[j].value
			}
			return entries[i].natural < entries[j].natural
		})
		if len(entries) > a.cfg.TopN {
			entries = entries[:a.cfg.TopN]
		}
		for rank, e := range entries {
			tbl.Append(table.Row{
				"year":           year,
				"rank":           int64(rank + 1),
				CountryKeyColumn: e.key,
				"country":        e.natural,
				a.cfg.RankMetric: e.value,
			})
		}
	}
	return &Dataset{Name: TopEmittersTable, Columns: cols, Rows: tbl}
}

// perCapita divides each metric by population. Rows with missing or
// non-positive population never appear in the output.
func (a *Aggregator) perCapita(fact *table.Table, naturalByKey map[int64]string) *Dataset {
	// Population is the divisor and source columns that are already ratios
	// would double the suffix, so both stay out.
	var metrics []schema.Field
	for _, f := range a.cfg.Spec.MetricFields() {
		if f.Name == "population" || strings.HasSuffix(f.Name, "_per_capita") {
			continue
		}
		metrics = append(metrics, f)
	}

	cols := []columnar.Column{
		{Name: CountryKeyColumn, Type: schema.TypeInt},
		{Name: "country", Type: schema.TypeString},
		{Name: "year", Type: schema.TypeInt},
		{Name: "population", Type: schema.TypeFloat},
	}
	for _, f := range metrics {
		cols = append(cols, columnar.Column{Name: f.Name + "_per_capita", Type: schema.TypeFloat, Nullable: true})
	}

	tbl := table.New(columnNames(cols))
	for _, row := range fact.Rows {
		population, ok := row.Float("population")
		if !ok || population <= 0 {
			continue
		}
		key, _ := row.Int(CountryKeyColumn)
		year, _ := row.Int("year")
		out := table.Row{
			CountryKeyColumn: key,
			"country":        naturalByKey[key],
			"year":           year,
			"population":     population,
		}
		for _, f := range metrics {
			if v, ok := row.Float(f.Name); ok {
				out[f.Name+"_per_capita"] = v / population
			} else {
				out[f.Name+"_per_capita"] = nil
			}
		}
		tbl.Append(out)
	}
	return &Dataset{Name: EmissionsPerCapitaTable, Columns: cols, Rows: tbl}
}
