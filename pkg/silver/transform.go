package silver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/verdantlabs/carbonlake/pkg/bronze"
	"github.com/verdantlabs/carbonlake/pkg/columnar"
	"github.com/verdantlabs/carbonlake/pkg/schema"
	"github.com/verdantlabs/carbonlake/pkg/table"
)

type TransformerConfig struct {
	Logger *slog.Logger
	Bronze *bronze.Store
	Store  *Store
	Spec   *schema.Spec

	CoerceMode  schema.CoerceMode
	MaxDropRate float64
}

func (cfg *TransformerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Bronze == nil {
		return errors.New("bronze store is required")
	}
	if cfg.Store == nil {
		return errors.New("silver store is required")
	}
	if cfg.Spec == nil {
		return errors.New("spec is required")
	}
	return nil
}

// Result reports what one snapshot transformation did.
type Result struct {
	SnapshotDate string
	Key          string

	RowsIn     int
	RowsOut    int
	Duplicates int
	Validation *schema.Result
}

// Transformer reads one bronze snapshot, normalizes its headers, validates
// it against the spec, drops exact duplicate rows, and writes the silver
// partition. The same bronze bytes always produce the same partition bytes.
type Transformer struct {
	log       *slog.Logger
	cfg       TransformerConfig
	validator *schema.Validator
}

func NewTransformer(cfg TransformerConfig) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	validator, err := schema.NewValidator(schema.ValidatorConfig{
		Logger:      cfg.Logger,
		Spec:        cfg.Spec,
		CoerceMode:  cfg.CoerceMode,
		MaxDropRate: cfg.MaxDropRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build validator: %w", err)
	}
	return &Transformer{log: cfg.Logger, cfg: cfg, validator: validator}, nil
}

// Transform runs the bronze to silver step for one snapshot date.
func (t *Transformer) Transform(ctx context.Context, snapshotDate string) (*Result, error) {
	if err := bronze.ValidateDate(snapshotDate); err != nil {
		return nil, err
	}

	raw, err := t.cfg.Bronze.Read(ctx, snapshotDate)
	if err != nil {
		return nil, fmt.Errorf("failed to read bronze snapshot %s: %w", snapshotDate, err)
	}
	tbl, err := columnar.DecodeCSV(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bronze snapshot %s: %w", snapshotDate, err)
	}
	rowsIn := tbl.Len()

	normalizeHeaders(tbl, t.cfg.Spec)

	validated, vres, err := t.validator.Validate(tbl)
	if err != nil {
		return nil, fmt.Errorf("validation failed for snapshot %s: %w", snapshotDate, err)
	}

	deduped, duplicates := dropDuplicates(validated, t.cfg.Spec)
	if duplicates > 0 {
		t.log.Warn("dropped exact duplicate rows", "snapshot_date", snapshotDate, "duplicates", duplicates)
	}

	if err := deduped.AddColumn(SnapshotDateColumn); err != nil {
		return nil, err
	}
	for _, row := range deduped.Rows {
		row[SnapshotDateColumn] = snapshotDate
	}

	if err := t.cfg.Store.Write(ctx, snapshotDate, deduped); err != nil {
		return nil, err
	}

	res := &Result{
		SnapshotDate: snapshotDate,
		Key:          t.cfg.Store.Key(snapshotDate),
		RowsIn:       rowsIn,
		RowsOut:      deduped.Len(),
		Duplicates:   duplicates,
		Validation:   vres,
	}
	t.log.Info("transformed snapshot",
		"snapshot_date", snapshotDate,
		"rows_in", res.RowsIn,
		"rows_out", res.RowsOut,
		"rows_dropped", rowsIn-res.RowsOut,
	)
	return res, nil
}

// normalizeHeaders renames raw columns to their canonical spec names. Raw
// headers are lowercased with inner whitespace collapsed to underscores, and
// spec-declared source aliases map to the canonical field name.
func normalizeHeaders(tbl *table.Table, spec *schema.Spec) {
	aliases := make(map[string]string)
	for _, f := range spec.Fields {
		aliases[f.Name] = f.Name
		for _, src := range f.Sources {
			aliases[normalizeHeader(src)] = f.Name
		}
	}

	renames := make(map[string]string)
	for i, col := range tbl.Columns {
		name := normalizeHeader(col)
		if canonical, ok := aliases[name]; ok {
			name = canonical
		}
		if name != col {
			renames[col] = name
			tbl.Columns[i] = name
		}
	}
	if len(renames) == 0 {
		return
	}
	for _, row := range tbl.Rows {
		for from, to := range renames {
			if v, ok := row[from]; ok {
				delete(row, from)
				row[to] = v
			}
		}
	}
}

func normalizeHeader(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(raw))), "_")
}

// dropDuplicates removes rows whose spec-column values exactly match an
// earlier row. The first occurrence wins, preserving ingestion order.
func dropDuplicates(tbl *table.Table, spec *schema.Spec) (*table.Table, int) {
	out := table.New(tbl.Columns)
	seen := make(map[uint64]struct{}, tbl.Len())
	duplicates := 0
	for _, row := range tbl.Rows {
		fp := fingerprint(row, spec)
		if _, dup := seen[fp]; dup {
			duplicates++
			continue
		}
		seen[fp] = struct{}{}
		out.Append(row)
	}
	return out, duplicates
}

func fingerprint(row table.Row, spec *schema.Spec) uint64 {
	var b strings.Builder
	for _, f := range spec.Fields {
		switch v := row[f.Name].(type) {
		case nil:
			b.WriteString("\x00")
		case string:
			b.WriteString(v)
		case int64:
			b.WriteString(strconv.FormatInt(v, 10))
		case float64:
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		default:
			fmt.Fprintf(&b, "%v", v)
		}
		b.WriteString("\x1f")
	}
	return xxh3.HashString(b.String())
}
