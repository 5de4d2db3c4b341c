package schema

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/verdantlabs/carbonlake/pkg/table"
)

// CoerceMode controls what happens to values that cannot be coerced to their
// declared type.
type CoerceMode string

const (
	// CoerceDrop drops the offending rows and counts them.
	CoerceDrop CoerceMode = "drop"
	// CoerceFail fails the whole run, reporting every offending column.
	CoerceFail CoerceMode = "fail"
)

const DefaultMaxDropRate = 0.10

const dateLayout = "2006-01-02"

type ValidatorConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Spec   *Spec

	CoerceMode CoerceMode
	// MaxDropRate is the fraction of input rows validation may drop before
	// the run is aborted with QualityThresholdError. Zero means the default.
	MaxDropRate float64
}

func (cfg *ValidatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Spec == nil {
		return errors.New("spec is required")
	}
	if err := cfg.Spec.Validate(); err != nil {
		return err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CoerceMode == "" {
		cfg.CoerceMode = CoerceDrop
	}
	if cfg.CoerceMode != CoerceDrop && cfg.CoerceMode != CoerceFail {
		return fmt.Errorf("unknown coerce mode %q", cfg.CoerceMode)
	}
	if cfg.MaxDropRate <= 0 {
		cfg.MaxDropRate = DefaultMaxDropRate
	}
	return nil
}

// Result reports what validation did to the input table.
type Result struct {
	RowsIn          int
	RowsOut         int
	DroppedByReason map[string]int
	Violations      []Violation
}

func (r *Result) RowsDropped() int {
	return r.RowsIn - r.RowsOut
}

// Validator enforces a Spec on a raw table: required columns present, every
// value coercible to its declared type, domain constraints honored. The
// output table carries typed values and only spec columns.
type Validator struct {
	log *slog.Logger
	cfg ValidatorConfig
}

func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Validator{log: cfg.Logger, cfg: cfg}, nil
}

// Validate checks tbl against the spec. On success it returns the validated
// table and metrics. A ViolationError or QualityThresholdError aborts the
// run; both enumerate everything that went wrong, not just the first issue.
func (v *Validator) Validate(tbl *table.Table) (*table.Table, *Result, error) {
	spec := v.cfg.Spec
	res := &Result{
		RowsIn:          tbl.Len(),
		DroppedByReason: make(map[string]int),
	}

	// Check required columns first; a missing column fails the whole run.
	var missing []Violation
	for _, f := range spec.Fields {
		if f.Required && !tbl.HasColumn(f.Name) {
			missing = append(missing, Violation{Column: f.Name, Reason: "missing required column"})
		}
	}
	if len(missing) > 0 {
		res.Violations = missing
		return nil, res, &ViolationError{Spec: v.specLabel(), Violations: missing}
	}

	out := table.New(spec.ColumnNames())
	uncoercible := make(map[string]int)

rows:
	for _, row := range tbl.Rows {
		typed := make(table.Row, len(spec.Fields))
		for _, f := range spec.Fields {
			val, reason := v.coerceValue(f, row)
			if reason != "" {
				res.DroppedByReason[reason]++
				if strings.HasPrefix(reason, "uncoercible_") {
					uncoercible[f.Name]++
				}
				continue rows
			}
			if val != nil {
				typed[f.Name] = val
			}
		}
		out.Append(typed)
	}

	if v.cfg.CoerceMode == CoerceFail && len(uncoercible) > 0 {
		cols := make([]string, 0, len(uncoercible))
		for col := range uncoercible {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for _, col := range cols {
			res.Violations = append(res.Violations, Violation{
				Column: col,
				Reason: "uncoercible values",
				Rows:   uncoercible[col],
			})
		}
		return nil, res, &ViolationError{Spec: v.specLabel(), Violations: res.Violations}
	}

	res.RowsOut = out.Len()

	if res.RowsOut == 0 || float64(res.RowsDropped()) > v.cfg.MaxDropRate*float64(res.RowsIn) {
		return nil, res, &QualityThresholdError{
			RowsIn:      res.RowsIn,
			RowsOut:     res.RowsOut,
			RowsDropped: res.RowsDropped(),
			MaxDropRate: v.cfg.MaxDropRate,
		}
	}

	if res.RowsDropped() > 0 {
		v.log.Info("validation dropped rows",
			"spec", v.specLabel(), "rows_in", res.RowsIn, "rows_out", res.RowsOut,
			"dropped_by_reason", res.DroppedByReason)
	}

	return out, res, nil
}

func (v *Validator) specLabel() string {
	return fmt.Sprintf("%s/v%d", v.cfg.Spec.Name, v.cfg.Spec.Version)
}

// coerceValue coerces one cell to the field's declared type and checks its
// domain. It returns the typed value, or a non-empty drop reason.
func (v *Validator) coerceValue(f Field, row table.Row) (any, string) {
	raw, present := row[f.Name]
	if !present || raw == nil {
		if f.Nullable {
			return nil, ""
		}
		return nil, "null_" + f.Name
	}

	// Raw snapshots carry string cells; re-validation of typed tables passes
	// values through unchanged.
	s, isString := raw.(string)
	if isString {
		s = strings.TrimSpace(s)
		if s == "" {
			if f.Nullable {
				return nil, ""
			}
			return nil, "null_" + f.Name
		}
	}

	switch f.Type {
	case TypeString:
		if !isString {
			return nil, "uncoercible_" + f.Name
		}
		return s, ""

	case TypeInt:
		var n int64
		switch {
		case !isString:
			var ok bool
			n, ok = row.Int(f.Name)
			if !ok {
				return nil, "uncoercible_" + f.Name
			}
		default:
			parsed, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				// Accept integral floats like "2020.0"; the source exports
				// numeric columns inconsistently.
				fv, ferr := strconv.ParseFloat(s, 64)
				if ferr != nil || fv != float64(int64(fv)) {
					return nil, "uncoercible_" + f.Name
				}
				parsed = int64(fv)
			}
			n = parsed
		}
		return n, v.checkDomain(f, float64(n))

	case TypeFloat:
		var fv float64
		switch {
		case !isString:
			var ok bool
			fv, ok = row.Float(f.Name)
			if !ok {
				return nil, "uncoercible_" + f.Name
			}
		default:
			parsed, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, "uncoercible_" + f.Name
			}
			fv = parsed
		}
		return fv, v.checkDomain(f, fv)

	case TypeDate:
		if !isString {
			return nil, "uncoercible_" + f.Name
		}
		if _, err := time.Parse(dateLayout, s); err != nil {
			return nil, "uncoercible_" + f.Name
		}
		return s, ""
	}

	return nil, "uncoercible_" + f.Name
}

func (v *Validator) checkDomain(f Field, val float64) string {
	if f.Domain == nil {
		return ""
	}
	if f.Domain.Min != nil && val < *f.Domain.Min {
		return "domain_" + f.Name
	}
	max := f.Domain.Max
	if f.Domain.MaxCurrentYearOffset != nil {
		resolved := float64(v.cfg.Clock.Now().UTC().Year() + *f.Domain.MaxCurrentYearOffset)
		max = &resolved
	}
	if max != nil && val > *max {
		return "domain_" + f.Name
	}
	return ""
}
