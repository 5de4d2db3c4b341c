package schema

import (
	"fmt"
	"strings"
)

// Violation describes one offending column: the check it failed and how many
// rows it affected. Validation collects every violation, not just the first.
type Violation struct {
	Column string
	Reason string
	Rows   int
}

func (v Violation) String() string {
	if v.Rows > 0 {
		return fmt.Sprintf("%s: %s (%d rows)", v.Column, v.Reason, v.Rows)
	}
	return fmt.Sprintf("%s: %s", v.Column, v.Reason)
}

// ViolationError is fatal: the input table does not satisfy the spec. It
// aborts the run before any write.
type ViolationError struct {
	Spec       string
	Violations []Violation
}

func (e *ViolationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("schema violation against %s: %s", e.Spec, strings.Join(parts, "; "))
}

// QualityThresholdError is fatal: validation dropped more rows than the
// configured budget allows, or dropped everything.
type QualityThresholdError struct {
	RowsIn      int
	RowsOut     int
	RowsDropped int
	MaxDropRate float64
}

func (e *QualityThresholdError) Error() string {
	if e.RowsOut == 0 {
		return fmt.Sprintf("quality threshold exceeded: 0 of %d rows survived validation", e.RowsIn)
	}
	return fmt.Sprintf("quality threshold exceeded: dropped %d of %d rows (limit %.0f%%)",
		e.RowsDropped, e.RowsIn, e.MaxDropRate*100)
}
