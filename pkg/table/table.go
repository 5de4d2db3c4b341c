// Package table holds the in-memory tabular representation passed between
// pipeline stages. Values are nil, string, int64, or float64.
package table

import "fmt"

// Row maps column names to values. A missing key and a nil value both mean
// the cell is null.
type Row map[string]any

// Table is an ordered set of columns plus rows in ingestion order. Row order
// is significant: later rows win on conflict resolution downstream.
type Table struct {
	Columns []string
	Rows    []Row
}

func New(columns []string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{Columns: cols}
}

func (t *Table) Append(row Row) {
	t.Rows = append(t.Rows, row)
}

func (t *Table) Len() int {
	return len(t.Rows)
}

func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// AddColumn registers a new column. Existing rows read as null for it.
func (t *Table) AddColumn(name string) error {
	if t.HasColumn(name) {
		return fmt.Errorf("column %q already exists", name)
	}
	t.Columns = append(t.Columns, name)
	return nil
}

// String returns the cell as a string. Null cells and non-string cells
// return the empty string.
func (r Row) String(col string) string {
	v, ok := r[col]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Int returns the cell as an int64 with a presence flag.
func (r Row) Int(col string) (int64, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// Float returns the cell as a float64 with a presence flag.
func (r Row) Float(col string) (float64, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// IsNull reports whether the cell is absent or nil.
func (r Row) IsNull(col string) bool {
	v, ok := r[col]
	return !ok || v == nil
}
