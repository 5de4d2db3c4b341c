package columnar

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/verdantlabs/carbonlake/pkg/schema"
	"github.com/verdantlabs/carbonlake/pkg/table"
)

// Column describes one Parquet column. Gold tables that are not backed by a
// versioned spec (aggregates, dimensions) declare their columns directly.
type Column struct {
	Name     string
	Type     schema.FieldType
	Nullable bool
}

// ColumnsFromSpec derives Parquet columns from a versioned spec, in spec
// order.
func ColumnsFromSpec(spec *schema.Spec) []Column {
	cols := make([]Column, 0, len(spec.Fields))
	for _, f := range spec.Fields {
		cols = append(cols, Column{Name: f.Name, Type: f.Type, Nullable: f.Nullable})
	}
	return cols
}

func parquetSchema(name string, cols []Column) (*parquet.Schema, error) {
	group := parquet.Group{}
	for _, c := range cols {
		var node parquet.Node
		switch c.Type {
		case schema.TypeString, schema.TypeDate:
			node = parquet.String()
		case schema.TypeInt:
			node = parquet.Int(64)
		case schema.TypeFloat:
			node = parquet.Leaf(parquet.DoubleType)
		default:
			return nil, fmt.Errorf("column %q has unsupported type %q", c.Name, c.Type)
		}
		if c.Nullable {
			node = parquet.Optional(node)
		}
		group[c.Name] = node
	}
	return parquet.NewSchema(name, group), nil
}

// EncodeParquet serializes a table to Parquet bytes. Encoding is
// deterministic: the same table always produces identical bytes.
func EncodeParquet(name string, cols []Column, tbl *table.Table) ([]byte, error) {
	sch, err := parquetSchema(name, cols)
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]any, 0, tbl.Len())
	for _, row := range tbl.Rows {
		out := make(map[string]any, len(cols))
		for _, c := range cols {
			if v, ok := row[c.Name]; ok && v != nil {
				out[c.Name] = v
			}
		}
		rows = append(rows, out)
	}

	var buf bytes.Buffer
	if err := parquet.Write[map[string]any](&buf, rows, sch); err != nil {
		return nil, fmt.Errorf("failed to write parquet table %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// DecodeParquet deserializes Parquet bytes back into a table with the given
// columns. Cells absent from a row read as null.
func DecodeParquet(name string, cols []Column, data []byte) (*table.Table, error) {
	sch, err := parquetSchema(name, cols)
	if err != nil {
		return nil, err
	}

	rows, err := parquet.Read[map[string]any](bytes.NewReader(data), int64(len(data)), sch)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet table %s: %w", name, err)
	}

	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	tbl := table.New(names)
	for _, raw := range rows {
		row := make(table.Row, len(cols))
		for _, c := range cols {
			v, ok := raw[c.Name]
			if !ok || v == nil {
				continue
			}
			row[c.Name] = normalizeValue(c, v)
		}
		tbl.Append(row)
	}
	return tbl, nil
}

// normalizeValue maps decoder output onto the table value kinds.
func normalizeValue(c Column, v any) any {
	switch c.Type {
	case schema.TypeString, schema.TypeDate:
		switch s := v.(type) {
		case string:
			return s
		case []byte:
			return string(s)
		}
	case schema.TypeInt:
		switch n := v.(type) {
		case int64:
			return n
		case int32:
			return int64(n)
		case int:
			return int64(n)
		}
	case schema.TypeFloat:
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		}
	}
	return v
}
