// Package columnar serializes tables: CSV for raw snapshots, Parquet for
// Silver and Gold layers.
package columnar

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/verdantlabs/carbonlake/pkg/table"
)

// DecodeCSV parses raw snapshot bytes into a table of string cells. The
// first record is the header row.
func DecodeCSV(data []byte) (*table.Table, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")) // UTF-8 BOM

	r := csv.NewReader(bytes.NewReader(data))
	r.ReuseRecord = false

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	tbl := table.New(header)
	for {
		record, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to read CSV record: %w", err)
		}
		row := make(table.Row, len(header))
		for i, col := range header {
			if i < len(record) && record[i] != "" {
				row[col] = record[i]
			}
		}
		tbl.Append(row)
	}
	return tbl, nil
}
