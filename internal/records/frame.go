// Package records defines the tabular data model shared by the pipeline
// stages: CSV framing, feature projection, decimal rounding, and column-type
// inference.
package records

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
)

// Frame is an ordered set of rows with named columns.
//
// Row order is load-bearing: prediction output is correlated to input rows
// purely by position, so every reader and writer of a Frame must preserve
// order and must never filter or reorder rows.
type Frame struct {
	Columns []string
	Rows    [][]string
}

// ParseCSV reads a CSV document whose first row is the header.
// An empty document yields an empty frame, not an error.
func ParseCSV(data []byte) (*Frame, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	all, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(all) == 0 {
		return &Frame{}, nil
	}
	return &Frame{Columns: all[0], Rows: all[1:]}, nil
}

// ParseHeaderless reads a CSV document with no header row.
func ParseHeaderless(data []byte) ([][]string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse headerless csv: %w", err)
	}
	return rows, nil
}

// MarshalCSV renders the frame with its header row.
func (f *Frame) MarshalCSV() ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(f.Columns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	if err := writer.WriteAll(f.Rows); err != nil {
		return nil, fmt.Errorf("write csv rows: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// MarshalHeaderless renders rows without a header, the input shape the
// prediction runtime expects.
func MarshalHeaderless(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write headerless csv: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Len returns the number of data rows.
func (f *Frame) Len() int {
	return len(f.Rows)
}

// ColumnIndex returns the position of a named column, or -1 if absent.
func (f *Frame) ColumnIndex(name string) int {
	for i, col := range f.Columns {
		if col == name {
			return i
		}
	}
	return -1
}

// Column returns all values of one column in row order.
func (f *Frame) Column(name string) ([]string, error) {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not present in %v", name, f.Columns)
	}
	values := make([]string, 0, len(f.Rows))
	for _, row := range f.Rows {
		if idx >= len(row) {
			return nil, fmt.Errorf("row has %d fields, column %q is at index %d", len(row), name, idx)
		}
		values = append(values, row[idx])
	}
	return values, nil
}

// Project returns a new frame restricted to the named columns, in the given
// order. All missing columns are reported together so the caller can surface
// every absent feature at once instead of one per attempt.
func (f *Frame) Project(columns []string) (*Frame, error) {
	indices := make([]int, 0, len(columns))
	var missing []string
	for _, name := range columns {
		idx := f.ColumnIndex(name)
		if idx < 0 {
			missing = append(missing, name)
			continue
		}
		indices = append(indices, idx)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing columns: %s", strings.Join(missing, ", "))
	}

	projected := &Frame{
		Columns: append([]string(nil), columns...),
		Rows:    make([][]string, 0, len(f.Rows)),
	}
	for _, row := range f.Rows {
		out := make([]string, len(indices))
		for i, idx := range indices {
			if idx < len(row) {
				out[i] = row[idx]
			}
		}
		projected.Rows = append(projected.Rows, out)
	}
	return projected, nil
}

// AppendColumn returns a new frame with one extra column whose values are
// paired to rows by position. The value count must match the row count.
func (f *Frame) AppendColumn(name string, values []string) (*Frame, error) {
	if len(values) != len(f.Rows) {
		return nil, fmt.Errorf("column %q has %d values for %d rows", name, len(values), len(f.Rows))
	}
	out := &Frame{
		Columns: append(append([]string(nil), f.Columns...), name),
		Rows:    make([][]string, 0, len(f.Rows)),
	}
	for i, row := range f.Rows {
		out.Rows = append(out.Rows, append(append([]string(nil), row...), values[i]))
	}
	return out, nil
}
