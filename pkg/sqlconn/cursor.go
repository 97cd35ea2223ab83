package sqlconn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// RowShape selects how fetched rows are represented.
type RowShape int

const (
	// ShapeDefault uses the connection category's natural shape.
	ShapeDefault RowShape = iota
	// ShapeRecords yields []Record.
	ShapeRecords
	// ShapeMaps yields []map[string]any.
	ShapeMaps
	// ShapeTuples yields [][]any.
	ShapeTuples
)

// ParseRowShape maps "records", "maps" or "tuples" to a RowShape; "" is ShapeDefault.
func ParseRowShape(s string) (RowShape, error) {
	switch s {
	case "":
		return ShapeDefault, nil
	case "records":
		return ShapeRecords, nil
	case "maps", "dicts":
		return ShapeMaps, nil
	case "tuples":
		return ShapeTuples, nil
	}
	return ShapeDefault, fmt.Errorf("unknown row shape %q", s)
}

// Cursor is the fetchable result of Execute. Batches are typed by the cursor's
// shape; an empty batch means the cursor is drained.
type Cursor struct {
	rows    *sql.Rows
	columns []string
	text    []bool
	shape   RowShape
	drained bool
}

func newCursor(rows *sql.Rows, shape RowShape) (*Cursor, error) {
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read result column types: %w", err)
	}
	text := make([]bool, len(types))
	for i, ct := range types {
		text[i] = isTextType(ct.DatabaseTypeName())
	}
	return &Cursor{rows: rows, columns: cols, text: text, shape: shape}, nil
}

// binary column types keep their []byte values
var binaryTypeMarkers = []string{"BLOB", "BINARY", "BYTEA", "IMAGE", "RAW", "GEOMETRY"}

// isTextType reports whether a driver type name holds text. Unknown types
// are not text.
func isTextType(name string) bool {
	name = strings.ToUpper(name)
	if name == "" {
		return false
	}
	for _, m := range binaryTypeMarkers {
		if strings.Contains(name, m) {
			return false
		}
	}
	return true
}

// Columns returns the result column names.
func (c *Cursor) Columns() []string {
	return append([]string(nil), c.columns...)
}

// Shape returns the batch shape.
func (c *Cursor) Shape() RowShape {
	return c.shape
}

// FetchMany returns up to size rows; size <= 0 fetches everything.
func (c *Cursor) FetchMany(ctx context.Context, size int) (any, error) {
	recs, err := c.FetchRecords(ctx, size)
	if err != nil {
		return nil, err
	}
	return c.shapeBatch(recs), nil
}

// FetchAll returns every remaining row.
func (c *Cursor) FetchAll(ctx context.Context) (any, error) {
	return c.FetchMany(ctx, 0)
}

// FetchRecords returns up to size rows as records regardless of shape.
func (c *Cursor) FetchRecords(ctx context.Context, size int) ([]Record, error) {
	out := []Record{}
	for !c.drained && (size <= 0 || len(out) < size) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.rows.Next() {
			c.drained = true
			if err := c.rows.Err(); err != nil {
				return nil, fmt.Errorf("failed to iterate rows: %w", err)
			}
			if err := c.rows.Close(); err != nil {
				return nil, err
			}
			break
		}
		vals := make([]any, len(c.columns))
		ptrs := make([]any, len(c.columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := c.rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok && c.text[i] {
				vals[i] = string(b)
			}
		}
		out = append(out, Record{columns: c.columns, values: vals})
	}
	return out, nil
}

// Close releases the underlying rows.
func (c *Cursor) Close() error {
	c.drained = true
	return c.rows.Close()
}

func (c *Cursor) shapeBatch(recs []Record) any {
	switch c.shape {
	case ShapeMaps:
		out := make([]map[string]any, len(recs))
		for i, r := range recs {
			out[i] = r.Map()
		}
		return out
	case ShapeTuples:
		out := make([][]any, len(recs))
		for i, r := range recs {
			out[i] = r.values
		}
		return out
	}
	return recs
}
