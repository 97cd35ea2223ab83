package pipeline

import (
	"reflect"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
)

// Tabular is an item made of rows. A tabular item is empty when it has no rows.
type Tabular interface {
	RowCount() int
}

// Splittable is a tabular item that can be cut into contiguous row ranges.
type Splittable interface {
	Tabular
	SliceRows(start, end int) any
}

// Table is a simple column-oriented batch of rows.
type Table struct {
	Columns []string
	Rows    [][]any
}

// RowCount returns the number of rows.
func (t Table) RowCount() int {
	return len(t.Rows)
}

// SliceRows returns the rows in [start, end) sharing the column header.
func (t Table) SliceRows(start, end int) any {
	return Table{Columns: t.Columns, Rows: t.Rows[start:end]}
}

// Records converts the rows to maps keyed by column name.
func (t Table) Records() []map[string]any {
	out := make([]map[string]any, len(t.Rows))
	for i, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for j, col := range t.Columns {
			if j < len(row) {
				rec[col] = row[j]
			}
		}
		out[i] = rec
	}
	return out
}

// IsEmpty reports whether item should be treated as an empty batch: a tabular
// item with no rows, or any value that is falsy (nil, false, numeric zero, empty
// string, empty slice, map, array or channel, nil pointer or interface).
func IsEmpty(item any) bool {
	if item == nil {
		return true
	}
	if t, ok := item.(Tabular); ok {
		return t.RowCount() == 0
	}

	v := reflect.ValueOf(item)
	switch v.Kind() {
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Complex64, reflect.Complex128:
		return v.Complex() == 0
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array, reflect.Chan:
		return v.Len() == 0
	case reflect.Pointer, reflect.Interface, reflect.Func:
		return v.IsNil()
	}
	return false
}

// Split cuts item into n contiguous parts whose lengths differ by at most one.
// The first len%n parts carry the extra element; concatenating the parts in
// order yields the original item. Parts past the item length are empty.
func Split(item any, n int) ([]any, error) {
	if n <= 0 {
		return nil, glideerrors.InvalidConfiguration("cannot split into %d parts", n)
	}

	if s, ok := item.(Splittable); ok {
		bounds := splitBounds(s.RowCount(), n)
		parts := make([]any, n)
		for i, b := range bounds {
			parts[i] = s.SliceRows(b[0], b[1])
		}
		return parts, nil
	}

	v := reflect.ValueOf(item)
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.String:
	default:
		return nil, glideerrors.InvalidConfiguration("cannot split item of type %T", item)
	}
	if v.Kind() == reflect.Array {
		// arrays are not addressable through an interface; copy into a slice
		cp := reflect.MakeSlice(reflect.SliceOf(v.Type().Elem()), v.Len(), v.Len())
		reflect.Copy(cp, v)
		v = cp
	}

	bounds := splitBounds(v.Len(), n)
	parts := make([]any, n)
	for i, b := range bounds {
		parts[i] = v.Slice(b[0], b[1]).Interface()
	}
	return parts, nil
}

func splitBounds(length, n int) [][2]int {
	base, extra := length/n, length%n
	bounds := make([][2]int, n)
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		bounds[i] = [2]int{start, start + size}
		start += size
	}
	return bounds
}

// Iterize turns data into a sequence of items: slices and arrays yield their
// elements, anything else is a single item.
func Iterize(data any) []any {
	if data == nil {
		return nil
	}
	if items, ok := data.([]any); ok {
		return items
	}
	v := reflect.ValueOf(data)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, v.Len())
		for i := range out {
			out[i] = v.Index(i).Interface()
		}
		return out
	}
	return []any{data}
}
