package sqlconn

import (
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/wehubfusion/Glide/pkg/pipeline"
)

func init() {
	pipeline.RegisterWireType("sqlconn.Record",
		func(r Record) (any, error) {
			return map[string]any{"columns": r.columns, "values": r.values}, nil
		},
		func(payload any) (Record, error) {
			m, ok := payload.(map[string]any)
			if !ok {
				return Record{}, fmt.Errorf("record payload is %T", payload)
			}
			cols, _ := m["columns"].([]string)
			vals, _ := m["values"].([]any)
			if len(vals) > len(cols) {
				return Record{}, fmt.Errorf("record has %d values for %d columns", len(vals), len(cols))
			}
			return NewRecord(cols, vals), nil
		})
}

// Record is a name-addressable row that keeps its column order.
type Record struct {
	columns []string
	values  []any
}

// NewRecord builds a record. Missing trailing values are nil.
func NewRecord(columns []string, values []any) Record {
	v := make([]any, len(columns))
	copy(v, values)
	return Record{columns: append([]string(nil), columns...), values: v}
}

// RecordFromMap builds a record from m with columns sorted by name.
func RecordFromMap(m map[string]any) Record {
	cols := make([]string, 0, len(m))
	for k := range m {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = m[c]
	}
	return Record{columns: cols, values: vals}
}

// Keys returns the column names in order.
func (r Record) Keys() []string {
	return append([]string(nil), r.columns...)
}

// Values returns the values in column order.
func (r Record) Values() []any {
	return append([]any(nil), r.values...)
}

// Get returns the value of column name.
func (r Record) Get(name string) (any, bool) {
	for i, c := range r.columns {
		if c == name {
			return r.values[i], true
		}
	}
	return nil, false
}

// Len returns the number of columns.
func (r Record) Len() int {
	return len(r.columns)
}

// Map converts the record to a map.
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		m[c] = r.values[i]
	}
	return m
}

type recordJSON struct {
	Columns []string `json:"columns"`
	Values  []any    `json:"values"`
}

// MarshalJSON writes the record as {"columns": [...], "values": [...]}.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{Columns: r.columns, Values: r.values})
}

// UnmarshalJSON reads the form written by MarshalJSON. Values take their
// plain JSON types.
func (r *Record) UnmarshalJSON(data []byte) error {
	var rj recordJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return err
	}
	if len(rj.Values) > len(rj.Columns) {
		return fmt.Errorf("record has %d values for %d columns", len(rj.Values), len(rj.Columns))
	}
	*r = NewRecord(rj.Columns, rj.Values)
	return nil
}
