package sqlconn

import (
	"database/sql"
	"fmt"
	"strings"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
	"github.com/wehubfusion/Glide/pkg/pipeline"
)

// PlaceholderStyle is how a statement marks its parameters.
type PlaceholderStyle int

const (
	// PlaceholderPositional is "?".
	PlaceholderPositional PlaceholderStyle = iota
	// PlaceholderNamed is ":name".
	PlaceholderNamed
	// PlaceholderAt is "@name", bound with sql.Named.
	PlaceholderAt
)

// Statement is SQL plus the column order its parameters bind from.
type Statement struct {
	SQL     string
	Columns []string
	Style   PlaceholderStyle
}

// bulkReplace builds "REPLACE INTO table (cols) VALUES (placeholders)".
func bulkReplace(table string, cols []string, style PlaceholderStyle) Statement {
	marks := make([]string, len(cols))
	for i, c := range cols {
		switch style {
		case PlaceholderNamed:
			marks[i] = ":" + c
		case PlaceholderAt:
			marks[i] = "@" + c
		default:
			marks[i] = "?"
		}
	}
	query := fmt.Sprintf("REPLACE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	return Statement{SQL: query, Columns: append([]string(nil), cols...), Style: style}
}

// rowList turns rows into a slice of single rows. Tables become records.
func rowList(rows any) ([]any, error) {
	switch r := rows.(type) {
	case nil:
		return nil, nil
	case pipeline.Table:
		out := make([]any, len(r.Rows))
		for i, row := range r.Rows {
			out[i] = NewRecord(r.Columns, row)
		}
		return out, nil
	case []Record:
		out := make([]any, len(r))
		for i, rec := range r {
			out[i] = rec
		}
		return out, nil
	case [][]any:
		out := make([]any, len(r))
		for i, t := range r {
			out[i] = t
		}
		return out, nil
	}
	return pipeline.Iterize(rows), nil
}

// rowColumns returns the column names of a keyed row; tuples report false.
func rowColumns(row any) ([]string, bool) {
	switch r := row.(type) {
	case Record:
		return r.Keys(), true
	case map[string]any:
		return RecordFromMap(r).Keys(), true
	case pipeline.Context:
		return RecordFromMap(r).Keys(), true
	}
	return nil, false
}

func firstRowColumns(rows any, tupleMsg string) ([]string, error) {
	list, err := rowList(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, glideerrors.UnsupportedRowShape("cannot build a bulk replace statement from zero rows")
	}
	cols, ok := rowColumns(list[0])
	if !ok {
		return nil, glideerrors.UnsupportedRowShape("%s: %T", tupleMsg, list[0])
	}
	if len(cols) == 0 {
		return nil, glideerrors.UnsupportedRowShape("first row has no columns")
	}
	return cols, nil
}

// value returns column col of a keyed row.
func value(row any, col string) (any, error) {
	switch r := row.(type) {
	case Record:
		if v, ok := r.Get(col); ok {
			return v, nil
		}
	case map[string]any:
		if v, ok := r[col]; ok {
			return v, nil
		}
	case pipeline.Context:
		if v, ok := r[col]; ok {
			return v, nil
		}
	default:
		return nil, glideerrors.UnsupportedRowShape("cannot read column %q from %T", col, row)
	}
	return nil, glideerrors.UnsupportedRowShape("row is missing column %q", col)
}

// bindPositional orders a keyed row by stmt.Columns; tuples bind as-is.
func bindPositional(stmt Statement, row any) ([]any, error) {
	if t, ok := row.([]any); ok {
		return t, nil
	}
	cols := stmt.Columns
	if len(cols) == 0 {
		c, ok := rowColumns(row)
		if !ok {
			return nil, glideerrors.UnsupportedRowShape("cannot bind row of type %T", row)
		}
		cols = c
	}
	args := make([]any, len(cols))
	for i, c := range cols {
		v, err := value(row, c)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// bindNamedArgs binds a keyed row as sql.Named arguments.
func bindNamedArgs(stmt Statement, row any) ([]any, error) {
	if _, ok := row.([]any); ok {
		return nil, glideerrors.UnsupportedRowShape("dict rows expected, got tuple; use a dictionary-producing cursor")
	}
	vals, err := bindPositional(stmt, row)
	if err != nil {
		return nil, err
	}
	cols := stmt.Columns
	if len(cols) == 0 {
		cols, _ = rowColumns(row)
	}
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = sql.Named(c, vals[i])
	}
	return args, nil
}

func isNamedArg(arg any) bool {
	switch arg.(type) {
	case map[string]any, Record, pipeline.Context:
		return true
	}
	return false
}

// namedArg converts keyed rows to the map form sqlx binds from.
func namedArg(arg any) any {
	switch a := arg.(type) {
	case Record:
		return a.Map()
	case pipeline.Context:
		return map[string]any(a)
	}
	return arg
}
