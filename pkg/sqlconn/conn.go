// Package sqlconn classifies database handles into connection categories and
// dispatches execute, bulk execute and bulk replace by category.
package sqlconn

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
)

// Category is a connection capability set.
type Category int

const (
	// Dialect handles bind named parameters themselves (sqlx).
	Dialect Category = iota + 1
	// Embedded is a single-file SQLite database.
	Embedded
	// DBAPI is any other database/sql handle.
	DBAPI
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case Dialect:
		return "dialect"
	case Embedded:
		return "embedded"
	case DBAPI:
		return "cursor"
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// handle is the execution surface shared by *sql.DB, *sql.Conn, *sql.Tx and
// their sqlx wrappers.
type handle interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Conn is a classified connection.
type Conn interface {
	// Category returns the connection category.
	Category() Category
	// Handle returns the wrapped database handle.
	Handle() any
	// Execute runs query and returns a fetchable cursor.
	Execute(ctx context.Context, query string, args ...any) (*Cursor, error)
	// ExecuteMany runs stmt once per row and returns the affected row count.
	ExecuteMany(ctx context.Context, stmt Statement, rows any) (int64, error)
	// BulkReplaceStatement generates a REPLACE statement for rows.
	BulkReplaceStatement(table string, rows any) (Statement, error)
}

// Option configures classification.
type Option func(*options)

type options struct {
	shape RowShape
}

// WithRowShape overrides the category's default cursor row shape.
func WithRowShape(shape RowShape) Option {
	return func(o *options) {
		o.shape = shape
	}
}

// Classify determines the category of conn. Order is fixed: sqlx handles are
// Dialect, a *sql.DB on the go-sqlite3 driver is Embedded, any other
// *sql.DB, *sql.Conn or *sql.Tx is DBAPI. Anything else fails with
// InvalidConnectionType.
func Classify(conn any, opts ...Option) (Conn, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	switch c := conn.(type) {
	case Conn:
		return c, nil
	case *sqlx.DB:
		return &dialectConn{db: c, shape: pick(o.shape, ShapeMaps)}, nil
	case *sqlx.Tx:
		return &dialectConn{tx: c, shape: pick(o.shape, ShapeMaps)}, nil
	case *sql.DB:
		if c == nil {
			break
		}
		if _, ok := c.Driver().(*sqlite3.SQLiteDriver); ok {
			return &embeddedConn{base{h: c, raw: c, db: c, shape: pick(o.shape, ShapeRecords)}}, nil
		}
		return &dbapiConn{base{h: c, raw: c, db: c, shape: pick(o.shape, ShapeTuples)}}, nil
	case *sql.Conn:
		if c == nil {
			break
		}
		return &dbapiConn{base{h: c, raw: c, shape: pick(o.shape, ShapeTuples)}}, nil
	case *sql.Tx:
		if c == nil {
			break
		}
		return &dbapiConn{base{h: c, raw: c, shape: pick(o.shape, ShapeTuples)}}, nil
	}
	return nil, glideerrors.InvalidConnectionType(
		"connection must be a *sql.DB, *sql.Conn, *sql.Tx, *sqlx.DB or *sqlx.Tx, got %T", conn)
}

// Check validates conn without keeping the classification.
func Check(conn any) error {
	_, err := Classify(conn)
	return err
}

func pick(shape, def RowShape) RowShape {
	if shape == ShapeDefault {
		return def
	}
	return shape
}

// base carries what the database/sql categories share.
type base struct {
	h     handle
	raw   any
	db    *sql.DB // set when the handle is a pool, so bulk writes get a transaction
	shape RowShape
}

func (b *base) Handle() any {
	return b.raw
}

func (b *base) Execute(ctx context.Context, query string, args ...any) (*Cursor, error) {
	rows, err := b.h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return newCursor(rows, b.shape)
}

// executeMany binds each row with bind and executes stmt, inside a transaction
// when the handle is a pool.
func (b *base) executeMany(ctx context.Context, stmt Statement, rows any, bind func(Statement, any) ([]any, error)) (int64, error) {
	list, err := rowList(rows)
	if err != nil {
		return 0, err
	}

	h := b.h
	var tx *sql.Tx
	if b.db != nil {
		tx, err = b.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, fmt.Errorf("failed to begin transaction: %w", err)
		}
		h = tx
	}

	var total int64
	for i, row := range list {
		args, err := bind(stmt, row)
		if err == nil {
			var res sql.Result
			res, err = h.ExecContext(ctx, stmt.SQL, args...)
			if err == nil {
				n, _ := res.RowsAffected()
				total += n
			}
		}
		if err != nil {
			if tx != nil {
				_ = tx.Rollback()
			}
			return 0, fmt.Errorf("failed to execute row %d: %w", i, err)
		}
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("failed to commit: %w", err)
		}
	}
	return total, nil
}

type embeddedConn struct{ base }

func (c *embeddedConn) Category() Category { return Embedded }

func (c *embeddedConn) ExecuteMany(ctx context.Context, stmt Statement, rows any) (int64, error) {
	return c.executeMany(ctx, stmt, rows, bindPositional)
}

// BulkReplaceStatement uses ? placeholders; rows must be name-addressable.
func (c *embeddedConn) BulkReplaceStatement(table string, rows any) (Statement, error) {
	cols, err := firstRowColumns(rows, "embedded connections require name-addressable rows (Record or map), got positional tuples")
	if err != nil {
		return Statement{}, err
	}
	return bulkReplace(table, cols, PlaceholderPositional), nil
}

type dbapiConn struct{ base }

func (c *dbapiConn) Category() Category { return DBAPI }

func (c *dbapiConn) ExecuteMany(ctx context.Context, stmt Statement, rows any) (int64, error) {
	bind := bindPositional
	if stmt.Style == PlaceholderAt {
		bind = bindNamedArgs
	}
	return c.executeMany(ctx, stmt, rows, bind)
}

// BulkReplaceStatement uses ? placeholders bound in column order, which every
// database/sql driver accepts; rows must still be dictionaries.
func (c *dbapiConn) BulkReplaceStatement(table string, rows any) (Statement, error) {
	cols, err := firstRowColumns(rows, "dict rows expected, got tuple; use a dictionary-producing cursor (WithRowShape(ShapeMaps) or FetchRecords)")
	if err != nil {
		return Statement{}, err
	}
	return bulkReplace(table, cols, PlaceholderPositional), nil
}

// dialectConn wraps sqlx handles, which bind :name parameters from maps.
type dialectConn struct {
	db    *sqlx.DB
	tx    *sqlx.Tx
	shape RowShape
}

func (c *dialectConn) Category() Category { return Dialect }

func (c *dialectConn) Handle() any {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

func (c *dialectConn) ext() sqlx.ExtContext {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

// Execute binds a single map, Record or struct argument by name; other
// arguments are bound positionally.
func (c *dialectConn) Execute(ctx context.Context, query string, args ...any) (*Cursor, error) {
	var (
		rows *sqlx.Rows
		err  error
	)
	if len(args) == 1 && isNamedArg(args[0]) {
		rows, err = sqlx.NamedQueryContext(ctx, c.ext(), query, namedArg(args[0]))
	} else {
		rows, err = c.ext().QueryxContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return newCursor(rows.Rows, c.shape)
}

func (c *dialectConn) ExecuteMany(ctx context.Context, stmt Statement, rows any) (int64, error) {
	list, err := rowList(rows)
	if err != nil {
		return 0, err
	}

	ext := c.ext()
	var tx *sqlx.Tx
	if c.tx == nil {
		tx, err = c.db.BeginTxx(ctx, nil)
		if err != nil {
			return 0, fmt.Errorf("failed to begin transaction: %w", err)
		}
		ext = tx
	}

	var total int64
	for i, row := range list {
		var res sql.Result
		if tuple, ok := row.([]any); ok {
			res, err = ext.ExecContext(ctx, stmt.SQL, tuple...)
		} else {
			res, err = sqlx.NamedExecContext(ctx, ext, stmt.SQL, namedArg(row))
		}
		if err != nil {
			if tx != nil {
				_ = tx.Rollback()
			}
			return 0, fmt.Errorf("failed to execute row %d: %w", i, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("failed to commit: %w", err)
		}
	}
	return total, nil
}

// BulkReplaceStatement uses :name placeholders.
func (c *dialectConn) BulkReplaceStatement(table string, rows any) (Statement, error) {
	cols, err := firstRowColumns(rows, "dialect connections require keyed rows (Record or map), got positional tuples")
	if err != nil {
		return Statement{}, err
	}
	return bulkReplace(table, cols, PlaceholderNamed), nil
}

// BulkReplace generates a REPLACE statement for rows and executes it.
func BulkReplace(ctx context.Context, conn Conn, table string, rows any) (int64, error) {
	stmt, err := conn.BulkReplaceStatement(table, rows)
	if err != nil {
		return 0, err
	}
	return conn.ExecuteMany(ctx, stmt, rows)
}
