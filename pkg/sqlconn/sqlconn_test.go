package sqlconn

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
	"github.com/wehubfusion/Glide/pkg/pipeline"
)

const createUsers = `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(createUsers)
	require.NoError(t, err)
	return db
}

func openSQLx(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.MustExec(createUsers)
	return db
}

func usersRecords() []Record {
	cols := []string{"id", "name"}
	return []Record{
		NewRecord(cols, []any{1, "ada"}),
		NewRecord(cols, []any{2, "grace"}),
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	xdb := openSQLx(t)

	sqlConn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer sqlConn.Close()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	xtx, err := xdb.Beginx()
	require.NoError(t, err)
	defer xtx.Rollback()

	tests := []struct {
		name string
		conn any
		want Category
	}{
		{"sqlx database", xdb, Dialect},
		{"sqlx transaction", xtx, Dialect},
		{"sqlite database", db, Embedded},
		{"database/sql conn", sqlConn, DBAPI},
		{"database/sql transaction", tx, DBAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Classify(tt.conn)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Category())
			assert.Same(t, tt.conn, c.Handle())

			again, err := Classify(c)
			require.NoError(t, err)
			assert.Equal(t, c, again)
		})
	}

	for _, bad := range []any{nil, "dsn", 42, (*sql.DB)(nil)} {
		_, err := Classify(bad)
		assert.True(t, glideerrors.IsInvalidConnectionType(err), "%T", bad)
	}
	assert.NoError(t, Check(db))
}

func TestBulkReplaceStatement(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	xdb := openSQLx(t)
	sqlConn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer sqlConn.Close()

	embedded, _ := Classify(db)
	dialect, _ := Classify(xdb)
	dbapi, _ := Classify(sqlConn)

	stmt, err := embedded.BulkReplaceStatement("users", usersRecords())
	require.NoError(t, err)
	assert.Equal(t, "REPLACE INTO users (id, name) VALUES (?, ?)", stmt.SQL)
	assert.Equal(t, PlaceholderPositional, stmt.Style)

	stmt, err = dialect.BulkReplaceStatement("users", usersRecords())
	require.NoError(t, err)
	assert.Equal(t, "REPLACE INTO users (id, name) VALUES (:id, :name)", stmt.SQL)

	stmt, err = dbapi.BulkReplaceStatement("users", []map[string]any{{"name": "ada", "id": 1}})
	require.NoError(t, err)
	assert.Equal(t, "REPLACE INTO users (id, name) VALUES (?, ?)", stmt.SQL)
	assert.Equal(t, PlaceholderPositional, stmt.Style)
	assert.Equal(t, []string{"id", "name"}, stmt.Columns)

	tuples := [][]any{{1, "ada"}}
	_, err = dbapi.BulkReplaceStatement("users", tuples)
	require.True(t, glideerrors.IsUnsupportedRowShape(err))
	assert.Contains(t, err.Error(), "dictionary-producing cursor")

	_, err = embedded.BulkReplaceStatement("users", tuples)
	assert.True(t, glideerrors.IsUnsupportedRowShape(err))

	_, err = embedded.BulkReplaceStatement("users", []Record{})
	assert.True(t, glideerrors.IsUnsupportedRowShape(err))
}

func TestBulkReplaceRoundTrip(t *testing.T) {
	ctx := context.Background()

	check := func(t *testing.T, conn Conn, rows any) {
		t.Helper()
		n, err := BulkReplace(ctx, conn, "users", rows)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		// replacing the same keys keeps the row count stable
		_, err = BulkReplace(ctx, conn, "users", rows)
		require.NoError(t, err)

		cur, err := conn.Execute(ctx, "SELECT id, name FROM users ORDER BY id")
		require.NoError(t, err)
		recs, err := cur.FetchRecords(ctx, 0)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		name, _ := recs[1].Get("name")
		assert.Equal(t, "grace", name)
	}

	t.Run("embedded", func(t *testing.T) {
		conn, err := Classify(openSQLite(t))
		require.NoError(t, err)
		check(t, conn, usersRecords())
	})

	t.Run("dialect", func(t *testing.T) {
		conn, err := Classify(openSQLx(t))
		require.NoError(t, err)
		check(t, conn, []map[string]any{{"id": 1, "name": "ada"}, {"id": 2, "name": "grace"}})
	})

	t.Run("dbapi", func(t *testing.T) {
		sqlConn, err := openSQLite(t).Conn(ctx)
		require.NoError(t, err)
		defer sqlConn.Close()
		conn, err := Classify(sqlConn)
		require.NoError(t, err)
		check(t, conn, pipeline.Table{Columns: []string{"id", "name"}, Rows: [][]any{{1, "ada"}, {2, "grace"}}})
	})

	t.Run("dbapi binds maps by column name", func(t *testing.T) {
		sqlConn, err := openSQLite(t).Conn(ctx)
		require.NoError(t, err)
		defer sqlConn.Close()
		conn, err := Classify(sqlConn)
		require.NoError(t, err)
		check(t, conn, []any{
			map[string]any{"name": "ada", "id": 1},
			NewRecord([]string{"name", "id"}, []any{"grace", 2}),
		})
	})
}

func TestDBAPIExecuteManyWithAtPlaceholders(t *testing.T) {
	ctx := context.Background()
	sqlConn, err := openSQLite(t).Conn(ctx)
	require.NoError(t, err)
	defer sqlConn.Close()
	conn, err := Classify(sqlConn)
	require.NoError(t, err)

	stmt := Statement{
		SQL:     "INSERT INTO users (id, name) VALUES (@id, @name)",
		Columns: []string{"id", "name"},
		Style:   PlaceholderAt,
	}
	n, err := conn.ExecuteMany(ctx, stmt, []map[string]any{{"name": "ada", "id": 1}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = conn.ExecuteMany(ctx, stmt, [][]any{{2, "grace"}})
	assert.True(t, glideerrors.IsUnsupportedRowShape(err))
}

func TestExecuteManyRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	conn, err := Classify(db)
	require.NoError(t, err)

	stmt, err := conn.BulkReplaceStatement("users", usersRecords())
	require.NoError(t, err)

	rows := []any{
		NewRecord([]string{"id", "name"}, []any{1, "ada"}),
		map[string]any{"id": 2},
	}
	_, err = conn.ExecuteMany(ctx, stmt, rows)
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count))
	assert.Zero(t, count)
}

func TestCursorShapesAndBatches(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	for i, name := range []string{"a", "b", "c"} {
		_, err := db.Exec("INSERT INTO users (id, name) VALUES (?, ?)", i+1, name)
		require.NoError(t, err)
	}

	t.Run("embedded defaults to records", func(t *testing.T) {
		conn, _ := Classify(db)
		cur, err := conn.Execute(ctx, "SELECT id, name FROM users ORDER BY id")
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "name"}, cur.Columns())

		batch, err := cur.FetchMany(ctx, 2)
		require.NoError(t, err)
		recs := batch.([]Record)
		require.Len(t, recs, 2)
		assert.Equal(t, map[string]any{"id": int64(1), "name": "a"}, recs[0].Map())

		batch, err = cur.FetchMany(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, batch.([]Record), 1)

		batch, err = cur.FetchMany(ctx, 2)
		require.NoError(t, err)
		assert.True(t, pipeline.IsEmpty(batch))
		assert.NoError(t, cur.Close())
	})

	t.Run("tuples and maps", func(t *testing.T) {
		sqlConn, err := db.Conn(ctx)
		require.NoError(t, err)
		defer sqlConn.Close()

		conn, _ := Classify(sqlConn)
		cur, err := conn.Execute(ctx, "SELECT name FROM users ORDER BY id")
		require.NoError(t, err)
		all, err := cur.FetchAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, [][]any{{"a"}, {"b"}, {"c"}}, all)

		conn, _ = Classify(sqlConn, WithRowShape(ShapeMaps))
		cur, err = conn.Execute(ctx, "SELECT name FROM users WHERE id = ?", 2)
		require.NoError(t, err)
		all, err = cur.FetchAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []map[string]any{{"name": "b"}}, all)
	})

	t.Run("dialect binds named arguments", func(t *testing.T) {
		xdb := sqlx.NewDb(db, "sqlite3")
		conn, _ := Classify(xdb)
		cur, err := conn.Execute(ctx, "SELECT name FROM users WHERE id = :id", map[string]any{"id": 3})
		require.NoError(t, err)
		all, err := cur.FetchAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []map[string]any{{"name": "c"}}, all)
	})
}

func TestCursorKeepsBinaryColumns(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	_, err := db.Exec(`CREATE TABLE files (name TEXT, body BLOB)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO files (name, body) VALUES (?, ?)`, "a.bin", []byte{0, 1, 255})
	require.NoError(t, err)

	conn, err := Classify(db)
	require.NoError(t, err)
	cur, err := conn.Execute(ctx, "SELECT name, body FROM files")
	require.NoError(t, err)
	recs, err := cur.FetchRecords(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	name, _ := recs[0].Get("name")
	body, _ := recs[0].Get("body")
	assert.Equal(t, "a.bin", name)
	assert.Equal(t, []byte{0, 1, 255}, body)
}

func TestIsTextType(t *testing.T) {
	for name, want := range map[string]bool{
		"TEXT":       true,
		"VARCHAR":    true,
		"char":       true,
		"DECIMAL":    true,
		"JSON":       true,
		"BLOB":       false,
		"MEDIUMBLOB": false,
		"VARBINARY":  false,
		"bytea":      false,
		"":           false,
	} {
		assert.Equal(t, want, isTextType(name), name)
	}
}

func TestRecordJSON(t *testing.T) {
	rec := NewRecord([]string{"id", "name"}, []any{1, "ada"})
	data, err := rec.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"columns":["id","name"],"values":[1,"ada"]}`, string(data))

	var got Record
	require.NoError(t, got.UnmarshalJSON(data))
	assert.Equal(t, []string{"id", "name"}, got.Keys())
	assert.Equal(t, []any{float64(1), "ada"}, got.Values())

	assert.Error(t, got.UnmarshalJSON([]byte(`{"columns":["id"],"values":[1,2]}`)))
}

func TestRecordCrossesTheWire(t *testing.T) {
	recs := []Record{
		NewRecord([]string{"id", "body"}, []any{int64(1), []byte{7}}),
		NewRecord([]string{"id", "body"}, []any{int64(2), nil}),
	}
	data, err := pipeline.MarshalTask(pipeline.Task{Pipeline: "p", Item: recs})
	require.NoError(t, err)
	task, err := pipeline.UnmarshalTask(data)
	require.NoError(t, err)
	assert.Equal(t, recs, task.Item)
}

func TestParseRowShape(t *testing.T) {
	shape, err := ParseRowShape("maps")
	require.NoError(t, err)
	assert.Equal(t, ShapeMaps, shape)

	_, err = ParseRowShape("columns")
	assert.Error(t, err)
}
