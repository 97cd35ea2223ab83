// Package nodes holds the ready-made node variants: SQL extract and load over
// classified connections, logging, scripted transforms and the NATS and blob
// sinks.
package nodes

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
	"github.com/wehubfusion/Glide/pkg/pipeline"
	"github.com/wehubfusion/Glide/pkg/sqlconn"
)

// lookup reads name from the node's live context, then from global state.
func lookup(n *pipeline.Node, gs *pipeline.GlobalState, name string) (any, bool) {
	if v, ok := n.Context()[name]; ok {
		return v, true
	}
	return gs.Get(name)
}

// checkConn fails early when the node's connection is missing or unusable.
func checkConn(n *pipeline.Node, gs *pipeline.GlobalState) error {
	conn, ok := lookup(n, gs, "conn")
	if !ok {
		return glideerrors.MissingArgument(n.Name(), "conn")
	}
	return sqlconn.Check(conn)
}

type sqlExtract struct{}

// SQLExtract builds a node that executes each item as a query on "conn" and
// pushes the rows, in batches of "chunksize" when set. Empty items are
// forwarded without querying.
//
// "params" may be a list bound positionally or a map bound by name, or either
// one written as a JSON string, which is how it arrives from a flag.
// "row_shape" selects records, maps or tuples instead of the connection
// category's default.
func SQLExtract(name string, opts ...pipeline.NodeOption) (*pipeline.Node, error) {
	opts = append([]pipeline.NodeOption{pipeline.WithPusher(pipeline.CursorPush{})}, opts...)
	return pipeline.NewNode(name, pipeline.SkipFalsy(sqlExtract{}), opts...)
}

func (sqlExtract) Params() []pipeline.Param {
	return []pipeline.Param{
		pipeline.Required("conn"),
		pipeline.Optional("params", nil),
		pipeline.Optional("chunksize", 0),
		pipeline.Optional("row_shape", ""),
	}
}

func (sqlExtract) Begin(_ context.Context, n *pipeline.Node, gs *pipeline.GlobalState) error {
	return checkConn(n, gs)
}

func (sqlExtract) Run(ctx context.Context, out pipeline.Emitter, item any, args pipeline.Args) error {
	query, ok := item.(string)
	if !ok {
		return fmt.Errorf("sql extract expects a query string, got %T", item)
	}

	var copts []sqlconn.Option
	if s := args.String("row_shape"); s != "" {
		shape, err := sqlconn.ParseRowShape(s)
		if err != nil {
			return err
		}
		copts = append(copts, sqlconn.WithRowShape(shape))
	}

	conn, err := sqlconn.Classify(args.Value("conn"), copts...)
	if err != nil {
		return err
	}

	qargs, err := queryArgs(conn, args.Value("params"))
	if err != nil {
		return err
	}

	cursor, err := conn.Execute(ctx, query, qargs...)
	if err != nil {
		return err
	}
	return out.PushResult(ctx, cursor, args.Int("chunksize"))
}

// queryArgs spreads list params and binds map params by name. Dialect
// connections take the map whole.
func queryArgs(conn sqlconn.Conn, params any) ([]any, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(p) == "" {
			return nil, nil
		}
		var decoded any
		if err := json.Unmarshal([]byte(p), &decoded); err != nil {
			return nil, glideerrors.InvalidConfiguration("sql params string must be a JSON list or object: %v", err)
		}
		switch decoded.(type) {
		case []any, map[string]any:
			return queryArgs(conn, integralNumbers(decoded))
		}
		return nil, glideerrors.InvalidConfiguration("sql params string must be a JSON list or object, got %T", decoded)
	case []any:
		return p, nil
	case map[string]any:
		if conn.Category() == sqlconn.Dialect {
			return []any{p}, nil
		}
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = sql.Named(k, p[k])
		}
		return out, nil
	}
	return nil, glideerrors.InvalidConfiguration("sql params must be a list or a map, got %T", params)
}

// integralNumbers turns whole JSON numbers into int64 so they bind as integers.
func integralNumbers(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
	case []any:
		for i := range t {
			t[i] = integralNumbers(t[i])
		}
	case map[string]any:
		for k := range t {
			t[k] = integralNumbers(t[k])
		}
	}
	return v
}

// committer is satisfied by *sql.Tx and *sqlx.Tx.
type committer interface {
	Commit() error
}

type sqlLoad struct {
	mu      sync.Mutex
	pending []committer
}

// SQLLoad builds a node that bulk-replaces each item's rows into "table" on
// "conn" and forwards the item. Each item's rows are written atomically on a
// pool. When "conn" is a transaction and "commit" is true, the transaction is
// committed once the pass ends. Empty items are forwarded without writing.
func SQLLoad(name string, opts ...pipeline.NodeOption) (*pipeline.Node, error) {
	return pipeline.NewNode(name, pipeline.SkipFalsy(&sqlLoad{}), opts...)
}

func (l *sqlLoad) Params() []pipeline.Param {
	return []pipeline.Param{
		pipeline.Required("conn"),
		pipeline.Required("table"),
		pipeline.Optional("commit", true),
	}
}

func (l *sqlLoad) Begin(_ context.Context, n *pipeline.Node, gs *pipeline.GlobalState) error {
	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()
	return checkConn(n, gs)
}

func (l *sqlLoad) Run(ctx context.Context, out pipeline.Emitter, item any, args pipeline.Args) error {
	conn, err := sqlconn.Classify(args.Value("conn"))
	if err != nil {
		return err
	}
	table := args.String("table")
	if table == "" {
		return glideerrors.InvalidConfiguration("sql load table must be a non-empty string")
	}

	if _, err := sqlconn.BulkReplace(ctx, conn, table, item); err != nil {
		return err
	}

	if tx, ok := conn.Handle().(committer); ok && args.Bool("commit", true) {
		l.track(tx)
	}
	return out.Push(ctx, item)
}

func (l *sqlLoad) track(tx committer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.pending {
		if c == tx {
			return
		}
	}
	l.pending = append(l.pending, tx)
}

// End commits every transaction written to during the pass.
func (l *sqlLoad) End(context.Context, pipeline.Emitter) error {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	var err error
	for _, tx := range pending {
		err = multierr.Append(err, tx.Commit())
	}
	return err
}
