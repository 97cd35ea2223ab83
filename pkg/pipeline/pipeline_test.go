package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
)

// sink records every item it receives
type sink struct {
	mu    sync.Mutex
	items []any
}

func (s *sink) Run(_ context.Context, _ Emitter, item any, _ Args) error {
	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
	return nil
}

func (s *sink) Params() []Param { return []Param{Extra()} }

func (s *sink) got() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.items...)
}

// goroutineBackend runs every task on its own goroutine
type goroutineBackend struct {
	mu    sync.Mutex
	calls int
}

func (b *goroutineBackend) Name() string { return "goroutine" }

func (b *goroutineBackend) Execute(ctx context.Context, tasks []Task) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()

	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = task.Local(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func addN(n int) func(context.Context, any, Args) (any, error) {
	return func(_ context.Context, item any, _ Args) (any, error) {
		return item.(int) + n, nil
	}
}

func TestConsumeLinearPipeline(t *testing.T) {
	out := &sink{}
	p := New("linear")
	require.NoError(t, p.Chain(
		MustNode("add1", FuncRunner(addN(1))),
		MustNode("add10", FuncRunner(addN(10))),
		MustNode("out", out),
	))

	require.NoError(t, p.Consume(context.Background(), []int{1, 2, 3}, nil))
	assert.Equal(t, []any{12, 13, 14}, out.got())

	m := p.Metrics().Snapshot()
	assert.EqualValues(t, 9, m.ItemsProcessed)
	assert.Zero(t, m.Errors)
}

func TestReplacePlaceholder(t *testing.T) {
	out := &sink{}
	stage, err := Placeholder("stage")
	require.NoError(t, err)
	p := New("swap")
	require.NoError(t, p.Chain(MustNode("add1", FuncRunner(addN(1))), stage, MustNode("out", out)))

	require.NoError(t, p.Consume(context.Background(), []int{1}, nil))
	assert.Equal(t, []any{2}, out.got())

	require.NoError(t, p.Replace("stage", MustNode("add100", FuncRunner(addN(100)))))
	_, ok := p.Node("stage")
	assert.False(t, ok)
	assert.Equal(t, []string{"add100"}, p.Downstream("add1"))

	require.NoError(t, p.Consume(context.Background(), []int{1}, nil))
	assert.Equal(t, []any{2, 102}, out.got())

	assert.ErrorIs(t, p.Replace("missing", MustNode("x", out)), glideerrors.ErrUnknownNode)
	assert.True(t, glideerrors.IsInvalidConfiguration(p.Replace("add100", MustNode("out", out))))
}

func TestConsumeSingleItemIsNotIterated(t *testing.T) {
	out := &sink{}
	p := New("single")
	require.NoError(t, p.Add(MustNode("out", out)))

	require.NoError(t, p.Consume(context.Background(), "hello", nil))
	assert.Equal(t, []any{"hello"}, out.got())
}

func TestConsumeAppliesAndResetsContexts(t *testing.T) {
	var seen []string
	greet := MustNode("greet", RunFunc(func(ctx context.Context, out Emitter, item any, args Args) error {
		seen = append(seen, fmt.Sprintf("%s %v", args.String("greeting"), item))
		return out.Push(ctx, item)
	}), WithParams(Required("greeting")), WithDefaults(Context{"greeting": "hello", "tags": []any{"a"}}))

	p := New("contexts")
	require.NoError(t, p.Add(greet))
	defaults := greet.DefaultContext()

	err := p.Consume(context.Background(), []string{"bob"}, map[string]Context{
		"greet": {"greeting": "hi", "extra": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hi bob"}, seen)

	if diff := cmp.Diff(defaults, greet.Context()); diff != "" {
		t.Fatalf("context not reset after pass (-want +got):\n%s", diff)
	}
}

func TestConsumeResetsContextsAfterFailure(t *testing.T) {
	boom := errors.New("boom")
	n := MustNode("fail", RunFunc(func(context.Context, Emitter, any, Args) error {
		return boom
	}), WithDefaults(Context{"limit": 1}), WithParams(Extra()))

	p := New("failing")
	require.NoError(t, p.Add(n))

	err := p.Consume(context.Background(), []int{1}, map[string]Context{"fail": {"limit": 5}})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var ne *NodeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "fail", ne.Node)
	assert.Equal(t, PhaseProcess, ne.Phase)

	assert.Equal(t, Context{"limit": 1}, n.Context())
	assert.EqualValues(t, 1, p.Metrics().Snapshot().Errors)
}

func TestConsumeRejectsUnknownContextNode(t *testing.T) {
	p := New("unknown")
	require.NoError(t, p.Add(MustNode("a", &sink{})))

	err := p.Consume(context.Background(), []int{1}, map[string]Context{"b": {"x": 1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, glideerrors.ErrUnknownNode)
}

func TestConsumeMissingArgument(t *testing.T) {
	n := MustNode("load", RunFunc(func(context.Context, Emitter, any, Args) error { return nil }),
		WithParams(Required("table")))
	p := New("missing")
	require.NoError(t, p.Add(n))

	err := p.Consume(context.Background(), []int{1}, nil)
	require.Error(t, err)
	assert.True(t, glideerrors.IsMissingArgument(err))
	assert.Contains(t, err.Error(), `"table"`)
	assert.Contains(t, err.Error(), `"load"`)
}

func TestConsumeFallsBackToGlobalState(t *testing.T) {
	var got any
	n := MustNode("load", RunFunc(func(_ context.Context, _ Emitter, _ any, args Args) error {
		got = args.Value("table")
		return nil
	}), WithParams(Required("table")))

	p := New("global", WithGlobalState(NewGlobalState(map[string]any{"table": "users"})))
	require.NoError(t, p.Add(n))

	require.NoError(t, p.Consume(context.Background(), []int{1}, nil))
	assert.Equal(t, "users", got)

	require.NoError(t, p.Consume(context.Background(), []int{1}, map[string]Context{"load": {"table": "orders"}}))
	assert.Equal(t, "orders", got)
}

func TestValidate(t *testing.T) {
	t.Run("two roots", func(t *testing.T) {
		p := New("roots")
		require.NoError(t, p.Add(MustNode("a", &sink{}), MustNode("b", &sink{})))
		_, err := p.Validate()
		assert.True(t, glideerrors.IsInvalidConfiguration(err))
	})

	t.Run("cycle", func(t *testing.T) {
		a, b, c := MustNode("a", &sink{}), MustNode("b", &sink{}), MustNode("c", &sink{})
		p := New("cycle")
		require.NoError(t, p.Chain(a, b, c))
		require.NoError(t, p.Connect(c, b))
		_, err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})

	t.Run("duplicate name", func(t *testing.T) {
		p := New("dup")
		require.NoError(t, p.Add(MustNode("a", &sink{})))
		err := p.Add(MustNode("a", &sink{}))
		assert.True(t, glideerrors.IsInvalidConfiguration(err))
	})

	t.Run("topological order", func(t *testing.T) {
		a, b, c, d := MustNode("a", &sink{}), MustNode("b", &sink{}), MustNode("c", &sink{}), MustNode("d", &sink{})
		p := New("diamond")
		require.NoError(t, p.Connect(a, b, c))
		require.NoError(t, p.Connect(b, d))
		require.NoError(t, p.Connect(c, d))
		order, err := p.Validate()
		require.NoError(t, err)
		require.Len(t, order, 4)
		assert.Equal(t, "a", p.nodes[order[0]].Name())
		assert.Equal(t, "d", p.nodes[order[3]].Name())

		assert.Equal(t, []string{"b", "c"}, p.Downstream("a"))
		assert.Empty(t, p.Downstream("d"))
		assert.Nil(t, p.Downstream("missing"))
		assert.Contains(t, p.String(), "a -> b")
	})
}

func TestSkipFalsyForwardsEmptyItems(t *testing.T) {
	calls := 0
	double := SkipFalsy(FuncRunner(func(_ context.Context, item any, _ Args) (any, error) {
		calls++
		return item.(Table).RowCount() * 2, nil
	}))

	out := &sink{}
	p := New("skip")
	require.NoError(t, p.Chain(MustNode("double", double), MustNode("out", out)))

	empty := Table{Columns: []string{"id"}}
	full := Table{Columns: []string{"id"}, Rows: [][]any{{1}, {2}}}
	require.NoError(t, p.Consume(context.Background(), []any{empty, full}, nil))

	assert.Equal(t, 1, calls)
	assert.Equal(t, []any{empty, 4}, out.got())
	assert.EqualValues(t, 1, p.Metrics().Snapshot().Skipped)
}

func TestReducerCollectsAtEnd(t *testing.T) {
	out := &sink{}
	p := New("reduce")
	require.NoError(t, p.Chain(
		MustNode("add1", FuncRunner(addN(1))),
		must(NewReducer("collect")),
		MustNode("out", out),
	))

	require.NoError(t, p.Consume(context.Background(), []int{1, 2, 3}, nil))
	assert.Equal(t, []any{[]any{2, 3, 4}}, out.got())

	// a second pass starts from an empty buffer
	require.NoError(t, p.Consume(context.Background(), []int{7}, nil))
	assert.Equal(t, []any{[]any{2, 3, 4}, []any{8}}, out.got())
}

func TestReducerWithNoInputPushesEmpty(t *testing.T) {
	out := &sink{}
	p := New("reduce-empty")
	require.NoError(t, p.Chain(must(NewReducer("collect")), MustNode("out", out)))

	require.NoError(t, p.Consume(context.Background(), []int{}, nil))
	assert.Equal(t, []any{[]any{}}, out.got())
}

func TestFanOutDuplicate(t *testing.T) {
	backend := &goroutineBackend{}
	root := must(PassThrough("root", WithFanOut(backend, Duplicate)))
	left := MustNode("left", FuncRunner(addN(1)))
	right := MustNode("right", FuncRunner(addN(100)))
	collect := must(NewReducer("collect"))
	out := &sink{}

	p := New("fanout")
	require.NoError(t, p.Connect(root, left, right))
	require.NoError(t, p.Connect(left, collect))
	require.NoError(t, p.Connect(right, collect))
	require.NoError(t, p.Connect(collect, MustNode("out", out)))

	require.NoError(t, p.Consume(context.Background(), []int{1, 2}, nil))

	got := out.got()
	require.Len(t, got, 1)
	results := got[0].([]any)
	ints := make([]int, len(results))
	for i, r := range results {
		ints[i] = r.(int)
	}
	sort.Ints(ints)
	assert.Equal(t, []int{2, 3, 101, 102}, ints)
	assert.Equal(t, 2, backend.calls)
	assert.EqualValues(t, 2, p.Metrics().Snapshot().FanOuts)
}

func TestFanOutSplit(t *testing.T) {
	backend := &goroutineBackend{}
	root := must(PassThrough("root", WithFanOut(backend, SplitItem)))
	a, b, c := &sink{}, &sink{}, &sink{}

	p := New("split")
	require.NoError(t, p.Connect(root, MustNode("a", a), MustNode("b", b), MustNode("c", c)))

	require.NoError(t, p.Consume(context.Background(), [][]int{{1, 2, 3, 4, 5}}, nil))
	assert.Equal(t, []any{[]int{1, 2}}, a.got())
	assert.Equal(t, []any{[]int{3, 4}}, b.got())
	assert.Equal(t, []any{[]int{5}}, c.got())
}

func TestFanOutWaitsForAllAndReportsFailure(t *testing.T) {
	backend := &goroutineBackend{}
	boom := errors.New("right failed")
	root := must(PassThrough("root", WithFanOut(backend, Duplicate)))
	left := &sink{}
	right := MustNode("right", RunFunc(func(context.Context, Emitter, any, Args) error { return boom }))

	p := New("fanout-fail")
	require.NoError(t, p.Connect(root, MustNode("left", left), right))

	err := p.Consume(context.Background(), []int{1}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []any{1}, left.got())
}

func TestFanOutRequiresBackend(t *testing.T) {
	_, err := PassThrough("root", WithFanOut(nil, Duplicate))
	assert.True(t, glideerrors.IsInvalidConfiguration(err))
}

func TestProcessFrom(t *testing.T) {
	out := &sink{}
	p := New("subtree")
	require.NoError(t, p.Chain(
		MustNode("add1", FuncRunner(addN(1))),
		MustNode("add10", FuncRunner(addN(10))),
		must(NewReducer("collect")),
		MustNode("out", out),
	))

	require.NoError(t, p.ProcessFrom(context.Background(), "add10", 5))
	assert.Equal(t, []any{[]any{15}}, out.got())

	err := p.ProcessFrom(context.Background(), "nope", 5)
	assert.ErrorIs(t, err, glideerrors.ErrUnknownNode)
}

func TestNotImplementedRunner(t *testing.T) {
	p := New("empty-runner")
	require.NoError(t, p.Add(MustNode("todo", nil)))

	err := p.Consume(context.Background(), []int{1}, nil)
	assert.ErrorIs(t, err, glideerrors.ErrNotImplemented)
}

func TestRegistry(t *testing.T) {
	require.NoError(t, Register("registry-test", func() (*Pipeline, error) {
		p := New("registry-test")
		return p, p.Add(MustNode("out", &sink{}))
	}))

	p, err := Build("registry-test")
	require.NoError(t, err)
	assert.Equal(t, "registry-test", p.Name())
	assert.Contains(t, Registered(), "registry-test")

	_, err = Build("never-registered")
	assert.ErrorIs(t, err, glideerrors.ErrNotRegistered)

	assert.True(t, glideerrors.IsInvalidConfiguration(Register("", nil)))
}

func must(n *Node, err error) *Node {
	if err != nil {
		panic(err)
	}
	return n
}
