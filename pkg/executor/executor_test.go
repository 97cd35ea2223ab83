package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
	"github.com/wehubfusion/Glide/pkg/pipeline"
	"github.com/wehubfusion/Glide/pkg/sqlconn"
)

// TestMain doubles as the worker entry point for the process backend tests:
// the backend re-executes this test binary with GLIDE_WORKER=1.
func TestMain(m *testing.M) {
	if IsWorker() {
		os.Exit(RunWorker(context.Background(), nil))
	}
	os.Exit(m.Run())
}

// writeLines appends every item it receives to the file named by "path".
type writeLines struct{}

func (writeLines) Params() []pipeline.Param { return []pipeline.Param{pipeline.Required("path")} }

func (writeLines) Run(_ context.Context, _ pipeline.Emitter, item any, args pipeline.Args) error {
	f, err := os.OpenFile(args.String("path"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(toLine(item) + "\n")
	return err
}

func toLine(item any) string {
	switch v := item.(type) {
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = toLine(e)
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(v, ",")
	case string:
		return v
	}
	return "?"
}

// describeItem writes the Go type of each item with the node timeout, and the
// ids of records, so tests can compare what a worker received.
type describeItem struct{}

func (describeItem) Params() []pipeline.Param {
	return []pipeline.Param{pipeline.Required("path"), pipeline.Optional("timeout", "0s")}
}

func (describeItem) Run(_ context.Context, _ pipeline.Emitter, item any, args pipeline.Args) error {
	timeout, err := args.Duration("timeout")
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%T %s", item, timeout)
	if recs, ok := item.([]sqlconn.Record); ok {
		for _, r := range recs {
			id, _ := r.Get("id")
			line += fmt.Sprintf(" id=%v(%T)", id, id)
		}
	}
	f, err := os.OpenFile(args.String("path"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func buildFileFanOut(backend pipeline.Backend, mode pipeline.FanOutMode) (*pipeline.Pipeline, error) {
	p := pipeline.New("file-fanout")
	root, err := pipeline.PassThrough("root", pipeline.WithFanOut(backend, mode))
	if err != nil {
		return nil, err
	}
	left := pipeline.MustNode("left", writeLines{})
	right := pipeline.MustNode("right", writeLines{})
	return p, p.Connect(root, left, right)
}

func init() {
	pipeline.MustRegister("file-fanout", func() (*pipeline.Pipeline, error) {
		// workers only run the downstream stages, which never fan out
		return buildFileFanOut(NewThreadBackend(WithMaxWorkers(1)), pipeline.SplitItem)
	})
	pipeline.MustRegister("env-echo", func() (*pipeline.Pipeline, error) {
		p := pipeline.New("env-echo")
		return p, p.Add(pipeline.MustNode("echo", pipeline.RunFunc(
			func(_ context.Context, _ pipeline.Emitter, _ any, args pipeline.Args) error {
				return os.WriteFile(args.String("path"), []byte(os.Getenv("GLIDE_TEST_MARK")), 0o644)
			},
		), pipeline.WithParams(pipeline.Required("path"))))
	})
	pipeline.MustRegister("describe-items", func() (*pipeline.Pipeline, error) {
		p := pipeline.New("describe-items")
		return p, p.Add(pipeline.MustNode("describe", pipeline.SkipFalsy(describeItem{})))
	})
	pipeline.MustRegister("always-fails", func() (*pipeline.Pipeline, error) {
		p := pipeline.New("always-fails")
		return p, p.Add(pipeline.MustNode("load", pipeline.RunFunc(
			func(context.Context, pipeline.Emitter, any, pipeline.Args) error { return nil },
		), pipeline.WithParams(pipeline.Required("table"))))
	})
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	sort.Strings(lines)
	return lines
}

func TestThreadBackendRunsAllTasks(t *testing.T) {
	backend := NewThreadBackend(WithMaxWorkers(2))
	var count atomic.Int64
	tasks := make([]pipeline.Task, 10)
	for i := range tasks {
		tasks[i] = pipeline.Task{Local: func(context.Context) error {
			count.Add(1)
			time.Sleep(time.Millisecond)
			return nil
		}}
	}

	require.NoError(t, backend.Execute(context.Background(), tasks))
	assert.EqualValues(t, 10, count.Load())
	assert.LessOrEqual(t, backend.Limiter().Stats().Peak, int64(2))
	assert.Equal(t, "thread", backend.Name())
}

func TestThreadBackendWaitsForSiblingsAndReturnsFirstError(t *testing.T) {
	backend := NewThreadBackend(WithMaxWorkers(4))
	first := errors.New("first")
	second := errors.New("second")
	var finished atomic.Int64

	tasks := []pipeline.Task{
		{Local: func(context.Context) error { finished.Add(1); return nil }},
		{Local: func(context.Context) error { time.Sleep(5 * time.Millisecond); finished.Add(1); return first }},
		{Local: func(context.Context) error { finished.Add(1); return second }},
		{Local: func(context.Context) error { time.Sleep(10 * time.Millisecond); finished.Add(1); return nil }},
	}

	err := backend.Execute(context.Background(), tasks)
	assert.ErrorIs(t, err, first)
	assert.EqualValues(t, 4, finished.Load())
}

func TestThreadBackendRecoversPanics(t *testing.T) {
	backend := NewThreadBackend(WithMaxWorkers(1))
	err := backend.Execute(context.Background(), []pipeline.Task{
		{Node: "bad", Local: func(context.Context) error { panic("boom") }},
	})
	var pe *TaskPanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad", pe.Node)

	err = backend.Execute(context.Background(), []pipeline.Task{{Node: "empty"}})
	assert.ErrorIs(t, err, ErrNoLocalBody)
}

func TestThreadBackendNestedFanOutDoesNotDeadlock(t *testing.T) {
	backend := NewThreadBackend(WithMaxWorkers(1))
	var mu sync.Mutex
	var leaves []int

	nested := func(ctx context.Context) error {
		inner := make([]pipeline.Task, 3)
		for i := range inner {
			inner[i] = pipeline.Task{Local: func(context.Context) error {
				mu.Lock()
				leaves = append(leaves, i)
				mu.Unlock()
				return nil
			}}
		}
		return backend.Execute(ctx, inner)
	}

	done := make(chan error, 1)
	go func() {
		done <- backend.Execute(context.Background(), []pipeline.Task{{Local: nested}, {Local: nested}})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("nested fan-out deadlocked")
	}
	assert.Len(t, leaves, 6)
}

func TestThreadBackendInPipeline(t *testing.T) {
	dir := t.TempDir()
	p, err := buildFileFanOut(NewThreadBackend(), pipeline.Duplicate)
	require.NoError(t, err)

	path := filepath.Join(dir, "out.txt")
	err = p.Consume(context.Background(), []any{"a", "b"}, map[string]pipeline.Context{
		"left":  {"path": path},
		"right": {"path": path},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a", "b", "b"}, readLines(t, path))
}

func TestProcessBackendInPipeline(t *testing.T) {
	backend, err := NewProcessBackend(WithProcessWorkers(2))
	require.NoError(t, err)

	dir := t.TempDir()
	left, right := filepath.Join(dir, "left.txt"), filepath.Join(dir, "right.txt")

	p, err := buildFileFanOut(backend, pipeline.SplitItem)
	require.NoError(t, err)

	err = p.Consume(context.Background(), [][]string{{"a", "b", "c"}}, map[string]pipeline.Context{
		"left":  {"path": left},
		"right": {"path": right},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a,b"}, readLines(t, left))
	assert.Equal(t, []string{"c"}, readLines(t, right))
}

func TestProcessBackendCommandAndEnv(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	backend, err := NewProcessBackend(WithCommand(exe), WithEnv("GLIDE_TEST_MARK=from-parent"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "mark.txt")
	require.NoError(t, backend.Execute(context.Background(), []pipeline.Task{{
		Pipeline: "env-echo",
		Item:     []any{"x"},
		Contexts: map[string]pipeline.Context{"echo": {"path": path}},
	}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-parent", string(data))
}

func TestProcessBackendReportsWorkerErrors(t *testing.T) {
	backend, err := NewProcessBackend(WithProcessWorkers(1))
	require.NoError(t, err)

	err = backend.Execute(context.Background(), []pipeline.Task{
		{Pipeline: "always-fails", Item: []any{1}},
	})
	var we *WorkerError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, glideerrors.CodeMissingArgument, we.Code)
	assert.True(t, glideerrors.IsMissingArgument(err))
}

func TestProcessBackendRequiresRegisteredPipeline(t *testing.T) {
	backend, err := NewProcessBackend()
	require.NoError(t, err)

	p := pipeline.New("not-registered")
	root, err := pipeline.PassThrough("root", pipeline.WithFanOut(backend, pipeline.Duplicate))
	require.NoError(t, err)
	require.NoError(t, p.Connect(root, pipeline.MustNode("leaf", writeLines{})))

	err = p.Consume(context.Background(), []any{"x"}, nil)
	assert.ErrorIs(t, err, glideerrors.ErrNotRegistered)
}

func TestServeWorkerWritesResult(t *testing.T) {
	var out strings.Builder
	err := ServeWorker(context.Background(), strings.NewReader(`{"pipeline":"missing-pipeline","item":1}`), &out, nil)
	require.Error(t, err)
	assert.Contains(t, out.String(), `"ok":false`)
	assert.Contains(t, out.String(), glideerrors.CodeNotRegistered)
}

func describeItemsTask(path string, items ...any) pipeline.Task {
	return pipeline.Task{
		Pipeline: "describe-items",
		Item:     items,
		Contexts: map[string]pipeline.Context{"describe": {"path": path, "timeout": 5 * time.Second}},
	}
}

func TestProcessBackendKeepsItemTypes(t *testing.T) {
	records := []sqlconn.Record{
		sqlconn.NewRecord([]string{"id", "name"}, []any{int64(1), "ada"}),
		sqlconn.NewRecord([]string{"id", "name"}, []any{int64(2), nil}),
	}
	items := []any{
		records,
		pipeline.Table{Columns: []string{"id"}},
		pipeline.Table{Columns: []string{"id"}, Rows: [][]any{{int64(3)}}},
	}
	want := []string{
		"[]sqlconn.Record 5s id=1(int64) id=2(int64)",
		"pipeline.Table 5s",
	}

	dir := t.TempDir()
	thread := filepath.Join(dir, "thread.txt")
	p, err := pipeline.Build("describe-items")
	require.NoError(t, err)
	require.NoError(t, p.Consume(context.Background(), items, map[string]pipeline.Context{
		"describe": {"path": thread, "timeout": 5 * time.Second},
	}))
	assert.Equal(t, want, readLines(t, thread))

	backend, err := NewProcessBackend(WithProcessWorkers(1))
	require.NoError(t, err)
	process := filepath.Join(dir, "process.txt")
	require.NoError(t, backend.Execute(context.Background(), []pipeline.Task{describeItemsTask(process, items...)}))
	assert.Equal(t, want, readLines(t, process), "the empty table is skipped in both backends")
}

func TestProcessBackendRejectsItemsWithoutWireForm(t *testing.T) {
	backend, err := NewProcessBackend(WithProcessWorkers(1))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "out.txt")

	n := 1
	err = backend.Execute(context.Background(), []pipeline.Task{
		describeItemsTask(path, "fine"),
		describeItemsTask(path, &n),
	})
	assert.True(t, glideerrors.IsInvalidConfiguration(err), "got %v", err)
	assert.NoFileExists(t, path, "no worker starts when any task cannot be encoded")
}
