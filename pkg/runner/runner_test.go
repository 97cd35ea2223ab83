package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
	"github.com/wehubfusion/Glide/pkg/executor"
	"github.com/wehubfusion/Glide/pkg/pipeline"
)

func TestMain(m *testing.M) {
	if executor.IsWorker() {
		os.Exit(executor.RunWorker(context.Background(), nil))
	}
	os.Exit(m.Run())
}

var (
	collectedMu sync.Mutex
	collected   [][]string
)

func resetCollected() {
	collectedMu.Lock()
	collected = nil
	collectedMu.Unlock()
}

func snapshotCollected() [][]string {
	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := append([][]string(nil), collected...)
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func asStrings(item any, prefix string) []string {
	batch := item.([]any)
	out := make([]string, len(batch))
	for i, v := range batch {
		out[i] = prefix + v.(string)
	}
	return out
}

// record stores each reduced slice in memory
var record = pipeline.RunFunc(func(_ context.Context, _ pipeline.Emitter, item any, args pipeline.Args) error {
	collectedMu.Lock()
	collected = append(collected, asStrings(item, args.String("prefix")))
	collectedMu.Unlock()
	return nil
})

// appendFile writes each reduced slice as one line to the file named by "path"
var appendFile = pipeline.RunFunc(func(_ context.Context, _ pipeline.Emitter, item any, args pipeline.Args) error {
	f, err := os.OpenFile(args.String("path"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strings.Join(asStrings(item, ""), ",") + "\n")
	return err
})

func init() {
	pipeline.MustRegister("collect-slices", func() (*pipeline.Pipeline, error) {
		p := pipeline.New("collect-slices")
		reduce, err := pipeline.NewReducer("reduce")
		if err != nil {
			return nil, err
		}
		out := pipeline.MustNode("out", record, pipeline.WithParams(pipeline.Optional("prefix", "")))
		return p, p.Chain(reduce, out)
	})
	pipeline.MustRegister("file-slices", func() (*pipeline.Pipeline, error) {
		p := pipeline.New("file-slices")
		reduce, err := pipeline.NewReducer("reduce")
		if err != nil {
			return nil, err
		}
		out := pipeline.MustNode("out", appendFile, pipeline.WithParams(pipeline.Required("path")))
		return p, p.Chain(reduce, out)
	})
	pipeline.MustRegister("fails-on-b", func() (*pipeline.Pipeline, error) {
		p := pipeline.New("fails-on-b")
		check, err := pipeline.Func("check", func(_ context.Context, item any, _ pipeline.Args) (any, error) {
			if item == "b" {
				return nil, errors.New("bad item b")
			}
			return item, nil
		})
		if err != nil {
			return nil, err
		}
		out := pipeline.MustNode("out", pipeline.RunFunc(func(_ context.Context, _ pipeline.Emitter, item any, _ pipeline.Args) error {
			collectedMu.Lock()
			collected = append(collected, []string{item.(string)})
			collectedMu.Unlock()
			return nil
		}))
		return p, p.Chain(check, out)
	})
}

func TestNewParallelRunnerValidation(t *testing.T) {
	backend := executor.NewThreadBackend(executor.WithMaxWorkers(2))

	_, err := NewParallelRunner("collect-slices", nil, 2)
	assert.True(t, glideerrors.IsInvalidConfiguration(err))

	_, err = NewParallelRunner("collect-slices", backend, 0)
	assert.True(t, glideerrors.IsInvalidConfiguration(err))

	_, err = NewParallelRunner("unregistered", backend, 2)
	assert.ErrorIs(t, err, glideerrors.ErrNotRegistered)

	r, err := NewParallelRunner("collect-slices", backend, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, r.NumWorkers())
	assert.NoError(t, r.Close())
}

func TestRunSplitsIntoContiguousSlices(t *testing.T) {
	resetCollected()
	r, err := NewParallelRunner("collect-slices", executor.NewThreadBackend(executor.WithMaxWorkers(4)), 3)
	require.NoError(t, err)

	data := []string{"a", "b", "c", "d", "e", "f", "g"}
	require.NoError(t, r.Run(context.Background(), data, map[string]pipeline.Context{
		"out": {"prefix": "x-"},
	}))

	assert.Equal(t, [][]string{
		{"x-a", "x-b", "x-c"},
		{"x-d", "x-e"},
		{"x-f", "x-g"},
	}, snapshotCollected())
}

func TestRunUsesAtMostOneSlicePerItem(t *testing.T) {
	resetCollected()
	r, err := NewParallelRunner("collect-slices", executor.NewThreadBackend(), 8)
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background(), []string{"a", "b"}, nil))
	assert.Equal(t, [][]string{{"a"}, {"b"}}, snapshotCollected())

	resetCollected()
	require.NoError(t, r.Run(context.Background(), []string{}, nil))
	assert.Empty(t, snapshotCollected())
}

func TestRunReportsFailureAfterAllSlices(t *testing.T) {
	resetCollected()
	r, err := NewParallelRunner("fails-on-b", executor.NewThreadBackend(), 3)
	require.NoError(t, err)

	err = r.Run(context.Background(), []string{"a", "b", "c"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad item b")

	var got []string
	for _, batch := range snapshotCollected() {
		got = append(got, batch...)
	}
	sort.Strings(got)
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestRunOnProcessBackend(t *testing.T) {
	backend, err := executor.NewProcessBackend(executor.WithProcessWorkers(2))
	require.NoError(t, err)
	r, err := NewParallelRunner("file-slices", backend, 2)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "slices.txt")
	require.NoError(t, r.Run(context.Background(), []string{"a", "b", "c"}, map[string]pipeline.Context{
		"out": {"path": path},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	sort.Strings(lines)
	assert.Equal(t, []string{"a,b", "c"}, lines)
}
