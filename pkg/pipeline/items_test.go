package pipeline

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
)

func TestSplitSizesAndOrder(t *testing.T) {
	for length := 0; length <= 12; length++ {
		for n := 1; n <= 5; n++ {
			item := make([]int, length)
			for i := range item {
				item[i] = i
			}

			parts, err := Split(item, n)
			require.NoError(t, err)
			require.Len(t, parts, n)

			var joined []int
			minLen, maxLen := length, 0
			for _, p := range parts {
				s := p.([]int)
				joined = append(joined, s...)
				minLen = min(minLen, len(s))
				maxLen = max(maxLen, len(s))
			}
			if length == 0 {
				assert.Empty(t, joined)
			} else {
				assert.Equal(t, item, joined, "length=%d n=%d", length, n)
			}
			assert.LessOrEqual(t, maxLen-minLen, 1, "length=%d n=%d", length, n)
		}
	}
}

func TestSplitTable(t *testing.T) {
	tbl := Table{Columns: []string{"id"}, Rows: [][]any{{1}, {2}, {3}}}
	parts, err := Split(tbl, 2)
	require.NoError(t, err)
	assert.Equal(t, Table{Columns: []string{"id"}, Rows: [][]any{{1}, {2}}}, parts[0])
	assert.Equal(t, Table{Columns: []string{"id"}, Rows: [][]any{{3}}}, parts[1])
}

func TestSplitErrors(t *testing.T) {
	_, err := Split([]int{1}, 0)
	assert.True(t, glideerrors.IsInvalidConfiguration(err))

	_, err = Split(42, 2)
	assert.True(t, glideerrors.IsInvalidConfiguration(err))
}

func TestIsEmpty(t *testing.T) {
	tests := []struct {
		name  string
		item  any
		empty bool
	}{
		{"nil", nil, true},
		{"false", false, true},
		{"zero", 0, true},
		{"empty string", "", true},
		{"empty slice", []int{}, true},
		{"empty map", map[string]any{}, true},
		{"empty table", Table{Columns: []string{"a"}}, true},
		{"nil pointer", (*Table)(nil), true},
		{"true", true, false},
		{"number", 3.5, false},
		{"text", "x", false},
		{"table with rows", Table{Rows: [][]any{{1}}}, false},
		{"struct", struct{ A int }{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.empty, IsEmpty(tt.item))
		})
	}
}

func TestIterize(t *testing.T) {
	assert.Nil(t, Iterize(nil))
	assert.Equal(t, []any{1, 2}, Iterize([]int{1, 2}))
	assert.Equal(t, []any{"a"}, Iterize("a"))
	assert.Equal(t, []any{map[string]any{"k": 1}}, Iterize(map[string]any{"k": 1}))
}

func TestTableRecords(t *testing.T) {
	tbl := Table{Columns: []string{"id", "name"}, Rows: [][]any{{1, "a"}, {2}}}
	assert.Equal(t, []map[string]any{{"id": 1, "name": "a"}, {"id": 2}}, tbl.Records())
}

// recorder is an Emitter that keeps pushed items
type recorder struct {
	items []any
}

func (r *recorder) Push(_ context.Context, item any) error {
	r.items = append(r.items, item)
	return nil
}

func (r *recorder) PushResult(ctx context.Context, result any, _ int) error {
	return r.Push(ctx, result)
}

type countdown struct {
	n int
}

func (c *countdown) Next(context.Context) (any, bool, error) {
	if c.n == 0 {
		return nil, false, nil
	}
	c.n--
	return c.n, true, nil
}

type fakeCursor struct {
	rows   []int
	closed bool
}

func (f *fakeCursor) FetchMany(_ context.Context, size int) (any, error) {
	n := min(size, len(f.rows))
	batch := f.rows[:n]
	f.rows = f.rows[n:]
	return batch, nil
}

func (f *fakeCursor) FetchAll(context.Context) (any, error) {
	batch := f.rows
	f.rows = nil
	return batch, nil
}

func (f *fakeCursor) Close() error {
	f.closed = true
	return nil
}

func TestPushStrategies(t *testing.T) {
	ctx := context.Background()

	t.Run("direct", func(t *testing.T) {
		r := &recorder{}
		require.NoError(t, DirectPush{}.PushResult(ctx, r, []int{1, 2, 3}, 2))
		assert.Equal(t, []any{[]int{1, 2, 3}}, r.items)
	})

	t.Run("chunked slice", func(t *testing.T) {
		r := &recorder{}
		require.NoError(t, ChunkedPush{}.PushResult(ctx, r, []int{1, 2, 3}, 2))
		assert.Equal(t, []any{[]int{1, 2}, []int{3}}, r.items)
	})

	t.Run("chunked without size", func(t *testing.T) {
		r := &recorder{}
		require.NoError(t, ChunkedPush{}.PushResult(ctx, r, []int{1, 2, 3}, 0))
		assert.Equal(t, []any{[]int{1, 2, 3}}, r.items)
	})

	t.Run("chunked iterator", func(t *testing.T) {
		r := &recorder{}
		require.NoError(t, ChunkedPush{}.PushResult(ctx, r, &countdown{n: 3}, 1))
		assert.Equal(t, []any{2, 1, 0}, r.items)
	})

	t.Run("chunked table", func(t *testing.T) {
		r := &recorder{}
		tbl := Table{Columns: []string{"id"}, Rows: [][]any{{1}, {2}, {3}}}
		require.NoError(t, ChunkedPush{}.PushResult(ctx, r, tbl, 2))
		require.Len(t, r.items, 2)
		assert.Equal(t, 1, r.items[1].(Table).RowCount())
	})

	t.Run("cursor batches", func(t *testing.T) {
		r := &recorder{}
		cur := &fakeCursor{rows: []int{1, 2, 3, 4, 5}}
		require.NoError(t, CursorPush{}.PushResult(ctx, r, cur, 2))
		assert.Equal(t, []any{[]int{1, 2}, []int{3, 4}, []int{5}}, r.items)
		assert.True(t, cur.closed)
	})

	t.Run("cursor fetch all", func(t *testing.T) {
		r := &recorder{}
		cur := &fakeCursor{rows: []int{1, 2}}
		require.NoError(t, CursorPush{}.PushResult(ctx, r, cur, 0))
		assert.True(t, reflect.DeepEqual([]any{[]int{1, 2}}, r.items))
	})
}
