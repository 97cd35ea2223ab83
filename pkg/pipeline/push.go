package pipeline

import (
	"context"
	"io"
	"reflect"
)

// Pusher decides how a produced result is forwarded downstream.
type Pusher interface {
	PushResult(ctx context.Context, out Emitter, result any, chunkSize int) error
}

// ChunkIterator yields the chunks of a lazily produced result.
type ChunkIterator interface {
	Next(ctx context.Context) (chunk any, ok bool, err error)
}

// Fetcher is a result handle that rows can be pulled from.
type Fetcher interface {
	// FetchMany returns up to size rows; an empty batch means the handle is drained.
	FetchMany(ctx context.Context, size int) (any, error)
	// FetchAll returns every remaining row.
	FetchAll(ctx context.Context) (any, error)
}

// DirectPush forwards the whole result as one item.
type DirectPush struct{}

// PushResult pushes result unchanged.
func (DirectPush) PushResult(ctx context.Context, out Emitter, result any, _ int) error {
	return out.Push(ctx, result)
}

// ChunkedPush forwards a sequence chunk by chunk when a chunk size is set.
// Chunk iterators are drained; slices and splittable tables are cut into runs of
// chunkSize. Anything else, or a zero chunk size, is pushed whole.
type ChunkedPush struct{}

// PushResult pushes result in chunks.
func (ChunkedPush) PushResult(ctx context.Context, out Emitter, result any, chunkSize int) error {
	if chunkSize <= 0 {
		return out.Push(ctx, result)
	}

	if it, ok := result.(ChunkIterator); ok {
		for {
			chunk, ok, err := it.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := out.Push(ctx, chunk); err != nil {
				return err
			}
		}
	}

	if s, ok := result.(Splittable); ok {
		total := s.RowCount()
		for start := 0; start < total; start += chunkSize {
			if err := out.Push(ctx, s.SliceRows(start, min(start+chunkSize, total))); err != nil {
				return err
			}
		}
		return nil
	}

	v := reflect.ValueOf(result)
	if v.Kind() != reflect.Slice {
		return out.Push(ctx, result)
	}
	for start := 0; start < v.Len(); start += chunkSize {
		if err := out.Push(ctx, v.Slice(start, min(start+chunkSize, v.Len())).Interface()); err != nil {
			return err
		}
	}
	return nil
}

// CursorPush pulls rows from a Fetcher: batches of chunkSize until drained, or
// everything in one push when chunkSize is zero. Closable cursors are closed
// once drained.
type CursorPush struct{}

// PushResult fetches from result and pushes the batches.
func (CursorPush) PushResult(ctx context.Context, out Emitter, result any, chunkSize int) error {
	f, ok := result.(Fetcher)
	if !ok {
		return out.Push(ctx, result)
	}
	if c, ok := f.(io.Closer); ok {
		defer c.Close()
	}

	if chunkSize <= 0 {
		data, err := f.FetchAll(ctx)
		if err != nil {
			return err
		}
		return out.Push(ctx, data)
	}

	for {
		chunk, err := f.FetchMany(ctx, chunkSize)
		if err != nil {
			return err
		}
		if IsEmpty(chunk) {
			return nil
		}
		if err := out.Push(ctx, chunk); err != nil {
			return err
		}
	}
}
