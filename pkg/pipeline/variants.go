package pipeline

import (
	"context"
	"sync"
)

// passThrough forwards every item unchanged.
type passThrough struct{}

func (passThrough) Run(ctx context.Context, out Emitter, item any, _ Args) error {
	return out.Push(ctx, item)
}

func (passThrough) Params() []Param {
	return []Param{Extra()}
}

// PassThrough builds a node that pushes every item unchanged.
func PassThrough(name string, opts ...NodeOption) (*Node, error) {
	return NewNode(name, passThrough{}, opts...)
}

// Placeholder builds a pass-through node meant to be swapped out later.
func Placeholder(name string, opts ...NodeOption) (*Node, error) {
	return PassThrough(name, opts...)
}

// skipRecorder is implemented by emitters that count skipped items.
type skipRecorder interface {
	RecordSkipped()
}

type skipFalsy struct {
	inner Runner
}

// SkipFalsy wraps r so that empty items bypass it: a tabular item with no rows or
// any falsy value is pushed downstream unchanged without calling r.
func SkipFalsy(r Runner) Runner {
	return &skipFalsy{inner: r}
}

func (s *skipFalsy) Run(ctx context.Context, out Emitter, item any, args Args) error {
	if IsEmpty(item) {
		if rec, ok := out.(skipRecorder); ok {
			rec.RecordSkipped()
		}
		return out.Push(ctx, item)
	}
	return s.inner.Run(ctx, out, item, args)
}

func (s *skipFalsy) Params() []Param {
	if d, ok := s.inner.(Declarer); ok {
		return d.Params()
	}
	return nil
}

func (s *skipFalsy) Begin(ctx context.Context, n *Node, gs *GlobalState) error {
	if b, ok := s.inner.(Beginner); ok {
		return b.Begin(ctx, n, gs)
	}
	return nil
}

func (s *skipFalsy) End(ctx context.Context, out Emitter) error {
	if e, ok := s.inner.(Ender); ok {
		return e.End(ctx, out)
	}
	return nil
}

// Unwrap returns the decorated runner.
func (s *skipFalsy) Unwrap() Runner {
	return s.inner
}

// Reducer collects every item of a pass in arrival order and pushes the collected
// slice once, when the pass ends. Safe for concurrent delivery from fan-out workers.
type Reducer struct {
	mu      sync.Mutex
	results []any
}

// NewReducer builds a reducer node.
func NewReducer(name string, opts ...NodeOption) (*Node, error) {
	return NewNode(name, &Reducer{}, opts...)
}

// Params declares a catch-all so any context is accepted.
func (r *Reducer) Params() []Param {
	return []Param{Extra()}
}

// Begin clears the buffer.
func (r *Reducer) Begin(context.Context, *Node, *GlobalState) error {
	r.mu.Lock()
	r.results = []any{}
	r.mu.Unlock()
	return nil
}

// Run buffers item.
func (r *Reducer) Run(_ context.Context, _ Emitter, item any, _ Args) error {
	r.mu.Lock()
	r.results = append(r.results, item)
	r.mu.Unlock()
	return nil
}

// End pushes the collected items.
func (r *Reducer) End(ctx context.Context, out Emitter) error {
	r.mu.Lock()
	results := r.results
	r.results = nil
	r.mu.Unlock()
	if results == nil {
		results = []any{}
	}
	return out.Push(ctx, results)
}

// FuncRunner wraps a transform: the returned value is pushed through the node's
// push strategy using the "chunksize" argument when present.
type FuncRunner func(ctx context.Context, item any, args Args) (any, error)

// Run calls the transform and pushes its result.
func (f FuncRunner) Run(ctx context.Context, out Emitter, item any, args Args) error {
	result, err := f(ctx, item, args)
	if err != nil {
		return err
	}
	return out.PushResult(ctx, result, args.Int("chunksize"))
}

// Func builds a node around a transform function.
func Func(name string, fn func(ctx context.Context, item any, args Args) (any, error), opts ...NodeOption) (*Node, error) {
	return NewNode(name, FuncRunner(fn), opts...)
}
