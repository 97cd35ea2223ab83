package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/wehubfusion/Glide/pkg/concurrency"
	"github.com/wehubfusion/Glide/pkg/pipeline"
)

// ThreadBackend runs fan-out tasks on goroutines of the current process.
// Tasks from all Execute calls share one limiter, so at most MaxWorkers tasks
// run at once; nested fan-outs run under their parent's slot.
type ThreadBackend struct {
	maxWorkers int
	limiter    *concurrency.Limiter
	logger     *zap.Logger
}

// ThreadOption configures a ThreadBackend.
type ThreadOption func(*ThreadBackend)

// WithMaxWorkers bounds concurrently running tasks.
func WithMaxWorkers(n int) ThreadOption {
	return func(b *ThreadBackend) {
		if n > 0 {
			b.maxWorkers = n
		}
	}
}

// WithLimiter shares limiter with other backends.
func WithLimiter(limiter *concurrency.Limiter) ThreadOption {
	return func(b *ThreadBackend) {
		b.limiter = limiter
	}
}

// WithThreadLogger sets the logger.
func WithThreadLogger(logger *zap.Logger) ThreadOption {
	return func(b *ThreadBackend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewThreadBackend creates a thread backend sized from concurrency.LoadConfig
// unless WithMaxWorkers is given.
func NewThreadBackend(opts ...ThreadOption) *ThreadBackend {
	b := &ThreadBackend{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxWorkers == 0 {
		b.maxWorkers = concurrency.LoadConfig().MaxWorkers
	}
	if b.limiter == nil {
		b.limiter = concurrency.NewLimiter(b.maxWorkers)
	}
	return b
}

// Name returns "thread".
func (b *ThreadBackend) Name() string {
	return string(concurrency.BackendThread)
}

// Limiter returns the limiter gating this backend.
func (b *ThreadBackend) Limiter() *concurrency.Limiter {
	return b.limiter
}

// Execute runs every task and waits for all of them. The error of the first
// failing task in submission order is returned.
func (b *ThreadBackend) Execute(ctx context.Context, tasks []pipeline.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	pool := NewWorkerPool(WorkerPoolConfig{
		NumWorkers: min(len(tasks), b.maxWorkers),
		BufferSize: len(tasks),
		UseLimiter: true,
	}, b.limiter, b.logger)

	pool.Start(ctx)
	go pool.SubmitAll(ctx, tasks)
	go pool.Wait()

	err := collectResults(pool.Results(), len(tasks))
	processed, failed := pool.Stats()
	b.logger.Debug("thread fan-out finished",
		zap.Int("tasks", len(tasks)),
		zap.Int64("processed", processed),
		zap.Int64("failed", failed))
	return err
}
