// Package runner runs a registered pipeline over a dataset in parallel: the
// dataset is cut into contiguous slices and each slice is consumed by its own
// pipeline instance on a fan-out backend.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Glide/internal/tracing"
	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
	"github.com/wehubfusion/Glide/pkg/pipeline"
)

// ParallelRunner consumes a dataset with one pipeline instance per worker.
type ParallelRunner struct {
	pipelineName    string
	factory         pipeline.Factory
	backend         pipeline.Backend
	numWorkers      int
	runTimeout      time.Duration
	logger          *zap.Logger
	tracer          trace.Tracer
	tracingShutdown func(context.Context) error
}

// Option configures a ParallelRunner.
type Option func(*ParallelRunner)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *ParallelRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRunTimeout bounds a whole Run call.
func WithRunTimeout(d time.Duration) Option {
	return func(r *ParallelRunner) {
		r.runTimeout = d
	}
}

// WithTracing sets up span export for the runner's lifetime; Close shuts it down.
func WithTracing(cfg TracingConfig) Option {
	return func(r *ParallelRunner) {
		shutdown, err := tracing.SetupTracing(context.Background(), cfg.toInternalConfig(), r.logger)
		if err != nil {
			r.logger.Warn("failed to setup tracing, continuing without tracing", zap.Error(err))
			return
		}
		r.tracingShutdown = shutdown
	}
}

// NewParallelRunner creates a runner for the pipeline registered under name.
// Options are applied in order, so WithLogger should precede WithTracing.
func NewParallelRunner(name string, backend pipeline.Backend, numWorkers int, opts ...Option) (*ParallelRunner, error) {
	if backend == nil {
		return nil, glideerrors.InvalidConfiguration("backend cannot be nil")
	}
	if numWorkers <= 0 {
		return nil, glideerrors.InvalidConfiguration("numWorkers must be greater than 0, got %d", numWorkers)
	}
	factory, ok := pipeline.Lookup(name)
	if !ok {
		return nil, glideerrors.NotRegistered(name)
	}

	r := &ParallelRunner{
		pipelineName: name,
		factory:      factory,
		backend:      backend,
		numWorkers:   numWorkers,
		logger:       zap.NewNop(),
		tracer:       otel.Tracer("glide/runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NumWorkers returns the configured worker count.
func (r *ParallelRunner) NumWorkers() int {
	return r.numWorkers
}

// Run partitions data into min(workers, len(data)) contiguous slices and runs
// a full pass over each slice on the backend, applying contexts to every pass.
// It returns after every slice has finished, with the first failure if any.
func (r *ParallelRunner) Run(ctx context.Context, data any, contexts map[string]pipeline.Context) error {
	items := pipeline.Iterize(data)
	n := min(r.numWorkers, len(items))
	if n == 0 {
		r.logger.Debug("no data to run", zap.String("pipeline", r.pipelineName))
		return nil
	}

	if r.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.runTimeout)
		defer cancel()
	}

	runID := uuid.NewString()
	ctx, span := r.tracer.Start(ctx, "runner.Run",
		trace.WithAttributes(
			attribute.String("pipeline", r.pipelineName),
			attribute.String("run.id", runID),
			attribute.String("backend", r.backend.Name()),
			attribute.Int("items", len(items)),
			attribute.Int("slices", n),
		))
	defer span.End()

	parts, err := pipeline.Split(items, n)
	if err != nil {
		return err
	}

	tasks := make([]pipeline.Task, n)
	for i, part := range parts {
		tasks[i] = pipeline.Task{
			Pipeline: r.pipelineName,
			Item:     part,
			Contexts: contexts,
			Local: func(ctx context.Context) error {
				return r.runSlice(ctx, runID, i, part, contexts)
			},
		}
	}

	start := time.Now()
	logger := r.logger.With(zap.String("pipeline", r.pipelineName), zap.String("run_id", runID))
	logger.Info("starting parallel run",
		zap.Int("items", len(items)),
		zap.Int("slices", n),
		zap.String("backend", r.backend.Name()))

	if err := r.backend.Execute(ctx, tasks); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("parallel run failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return fmt.Errorf("parallel run of %q failed: %w", r.pipelineName, err)
	}

	span.SetStatus(codes.Ok, "run completed")
	logger.Info("parallel run completed", zap.Duration("duration", time.Since(start)))
	return nil
}

// runSlice consumes one slice on a fresh pipeline instance.
func (r *ParallelRunner) runSlice(ctx context.Context, runID string, index int, slice any, contexts map[string]pipeline.Context) error {
	ctx, span := r.tracer.Start(ctx, "runner.slice",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("slice.index", index),
		))
	defer span.End()

	p, err := r.factory()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to build pipeline %q: %w", r.pipelineName, err)
	}

	if err := p.Consume(ctx, slice, contexts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "slice completed")
	return nil
}

// Close shuts tracing down if WithTracing set it up.
func (r *ParallelRunner) Close() error {
	if r.tracingShutdown == nil {
		return nil
	}
	if err := tracing.ShutdownTracing(r.tracingShutdown, r.logger); err != nil {
		return errors.Join(errors.New("failed to shutdown tracing"), err)
	}
	return nil
}
