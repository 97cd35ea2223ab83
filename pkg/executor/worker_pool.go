package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wehubfusion/Glide/pkg/concurrency"
	"github.com/wehubfusion/Glide/pkg/pipeline"
)

// WorkerPoolConfig configures a WorkerPool.
type WorkerPoolConfig struct {
	// NumWorkers is the number of worker goroutines
	NumWorkers int
	// BufferSize is the job and result channel capacity
	BufferSize int
	// UseLimiter gates each job on the shared limiter
	UseLimiter bool
}

// Validate fills in defaults.
func (c *WorkerPoolConfig) Validate() {
	if c.NumWorkers < 1 {
		c.NumWorkers = 1
	}
	if c.BufferSize < 1 {
		c.BufferSize = c.NumWorkers
	}
}

// taskResult is the outcome of one task, by submission index.
type taskResult struct {
	Index int
	Err   error
}

type workerJob struct {
	index int
	task  pipeline.Task
	ctx   context.Context
}

// heldSlotKey marks contexts whose goroutine already holds a limiter slot.
type heldSlotKey struct{}

// WorkerPool runs tasks on a fixed set of goroutines, optionally gated by a
// concurrency.Limiter shared with other pools.
type WorkerPool struct {
	config     WorkerPoolConfig
	limiter    *concurrency.Limiter
	jobChan    chan workerJob
	resultChan chan taskResult
	wg         sync.WaitGroup
	logger     *zap.Logger

	processed atomic.Int64
	errors    atomic.Int64
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(config WorkerPoolConfig, limiter *concurrency.Limiter, logger *zap.Logger) *WorkerPool {
	config.Validate()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerPool{
		config:     config,
		limiter:    limiter,
		jobChan:    make(chan workerJob, config.BufferSize),
		resultChan: make(chan taskResult, config.BufferSize),
		logger:     logger,
	}
}

// Start starts the workers.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.logger.Debug("starting worker pool",
		zap.Int("workers", wp.config.NumWorkers),
		zap.Int("buffer_size", wp.config.BufferSize))

	for i := 0; i < wp.config.NumWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// worker drains the job channel. Jobs are never dropped, so every submitted
// task produces a result even after cancellation.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for job := range wp.jobChan {
		wp.processJob(job, id)
	}
	wp.logger.Debug("worker stopping, job channel closed", zap.Int("worker_id", id))
}

func (wp *WorkerPool) processJob(job workerJob, workerID int) {
	ctx := job.ctx

	// nested fan-outs run under the slot their parent task already holds
	if wp.config.UseLimiter && wp.limiter != nil && ctx.Value(heldSlotKey{}) == nil {
		if err := wp.limiter.Acquire(ctx); err != nil {
			wp.errors.Add(1)
			wp.resultChan <- taskResult{Index: job.index, Err: err}
			return
		}
		defer wp.limiter.Release()
		ctx = context.WithValue(ctx, heldSlotKey{}, true)
	}

	wp.logger.Debug("running task",
		zap.Int("worker_id", workerID),
		zap.Int("task_index", job.index),
		zap.String("node", job.task.Node))

	err := runTask(ctx, job.task)
	if err != nil {
		wp.errors.Add(1)
	} else {
		wp.processed.Add(1)
	}
	wp.resultChan <- taskResult{Index: job.index, Err: err}
}

// SubmitAll submits every task and then closes the job channel.
// This should be called in a goroutine.
func (wp *WorkerPool) SubmitAll(ctx context.Context, tasks []pipeline.Task) {
	for i, task := range tasks {
		wp.jobChan <- workerJob{index: i, task: task, ctx: ctx}
	}
	close(wp.jobChan)
}

// Results returns the results channel.
func (wp *WorkerPool) Results() <-chan taskResult {
	return wp.resultChan
}

// Wait waits for all workers to finish and closes the result channel.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
	close(wp.resultChan)
}

// Stats returns the current processing statistics.
func (wp *WorkerPool) Stats() (processed, errors int64) {
	return wp.processed.Load(), wp.errors.Load()
}

// Config returns the worker pool configuration.
func (wp *WorkerPool) Config() WorkerPoolConfig {
	return wp.config
}

// collectResults reads count results and returns the error of the lowest
// failing task index.
func collectResults(resultChan <-chan taskResult, count int) error {
	errs := make([]error, count)
	received := 0
	for result := range resultChan {
		if result.Index >= 0 && result.Index < count {
			errs[result.Index] = result.Err
		}
		received++
		if received >= count {
			break
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runTask calls the task's in-process body, converting a panic into an error.
func runTask(ctx context.Context, task pipeline.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TaskPanicError{Node: task.Node, Value: r}
		}
	}()
	if task.Local == nil {
		return ErrNoLocalBody
	}
	return task.Local(ctx)
}
