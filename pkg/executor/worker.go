package executor

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/wehubfusion/Glide/pkg/pipeline"
)

// workerEnv selects worker mode in a child process.
const workerEnv = "GLIDE_WORKER"

// WorkerResult is the single JSON line a worker writes to stdout.
type WorkerResult struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// IsWorker reports whether the current process was started as a worker.
func IsWorker() bool {
	return os.Getenv(workerEnv) == "1"
}

// RunWorker serves one task from stdin and returns the process exit code.
// Programs that use the process backend call it first thing in main:
//
//	if executor.IsWorker() {
//		os.Exit(executor.RunWorker(context.Background(), logger))
//	}
func RunWorker(ctx context.Context, logger *zap.Logger) int {
	if err := ServeWorker(ctx, os.Stdin, os.Stdout, logger); err != nil {
		return 1
	}
	return 0
}

// ServeWorker decodes one task from r, runs it against a freshly built
// pipeline and writes a WorkerResult line to w. The task error is returned
// after the result has been written.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	err := serveTask(ctx, r, logger)
	result := WorkerResult{OK: err == nil}
	if err != nil {
		result.Code = errorCode(err)
		result.Error = err.Error()
		logger.Error("worker task failed", zap.Error(err))
	}

	line, encErr := json.Marshal(result)
	if encErr != nil {
		return fmt.Errorf("failed to encode worker result: %w", encErr)
	}
	if _, wErr := fmt.Fprintf(w, "%s\n", line); wErr != nil {
		return fmt.Errorf("failed to write worker result: %w", wErr)
	}
	return err
}

func serveTask(ctx context.Context, r io.Reader, logger *zap.Logger) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read task: %w", err)
	}
	task, err := pipeline.UnmarshalTask(data)
	if err != nil {
		return fmt.Errorf("failed to decode task: %w", err)
	}

	p, err := pipeline.Build(task.Pipeline)
	if err != nil {
		return err
	}

	logger.Debug("worker running task",
		zap.String("pipeline", task.Pipeline),
		zap.String("node", task.Node))

	if task.Node == "" {
		return p.Consume(ctx, task.Item, task.Contexts)
	}

	if err := p.UpdateNodeContexts(task.Contexts); err != nil {
		return err
	}
	return p.ProcessFrom(ctx, task.Node, task.Item)
}
