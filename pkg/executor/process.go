package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Glide/pkg/concurrency"
	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
	"github.com/wehubfusion/Glide/pkg/pipeline"
)

// maxStderrTail bounds how much worker stderr is kept for error reports.
const maxStderrTail = 4096

// ProcessBackend runs each fan-out task in a child process. The child is the
// current executable started in worker mode; it rebuilds the pipeline from the
// registry by name and runs the task. Items and context overrides cross the
// process boundary as JSON, so they must be JSON-encodable.
type ProcessBackend struct {
	maxWorkers int
	command    []string
	env        []string
	logger     *zap.Logger
}

// ProcessOption configures a ProcessBackend.
type ProcessOption func(*ProcessBackend)

// WithProcessWorkers bounds concurrently running child processes.
func WithProcessWorkers(n int) ProcessOption {
	return func(b *ProcessBackend) {
		if n > 0 {
			b.maxWorkers = n
		}
	}
}

// WithCommand overrides the worker command line. By default the current
// executable is started without arguments.
func WithCommand(path string, args ...string) ProcessOption {
	return func(b *ProcessBackend) {
		b.command = append([]string{path}, args...)
	}
}

// WithEnv adds environment variables to every worker.
func WithEnv(env ...string) ProcessOption {
	return func(b *ProcessBackend) {
		b.env = append(b.env, env...)
	}
}

// WithProcessLogger sets the logger.
func WithProcessLogger(logger *zap.Logger) ProcessOption {
	return func(b *ProcessBackend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewProcessBackend creates a process backend.
func NewProcessBackend(opts ...ProcessOption) (*ProcessBackend, error) {
	b := &ProcessBackend{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxWorkers == 0 {
		b.maxWorkers = concurrency.GetEffectiveCPUs()
	}
	if len(b.command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate current executable: %w", err)
		}
		b.command = []string{exe}
	}
	return b, nil
}

// Name returns "process".
func (b *ProcessBackend) Name() string {
	return string(concurrency.BackendProcess)
}

// ValidatePipeline fails unless name can be rebuilt in a worker.
func (b *ProcessBackend) ValidatePipeline(name string) error {
	if _, ok := pipeline.Lookup(name); !ok {
		return glideerrors.NotRegistered(name)
	}
	return nil
}

// Execute starts one worker per task, at most maxWorkers at a time, and waits
// for all of them. Siblings are not cancelled when one fails; the first
// failure is returned once every worker has exited.
func (b *ProcessBackend) Execute(ctx context.Context, tasks []pipeline.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	if err := b.ValidatePipeline(tasks[0].Pipeline); err != nil {
		return err
	}

	payloads := make([][]byte, len(tasks))
	for i, task := range tasks {
		data, err := pipeline.MarshalTask(task)
		if err != nil {
			return fmt.Errorf("failed to encode task for node %q: %w", task.Node, err)
		}
		payloads[i] = data
	}

	var g errgroup.Group
	g.SetLimit(b.maxWorkers)
	errs := make([]error, len(tasks))
	for i := range tasks {
		g.Go(func() error {
			errs[i] = b.run(ctx, tasks[i], payloads[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *ProcessBackend) run(ctx context.Context, task pipeline.Task, payload []byte) error {
	cmd := exec.CommandContext(ctx, b.command[0], b.command[1:]...)
	cmd.Env = append(append(os.Environ(), workerEnv+"=1"), b.env...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.logger.Debug("starting worker process",
		zap.String("pipeline", task.Pipeline),
		zap.String("node", task.Node))

	runErr := cmd.Run()

	var result WorkerResult
	if decodeErr := json.Unmarshal(lastLine(stdout.Bytes()), &result); decodeErr != nil {
		if runErr == nil {
			runErr = fmt.Errorf("worker produced no result: %w", decodeErr)
		}
		return &WorkerError{
			Pipeline: task.Pipeline,
			Node:     task.Node,
			Message:  runErr.Error(),
			Stderr:   tail(stderr.String()),
		}
	}
	if !result.OK {
		return &WorkerError{
			Pipeline: task.Pipeline,
			Node:     task.Node,
			Code:     result.Code,
			Message:  result.Error,
			Stderr:   tail(stderr.String()),
		}
	}
	return nil
}

// lastLine returns the final non-empty line of out.
func lastLine(out []byte) []byte {
	out = bytes.TrimRight(out, "\n")
	if i := bytes.LastIndexByte(out, '\n'); i >= 0 {
		return out[i+1:]
	}
	return out
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrTail {
		return s[len(s)-maxStderrTail:]
	}
	return s
}
