package executor

import (
	"errors"
	"fmt"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
)

// ErrNoLocalBody is returned by the thread backend for tasks built without an
// in-process body.
var ErrNoLocalBody = errors.New("task has no local body")

// TaskPanicError reports a task that panicked on a worker goroutine.
type TaskPanicError struct {
	Node  string
	Value any
}

// Error implements the error interface.
func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("task for node %q panicked: %v", e.Node, e.Value)
}

// WorkerError reports a task that failed inside a worker process.
type WorkerError struct {
	// Pipeline and Node identify the task
	Pipeline string
	Node     string
	// Code is the Glide error code reported by the worker, if any
	Code string
	// Message is the worker's error text
	Message string
	// Stderr holds the tail of the worker's standard error
	Stderr string
}

// Error implements the error interface.
func (e *WorkerError) Error() string {
	target := e.Node
	if target == "" {
		target = "<full pass>"
	}
	msg := fmt.Sprintf("worker for pipeline %q node %s failed: %s", e.Pipeline, target, e.Message)
	if e.Stderr != "" {
		msg += "\nworker stderr:\n" + e.Stderr
	}
	return msg
}

// Unwrap maps the reported code back to its sentinel so errors.Is keeps
// working across the process boundary.
func (e *WorkerError) Unwrap() error {
	return codeSentinels[e.Code]
}

var codeSentinels = map[string]error{
	glideerrors.CodeMissingArgument:       glideerrors.ErrMissingArgument,
	glideerrors.CodeInvalidConnectionType: glideerrors.ErrInvalidConnectionType,
	glideerrors.CodeUnsupportedRowShape:   glideerrors.ErrUnsupportedRowShape,
	glideerrors.CodeInvalidConfiguration:  glideerrors.ErrInvalidConfiguration,
	glideerrors.CodeAggregatedCleanup:     glideerrors.ErrAggregatedCleanup,
	glideerrors.CodeNotImplemented:        glideerrors.ErrNotImplemented,
	glideerrors.CodeUnknownNode:           glideerrors.ErrUnknownNode,
	glideerrors.CodeNotRegistered:         glideerrors.ErrNotRegistered,
}

// errorCode extracts the Glide error code carried by err, if any.
func errorCode(err error) string {
	var ge *glideerrors.Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}
