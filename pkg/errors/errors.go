// Package errors defines the error kinds surfaced by the Glide execution layer.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingArgument indicates a required run parameter was found in neither
	// the node context nor the pipeline's global state
	ErrMissingArgument = errors.New("missing required argument")

	// ErrInvalidConnectionType indicates a connection failed its category check
	ErrInvalidConnectionType = errors.New("invalid connection type")

	// ErrUnsupportedRowShape indicates rows of the wrong shape were given to bulk
	// statement generation
	ErrUnsupportedRowShape = errors.New("unsupported row shape")

	// ErrInvalidConfiguration indicates malformed CLI surface or pipeline configuration
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrAggregatedCleanup indicates that one or more cleanup hooks failed
	ErrAggregatedCleanup = errors.New("errors during clean up")

	// ErrNotImplemented indicates a node was built without a run implementation
	ErrNotImplemented = errors.New("run not implemented")

	// ErrUnknownNode indicates a node name that is not part of the pipeline
	ErrUnknownNode = errors.New("unknown node")

	// ErrNotRegistered indicates a pipeline that cannot be rebuilt in a worker process
	ErrNotRegistered = errors.New("pipeline not registered")
)

// Error codes carried by *Error.
const (
	CodeMissingArgument       = "MISSING_ARGUMENT"
	CodeInvalidConnectionType = "INVALID_CONNECTION_TYPE"
	CodeUnsupportedRowShape   = "UNSUPPORTED_ROW_SHAPE"
	CodeInvalidConfiguration  = "INVALID_CONFIGURATION"
	CodeAggregatedCleanup     = "AGGREGATED_CLEANUP"
	CodeNotImplemented        = "NOT_IMPLEMENTED"
	CodeUnknownNode           = "UNKNOWN_NODE"
	CodeNotRegistered         = "NOT_REGISTERED"
)

// Error represents a structured Glide error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// MissingArgument reports a required run parameter that could not be resolved.
func MissingArgument(node, param string) *Error {
	return NewError(CodeMissingArgument,
		fmt.Sprintf("required run arg %q of node %q is missing from context and global state", param, node),
		ErrMissingArgument)
}

// InvalidConnectionType reports a connection that failed its capability check.
func InvalidConnectionType(format string, args ...any) *Error {
	return NewError(CodeInvalidConnectionType, fmt.Sprintf(format, args...), ErrInvalidConnectionType)
}

// UnsupportedRowShape reports rows that cannot be used for statement generation.
func UnsupportedRowShape(format string, args ...any) *Error {
	return NewError(CodeUnsupportedRowShape, fmt.Sprintf(format, args...), ErrUnsupportedRowShape)
}

// InvalidConfiguration reports malformed configuration.
func InvalidConfiguration(format string, args ...any) *Error {
	return NewError(CodeInvalidConfiguration, fmt.Sprintf(format, args...), ErrInvalidConfiguration)
}

// NotImplemented reports a node without a run implementation.
func NotImplemented(node string) *Error {
	return NewError(CodeNotImplemented, fmt.Sprintf("node %q has no run implementation", node), ErrNotImplemented)
}

// UnknownNode reports a node name that is not part of a pipeline.
func UnknownNode(pipeline, node string) *Error {
	return NewError(CodeUnknownNode, fmt.Sprintf("invalid node %q for pipeline %q", node, pipeline), ErrUnknownNode)
}

// NotRegistered reports a pipeline missing from the factory registry.
func NotRegistered(pipeline string) *Error {
	return NewError(CodeNotRegistered,
		fmt.Sprintf("pipeline %q must be registered to run in worker processes", pipeline),
		ErrNotRegistered)
}

// AggregatedCleanup wraps the combined cleanup failures.
func AggregatedCleanup(err error) *Error {
	return &Error{Code: CodeAggregatedCleanup, Message: ErrAggregatedCleanup.Error(), Err: aggregated{err}}
}

// aggregated lets errors.Is match both ErrAggregatedCleanup and the wrapped causes.
type aggregated struct{ err error }

func (a aggregated) Error() string { return a.err.Error() }

func (a aggregated) Unwrap() []error { return []error{ErrAggregatedCleanup, a.err} }

// IsMissingArgument checks if an error is a missing argument error
func IsMissingArgument(err error) bool {
	return errors.Is(err, ErrMissingArgument)
}

// IsInvalidConnectionType checks if an error is an invalid connection error
func IsInvalidConnectionType(err error) bool {
	return errors.Is(err, ErrInvalidConnectionType)
}

// IsUnsupportedRowShape checks if an error is an unsupported row shape error
func IsUnsupportedRowShape(err error) bool {
	return errors.Is(err, ErrUnsupportedRowShape)
}

// IsInvalidConfiguration checks if an error is an invalid configuration error
func IsInvalidConfiguration(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}
