package pipeline

import (
	"errors"
	"fmt"
)

// Processing phases reported by NodeError.
const (
	PhaseBegin   = "begin"
	PhaseProcess = "process"
	PhaseEnd     = "end"
)

// NodeError wraps an error with the node and phase where it happened.
type NodeError struct {
	// Pipeline is the name of the pipeline
	Pipeline string
	// Node is the name of the node that caused the error
	Node string
	// Phase indicates which phase of the pass failed
	Phase string
	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("pipeline %s: node %s failed during %s: %v", e.Pipeline, e.Node, e.Phase, e.Cause)
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Cause
}

// wrapNodeError attributes err to a node unless an inner node already claimed it.
func wrapNodeError(pipeline, node, phase string, err error) error {
	if err == nil {
		return nil
	}
	var ne *NodeError
	if errors.As(err, &ne) {
		return err
	}
	return &NodeError{Pipeline: pipeline, Node: node, Phase: phase, Cause: err}
}
