package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// FanOutMode selects how a fanned-out item is distributed.
type FanOutMode int

const (
	// Duplicate sends the full item to every downstream stage.
	Duplicate FanOutMode = iota
	// SplitItem cuts the item into one contiguous slice per downstream stage.
	SplitItem
)

// String returns the mode name.
func (m FanOutMode) String() string {
	if m == SplitItem {
		return "split"
	}
	return "duplicate"
}

// FanOut configures parallel dispatch from a node to its downstream stages.
type FanOut struct {
	Backend Backend
	Mode    FanOutMode
}

// Task is one unit of parallel work. Pipeline and Node identify the work by name
// so it can be rebuilt in another process; Local runs it in this process.
type Task struct {
	// Pipeline is the registered pipeline name
	Pipeline string `json:"pipeline"`
	// Node is the stage to start from; empty means a full consume pass
	Node string `json:"node,omitempty"`
	// Item is the item for Node, or the dataset of a full pass
	Item any `json:"item"`
	// Contexts are the per-pass context overrides, keyed by node name
	Contexts map[string]Context `json:"contexts,omitempty"`
	// Local executes the task in-process
	Local func(ctx context.Context) error `json:"-"`
}

// Backend executes a batch of tasks in parallel. Execute returns only after every
// task has finished, and then reports the first failure, if any.
type Backend interface {
	Name() string
	Execute(ctx context.Context, tasks []Task) error
}

// PipelineValidator is implemented by backends that can only run registered
// pipelines; it is checked when a pass begins.
type PipelineValidator interface {
	ValidatePipeline(name string) error
}

// dispatch fans item out from node id to its downstream stages.
func (p *Pipeline) dispatch(ctx context.Context, id NodeID, item any) error {
	n := p.nodes[id]
	downs := p.down[id]
	if len(downs) == 0 {
		return nil
	}

	payloads := make([]any, len(downs))
	switch n.fanOut.Mode {
	case SplitItem:
		parts, err := Split(item, len(downs))
		if err != nil {
			return err
		}
		copy(payloads, parts)
	default:
		for i := range payloads {
			payloads[i] = item
		}
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.fanOut",
		trace.WithAttributes(
			attribute.String("pipeline", p.name),
			attribute.String("node", n.name),
			attribute.String("backend", n.fanOut.Backend.Name()),
			attribute.String("mode", n.fanOut.Mode.String()),
			attribute.Int("tasks", len(downs)),
		))
	defer span.End()

	tasks := make([]Task, len(downs))
	for i, d := range downs {
		d, payload := d, payloads[i]
		tasks[i] = Task{
			Pipeline: p.name,
			Node:     p.nodes[d].name,
			Item:     payload,
			Contexts: p.passContexts,
			Local: func(ctx context.Context) error {
				return p.process(ctx, d, payload)
			},
		}
	}

	p.metrics.RecordFanOut()
	p.logger.Debug("fanning out item",
		zap.String("node", n.name),
		zap.String("backend", n.fanOut.Backend.Name()),
		zap.Stringer("mode", n.fanOut.Mode),
		zap.Int("tasks", len(tasks)))

	if err := n.fanOut.Backend.Execute(ctx, tasks); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "fan-out completed")
	return nil
}
