package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
)

// NodeID is a node's stable handle inside its pipeline.
type NodeID int

// Pipeline hosts an acyclic graph of nodes with a single root and drives
// begin/process/end for each pass. Nodes are stored in an arena and referenced
// by NodeID, so nodes never point back at the pipeline.
type Pipeline struct {
	name    string
	nodes   []*Node
	index   map[string]NodeID
	down    [][]NodeID
	upCount []int
	global  *GlobalState
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *MetricsCollector

	// passContexts holds the overrides of the pass in flight
	passContexts map[string]Context
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithGlobalState sets the shared fallback store.
func WithGlobalState(gs *GlobalState) Option {
	return func(p *Pipeline) {
		if gs != nil {
			p.global = gs
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTracer overrides the tracer used for fan-out spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// New creates an empty pipeline. It always owns a GlobalState, empty unless
// WithGlobalState supplies one.
func New(name string, opts ...Option) *Pipeline {
	p := &Pipeline{
		name:    name,
		index:   make(map[string]NodeID),
		global:  NewGlobalState(nil),
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("glide/pipeline"),
		metrics: NewMetricsCollector(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.name
}

// GlobalState returns the shared fallback store.
func (p *Pipeline) GlobalState() *GlobalState {
	return p.global
}

// SetGlobalState replaces the shared fallback store. A nil store is ignored.
func (p *Pipeline) SetGlobalState(gs *GlobalState) {
	if gs != nil {
		p.global = gs
	}
}

// Metrics returns the pipeline's metrics collector.
func (p *Pipeline) Metrics() *MetricsCollector {
	return p.metrics
}

// Add registers nodes. Adding the same node twice is a no-op; adding a different
// node under an existing name fails.
func (p *Pipeline) Add(nodes ...*Node) error {
	for _, n := range nodes {
		if n == nil {
			return glideerrors.InvalidConfiguration("pipeline %q: nil node", p.name)
		}
		if id, ok := p.index[n.name]; ok {
			if p.nodes[id] != n {
				return glideerrors.InvalidConfiguration("pipeline %q: duplicate node name %q", p.name, n.name)
			}
			continue
		}
		p.index[n.name] = NodeID(len(p.nodes))
		p.nodes = append(p.nodes, n)
		p.down = append(p.down, nil)
		p.upCount = append(p.upCount, 0)
	}
	return nil
}

// Connect adds edges from one node to each of to, adding nodes as needed.
func (p *Pipeline) Connect(from *Node, to ...*Node) error {
	if err := p.Add(from); err != nil {
		return err
	}
	if err := p.Add(to...); err != nil {
		return err
	}
	src := p.index[from.name]
	for _, n := range to {
		dst := p.index[n.name]
		for _, existing := range p.down[src] {
			if existing == dst {
				return glideerrors.InvalidConfiguration("pipeline %q: duplicate edge %s -> %s", p.name, from.name, n.name)
			}
		}
		p.down[src] = append(p.down[src], dst)
		p.upCount[dst]++
	}
	return nil
}

// Chain connects nodes in sequence.
func (p *Pipeline) Chain(nodes ...*Node) error {
	if len(nodes) == 1 {
		return p.Add(nodes[0])
	}
	for i := 0; i+1 < len(nodes); i++ {
		if err := p.Connect(nodes[i], nodes[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// Node returns the node registered under name.
func (p *Pipeline) Node(name string) (*Node, bool) {
	id, ok := p.index[name]
	if !ok {
		return nil, false
	}
	return p.nodes[id], true
}

// Nodes returns the nodes in the order they were added.
func (p *Pipeline) Nodes() []*Node {
	return append([]*Node(nil), p.nodes...)
}

// Downstream returns the names of name's immediate downstream nodes.
func (p *Pipeline) Downstream(name string) []string {
	id, ok := p.index[name]
	if !ok {
		return nil
	}
	out := make([]string, len(p.down[id]))
	for i, d := range p.down[id] {
		out[i] = p.nodes[d].name
	}
	return out
}

// Replace swaps the node registered under name, keeping its edges.
func (p *Pipeline) Replace(name string, replacement *Node) error {
	id, ok := p.index[name]
	if !ok {
		return glideerrors.UnknownNode(p.name, name)
	}
	if replacement.name != name {
		if _, taken := p.index[replacement.name]; taken {
			return glideerrors.InvalidConfiguration("pipeline %q: duplicate node name %q", p.name, replacement.name)
		}
		delete(p.index, name)
		p.index[replacement.name] = id
	}
	p.nodes[id] = replacement
	return nil
}

// String renders the edges, one per line.
func (p *Pipeline) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline %s\n", p.name)
	for id, n := range p.nodes {
		if len(p.down[id]) == 0 {
			fmt.Fprintf(&b, "  %s\n", n.name)
			continue
		}
		for _, d := range p.down[id] {
			fmt.Fprintf(&b, "  %s -> %s\n", n.name, p.nodes[d].name)
		}
	}
	return b.String()
}

// Validate checks the graph has a single root and no cycles and returns the
// nodes in topological order.
func (p *Pipeline) Validate() ([]NodeID, error) {
	if len(p.nodes) == 0 {
		return nil, glideerrors.InvalidConfiguration("pipeline %q has no nodes", p.name)
	}

	indeg := append([]int(nil), p.upCount...)
	var roots, queue []NodeID
	for id, d := range indeg {
		if d == 0 {
			roots = append(roots, NodeID(id))
		}
	}
	if len(roots) != 1 {
		return nil, glideerrors.InvalidConfiguration("pipeline %q must have exactly one root node, found %d", p.name, len(roots))
	}

	queue = append(queue, roots...)
	order := make([]NodeID, 0, len(p.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, d := range p.down[id] {
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(order) != len(p.nodes) {
		return nil, glideerrors.InvalidConfiguration("pipeline %q contains a cycle", p.name)
	}
	return order, nil
}

// UpdateNodeContexts merges per-node context updates, keyed by node name.
func (p *Pipeline) UpdateNodeContexts(contexts map[string]Context) error {
	for name := range contexts {
		if _, ok := p.index[name]; !ok {
			return glideerrors.UnknownNode(p.name, name)
		}
	}
	for name, ctx := range contexts {
		p.nodes[p.index[name]].UpdateContext(ctx)
	}
	return nil
}

// ResetNodeContexts resets the named nodes to their default contexts.
func (p *Pipeline) ResetNodeContexts(names ...string) error {
	for _, name := range names {
		id, ok := p.index[name]
		if !ok {
			return glideerrors.UnknownNode(p.name, name)
		}
		p.nodes[id].ResetContext()
	}
	return nil
}

// Consume runs one pass: the overrides in contexts are applied, every item of
// data is pushed through the root node, and the overridden contexts are reset
// afterwards whether or not the pass succeeded.
func (p *Pipeline) Consume(ctx context.Context, data any, contexts map[string]Context) error {
	order, err := p.Validate()
	if err != nil {
		return err
	}
	if err := p.UpdateNodeContexts(contexts); err != nil {
		return err
	}
	defer func() {
		names := make([]string, 0, len(contexts))
		for name := range contexts {
			names = append(names, name)
		}
		_ = p.ResetNodeContexts(names...)
		p.passContexts = nil
	}()
	p.passContexts = contexts

	passID := uuid.NewString()
	items := Iterize(data)
	start := time.Now()
	logger := p.logger.With(zap.String("pipeline", p.name), zap.String("pass_id", passID))
	logger.Info("starting pass", zap.Int("items", len(items)), zap.Int("nodes", len(order)))

	if err := p.beginAll(ctx, order); err != nil {
		logger.Error("pass failed to begin", zap.Error(err))
		return err
	}

	root := order[0]
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pass cancelled at item %d: %w", i, err)
		}
		if err := p.process(ctx, root, item); err != nil {
			logger.Error("pass aborted", zap.Int("item_index", i), zap.Error(err))
			return err
		}
	}

	if err := p.endAll(ctx, order); err != nil {
		logger.Error("pass failed to end", zap.Error(err))
		return err
	}

	logger.Info("pass completed", zap.Duration("duration", time.Since(start)))
	return nil
}

// ProcessFrom runs a single item through the subtree rooted at name, with its
// own begin and end. Worker processes use it to run fanned-out work.
func (p *Pipeline) ProcessFrom(ctx context.Context, name string, item any) error {
	order, err := p.Validate()
	if err != nil {
		return err
	}
	start, ok := p.index[name]
	if !ok {
		return glideerrors.UnknownNode(p.name, name)
	}

	reach := map[NodeID]bool{start: true}
	stack := []NodeID{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range p.down[id] {
			if !reach[d] {
				reach[d] = true
				stack = append(stack, d)
			}
		}
	}
	sub := make([]NodeID, 0, len(reach))
	for _, id := range order {
		if reach[id] {
			sub = append(sub, id)
		}
	}

	if err := p.beginAll(ctx, sub); err != nil {
		return err
	}
	if err := p.process(ctx, start, item); err != nil {
		return err
	}
	return p.endAll(ctx, sub)
}

func (p *Pipeline) beginAll(ctx context.Context, order []NodeID) error {
	for _, id := range order {
		n := p.nodes[id]
		if n.fanOut != nil {
			if v, ok := n.fanOut.Backend.(PipelineValidator); ok {
				if err := v.ValidatePipeline(p.name); err != nil {
					return wrapNodeError(p.name, n.name, PhaseBegin, err)
				}
			}
		}
		if err := n.begin(ctx, p.global); err != nil {
			return wrapNodeError(p.name, n.name, PhaseBegin, err)
		}
	}
	return nil
}

func (p *Pipeline) endAll(ctx context.Context, order []NodeID) error {
	for _, id := range order {
		n := p.nodes[id]
		if err := n.end(ctx, p.emitter(id)); err != nil {
			return wrapNodeError(p.name, n.name, PhaseEnd, err)
		}
	}
	return nil
}

// process runs one node on one item. Pushes from inside the node synchronously
// process the downstream nodes.
func (p *Pipeline) process(ctx context.Context, id NodeID, item any) error {
	n := p.nodes[id]
	start := time.Now()
	if err := n.Process(ctx, p.emitter(id), p.global, item); err != nil {
		p.metrics.RecordError()
		return wrapNodeError(p.name, n.name, PhaseProcess, err)
	}
	p.metrics.RecordProcessed(time.Since(start))
	return nil
}

func (p *Pipeline) emitter(id NodeID) *nodeEmitter {
	return &nodeEmitter{p: p, id: id}
}

// nodeEmitter is the Emitter handed to a node's runner.
type nodeEmitter struct {
	p  *Pipeline
	id NodeID
}

// Push forwards item to the downstream nodes, in parallel for fan-out nodes.
func (e *nodeEmitter) Push(ctx context.Context, item any) error {
	n := e.p.nodes[e.id]
	if n.fanOut != nil {
		return e.p.dispatch(ctx, e.id, item)
	}
	for _, d := range e.p.down[e.id] {
		if err := e.p.process(ctx, d, item); err != nil {
			return err
		}
	}
	return nil
}

// PushResult forwards result through the node's push strategy.
func (e *nodeEmitter) PushResult(ctx context.Context, result any, chunkSize int) error {
	return e.p.nodes[e.id].pusher.PushResult(ctx, e, result, chunkSize)
}

// RecordSkipped counts an item bypassed by a skip-on-falsy stage.
func (e *nodeEmitter) RecordSkipped() {
	e.p.metrics.RecordSkipped()
}
