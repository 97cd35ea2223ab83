package pipeline

import (
	"context"
	"maps"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
)

// Emitter forwards items from a node to its downstream stages.
type Emitter interface {
	// Push forwards item unchanged to every downstream stage.
	Push(ctx context.Context, item any) error

	// PushResult forwards a produced result through the node's push strategy.
	PushResult(ctx context.Context, result any, chunkSize int) error
}

// Runner is the processing step of a node.
type Runner interface {
	Run(ctx context.Context, out Emitter, item any, args Args) error
}

// RunFunc adapts a function to Runner.
type RunFunc func(ctx context.Context, out Emitter, item any, args Args) error

// Run calls f.
func (f RunFunc) Run(ctx context.Context, out Emitter, item any, args Args) error {
	return f(ctx, out, item, args)
}

// Declarer is implemented by runners that declare their own run parameters.
type Declarer interface {
	Params() []Param
}

// Beginner is implemented by runners that need setup once per pass.
type Beginner interface {
	Begin(ctx context.Context, n *Node, gs *GlobalState) error
}

// Ender is implemented by runners that emit once at the end of a pass.
type Ender interface {
	End(ctx context.Context, out Emitter) error
}

// Node is one stage of a pipeline: identity, default and live context, a fixed
// run contract and the runner that implements it.
//
// Node holds no reference to the pipeline it is part of. Context mutation is not
// synchronized and must only happen between passes.
type Node struct {
	name           string
	contract       RunContract
	defaultContext Context
	context        Context
	runner         Runner
	pusher         Pusher
	fanOut         *FanOut
	params         []Param
}

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithDefaults sets the default context restored by ResetContext.
func WithDefaults(ctx Context) NodeOption {
	return func(n *Node) {
		n.defaultContext = ctx.Clone()
	}
}

// WithParams declares run parameters for runners that are not Declarers.
func WithParams(params ...Param) NodeOption {
	return func(n *Node) {
		n.params = append(n.params, params...)
	}
}

// WithPusher selects the push strategy used by PushResult.
func WithPusher(p Pusher) NodeOption {
	return func(n *Node) {
		n.pusher = p
	}
}

// WithFanOut makes the node dispatch pushed items to its downstream stages in
// parallel on backend.
func WithFanOut(backend Backend, mode FanOutMode) NodeOption {
	return func(n *Node) {
		n.fanOut = &FanOut{Backend: backend, Mode: mode}
	}
}

// NewNode builds a node. The run contract is computed once here from the
// runner's declared parameters plus any WithParams, and never changes.
func NewNode(name string, runner Runner, opts ...NodeOption) (*Node, error) {
	if name == "" {
		return nil, glideerrors.InvalidConfiguration("node name cannot be empty")
	}

	n := &Node{
		name:           name,
		runner:         runner,
		pusher:         DirectPush{},
		defaultContext: Context{},
	}
	if d, ok := runner.(Declarer); ok {
		n.params = append(n.params, d.Params()...)
	}
	for _, opt := range opts {
		opt(n)
	}

	contract, err := NewRunContract(n.params...)
	if err != nil {
		return nil, glideerrors.NewError(glideerrors.CodeInvalidConfiguration, "node "+name, err)
	}
	n.contract = contract
	n.ResetContext()

	if n.fanOut != nil && n.fanOut.Backend == nil {
		return nil, glideerrors.InvalidConfiguration("node %q: fan-out requires a backend", name)
	}

	return n, nil
}

// MustNode is NewNode for static pipeline assembly; it panics on error.
func MustNode(name string, runner Runner, opts ...NodeOption) *Node {
	n, err := NewNode(name, runner, opts...)
	if err != nil {
		panic(err)
	}
	return n
}

// Name returns the node name.
func (n *Node) Name() string {
	return n.name
}

// Contract returns the run contract.
func (n *Node) Contract() RunContract {
	return n.contract
}

// Runner returns the node's runner.
func (n *Node) Runner() Runner {
	return n.runner
}

// Context returns the live context. Callers must not mutate it during a pass.
func (n *Node) Context() Context {
	return n.context
}

// DefaultContext returns a copy of the default context snapshot.
func (n *Node) DefaultContext() Context {
	return n.defaultContext.Clone()
}

// UpdateContext merges ctx into the live context.
func (n *Node) UpdateContext(ctx Context) {
	maps.Copy(n.context, ctx)
}

// ResetContext restores the live context to the default snapshot.
func (n *Node) ResetContext() {
	n.context = n.defaultContext.Clone()
}

// FanOut returns the node's fan-out configuration, or nil.
func (n *Node) FanOut() *FanOut {
	return n.fanOut
}

// Process resolves the run arguments for item and invokes the runner.
func (n *Node) Process(ctx context.Context, out Emitter, gs *GlobalState, item any) error {
	args, err := Resolve(n.name, n.contract, n.context, gs)
	if err != nil {
		return err
	}
	if n.runner == nil {
		return glideerrors.NotImplemented(n.name)
	}
	return n.runner.Run(ctx, out, item, args)
}

func (n *Node) begin(ctx context.Context, gs *GlobalState) error {
	if b, ok := n.runner.(Beginner); ok {
		return b.Begin(ctx, n, gs)
	}
	return nil
}

func (n *Node) end(ctx context.Context, out Emitter) error {
	if e, ok := n.runner.(Ender); ok {
		return e.End(ctx, out)
	}
	return nil
}
