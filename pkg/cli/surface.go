// Package cli synthesizes a flat command-line surface from a pipeline's node
// run contracts and maps parsed arguments back to per-node contexts.
package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"dario.cat/mergo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
	"github.com/wehubfusion/Glide/pkg/pipeline"
)

// DataArg is the reserved argument carrying the initial dataset.
const DataArg = "data"

// Provider computes an injected argument value at invocation time.
type Provider func() (any, error)

// CleanupFunc tears down a top-level argument value after a run.
type CleanupFunc func(value any) error

// Options configures surface synthesis.
type Options struct {
	// Blacklist removes bare parameter names or namespaced <node>_<param> names.
	Blacklist []string
	// Inject supplies parameter values from providers; injected names are
	// implicitly blacklisted.
	Inject map[string]Provider
	// Clean maps top-level argument names to teardown functions run after
	// every invocation.
	Clean map[string]CleanupFunc
	// Custom adds top-level arguments, replacing synthesized ones of the same name.
	Custom []Arg
	Logger *zap.Logger
}

// Invocation is a parsed call: the dataset, per-node context updates and the
// top-level keywords that matched no node.
type Invocation struct {
	Data     any
	Contexts map[string]pipeline.Context
	Extras   map[string]any
}

// RunFunc executes an invocation.
type RunFunc func(ctx context.Context, inv Invocation) error

// ConsumeRunner returns a RunFunc that consumes the invocation's data with p.
func ConsumeRunner(p *pipeline.Pipeline) RunFunc {
	return func(ctx context.Context, inv Invocation) error {
		return p.Consume(ctx, inv.Data, inv.Contexts)
	}
}

// Surface is the flat, namespaced argument set derived from a pipeline.
type Surface struct {
	pipeline  *pipeline.Pipeline
	args      []Arg
	index     map[string]int
	blacklist map[string]struct{}
	inject    map[string]Provider
	clean     map[string]CleanupFunc
	logger    *zap.Logger
}

// NewSurface synthesizes the surface of p.
func NewSurface(p *pipeline.Pipeline, opts Options) (*Surface, error) {
	if p == nil {
		return nil, glideerrors.InvalidConfiguration("pipeline cannot be nil")
	}

	s := &Surface{
		pipeline:  p,
		index:     make(map[string]int),
		blacklist: make(map[string]struct{}, len(opts.Blacklist)+len(opts.Inject)),
		inject:    make(map[string]Provider, len(opts.Inject)),
		clean:     make(map[string]CleanupFunc, len(opts.Clean)),
		logger:    opts.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	for _, name := range opts.Blacklist {
		if name == "" {
			return nil, glideerrors.InvalidConfiguration("blacklist entries cannot be empty")
		}
		s.blacklist[name] = struct{}{}
	}
	for name, fn := range opts.Inject {
		if name == "" || fn == nil {
			return nil, glideerrors.InvalidConfiguration("inject entry %q must have a name and a provider", name)
		}
		s.inject[name] = fn
		s.blacklist[name] = struct{}{}
	}
	for name, fn := range opts.Clean {
		if name == "" || fn == nil {
			return nil, glideerrors.InvalidConfiguration("clean entry %q must have a name and a function", name)
		}
		s.clean[name] = fn
	}

	if !s.Blacklisted("", DataArg) {
		s.add(Arg{Name: DataArg, Kind: KindStrings, Required: true, Variadic: true, Help: "input data"})
	}

	gs := p.GlobalState()
	for _, n := range p.Nodes() {
		contract := n.Contract()
		for _, param := range contract.Positional() {
			s.nodeArg(n, gs, param.Name, true, nil)
		}
		for _, param := range contract.Keyword() {
			s.nodeArg(n, gs, param.Name, false, param.Default)
		}
	}

	for _, arg := range opts.Custom {
		if arg.Name == "" {
			return nil, glideerrors.InvalidConfiguration("custom argument name cannot be empty")
		}
		if s.Blacklisted("", arg.Name) {
			return nil, glideerrors.InvalidConfiguration("blacklisted argument %q passed as a custom argument", arg.Name)
		}
		if _, ok := s.index[arg.Name]; ok {
			s.logger.Debug("custom argument overrides synthesized argument", zap.String("arg", arg.Name))
		}
		s.add(arg)
	}

	return s, nil
}

func (s *Surface) add(arg Arg) {
	if i, ok := s.index[arg.Name]; ok {
		s.args[i] = arg
		return
	}
	s.index[arg.Name] = len(s.args)
	s.args = append(s.args, arg)
}

// nodeArg adds the argument for one contract parameter. A default found in the
// node's live context or in global state makes the argument optional and sets
// its type.
func (s *Surface) nodeArg(n *pipeline.Node, gs *pipeline.GlobalState, param string, required bool, def any) {
	if s.Blacklisted(n.Name(), param) {
		return
	}

	if v, ok := n.Context()[param]; ok {
		required, def = false, v
	} else if v, ok := gs.Get(param); ok {
		required, def = false, v
	}

	kind, ok := kindOf(def)
	if !ok {
		s.logger.Debug("parameter default has no flag representation, leaving it off the surface",
			zap.String("node", n.Name()),
			zap.String("param", param),
			zap.String("type", fmt.Sprintf("%T", def)))
		return
	}

	arg := Arg{
		Name:     namespaced(n.Name(), param),
		Node:     n.Name(),
		Param:    param,
		Kind:     kind,
		Required: required,
		Default:  def,
	}
	s.logger.Debug("surface argument",
		zap.String("arg", arg.Name),
		zap.Bool("required", arg.Required),
		zap.Stringer("kind", arg.Kind),
		zap.Any("default", arg.Default))
	s.add(arg)
}

func namespaced(node, param string) string {
	return node + "_" + param
}

// Blacklisted reports whether param of node is excluded from the surface.
func (s *Surface) Blacklisted(node, param string) bool {
	if _, ok := s.blacklist[param]; ok {
		return true
	}
	_, ok := s.blacklist[namespaced(node, param)]
	return ok
}

// Pipeline returns the pipeline the surface was derived from.
func (s *Surface) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// Args returns the surface arguments in order: data, node parameters in node
// order, then custom arguments.
func (s *Surface) Args() []Arg {
	return append([]Arg(nil), s.args...)
}

// Arg looks an argument up by name.
func (s *Surface) Arg(name string) (Arg, bool) {
	i, ok := s.index[name]
	if !ok {
		return Arg{}, false
	}
	return s.args[i], true
}

// Unflatten splits flat arguments on their first underscore into per-node
// context updates. Keys whose first segment is not a node name are returned
// unchanged as extras.
func (s *Surface) Unflatten(values map[string]any) (map[string]pipeline.Context, map[string]any, error) {
	contexts := make(map[string]pipeline.Context)
	extras := make(map[string]any)

	for key, value := range values {
		node, param, found := strings.Cut(key, "_")
		if _, ok := s.pipeline.Node(node); !ok {
			extras[key] = value
			continue
		}
		if !found || param == "" {
			return nil, nil, glideerrors.InvalidConfiguration("invalid keyword argument %q: cannot be a node name", key)
		}
		if contexts[node] == nil {
			contexts[node] = pipeline.Context{}
		}
		contexts[node][param] = value
	}
	return contexts, extras, nil
}

// Injected calls every provider and returns the values by parameter name.
// Providers run in name order; on failure the values produced so far are
// returned with the error so they can be cleaned up.
func (s *Surface) Injected() (map[string]any, error) {
	values := make(map[string]any, len(s.inject))
	for _, name := range sortedKeys(s.inject) {
		v, err := s.inject[name]()
		if err != nil {
			return values, fmt.Errorf("failed to inject %q: %w", name, err)
		}
		s.logger.Debug("injected argument", zap.String("arg", name))
		values[name] = v
	}
	return values, nil
}

// injectedContexts assigns injected values to every node whose contract names them.
func (s *Surface) injectedContexts(injected map[string]any) map[string]pipeline.Context {
	out := make(map[string]pipeline.Context)
	for _, n := range s.pipeline.Nodes() {
		for _, name := range n.Contract().Names() {
			v, ok := injected[name]
			if !ok {
				continue
			}
			if out[n.Name()] == nil {
				out[n.Name()] = pipeline.Context{}
			}
			out[n.Name()][name] = v
		}
	}
	return out
}

// Resolve builds the invocation for parsed values: un-flattened node contexts
// with injected values merged last, so injection wins over a same-named
// argument.
func (s *Surface) Resolve(values map[string]any, injected map[string]any) (Invocation, error) {
	flat := make(map[string]any, len(values))
	for k, v := range values {
		if k != DataArg {
			flat[k] = v
		}
	}

	contexts, extras, err := s.Unflatten(flat)
	if err != nil {
		return Invocation{}, err
	}

	for node, ictx := range s.injectedContexts(injected) {
		dst := contexts[node]
		if dst == nil {
			dst = pipeline.Context{}
		}
		// injected values replace whole keys; mergo would deep-merge maps
		for k := range ictx {
			delete(dst, k)
		}
		if err := mergo.Merge(&dst, ictx, mergo.WithOverride); err != nil {
			return Invocation{}, fmt.Errorf("failed to merge injected context for node %q: %w", node, err)
		}
		contexts[node] = dst
	}

	return Invocation{Data: values[DataArg], Contexts: contexts, Extras: extras}, nil
}

// Cleanup runs every clean function against its top-level argument. All
// entries run; failures, including missing arguments and panics, are returned
// together as an AggregatedCleanup error.
func (s *Surface) Cleanup(values map[string]any) error {
	return s.cleanup(values, nil)
}

// cleanup runs the clean functions, skipping the names in skip.
func (s *Surface) cleanup(values map[string]any, skip map[string]bool) error {
	var errs error
	for _, name := range sortedKeys(s.clean) {
		if skip[name] {
			continue
		}
		v, ok := values[name]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("could not clean up %s, no arg found", name))
			continue
		}
		if err := runCleanup(name, s.clean[name], v); err != nil {
			s.logger.Warn("cleanup failed", zap.String("arg", name), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return glideerrors.AggregatedCleanup(errs)
	}
	return nil
}

func runCleanup(name string, fn CleanupFunc, v any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("clean up %s panicked: %v", name, r)
		}
	}()
	if err := fn(v); err != nil {
		return fmt.Errorf("clean up %s: %w", name, err)
	}
	return nil
}

// Invoke injects, resolves and runs values, then cleans up regardless of the
// outcome. Injected values are visible to cleanup as top-level arguments. When
// a provider fails the run is skipped and only the values injected before the
// failure are cleaned up.
func (s *Surface) Invoke(ctx context.Context, values map[string]any, run RunFunc) error {
	injected, injectErr := s.Injected()

	all := make(map[string]any, len(values)+len(injected))
	for k, v := range values {
		all[k] = v
	}
	for k, v := range injected {
		all[k] = v
	}

	if injectErr != nil {
		missing := make(map[string]bool)
		for name := range s.inject {
			if _, ok := injected[name]; !ok {
				missing[name] = true
			}
		}
		return multierr.Append(injectErr, s.cleanup(all, missing))
	}

	runErr := func() error {
		inv, err := s.Resolve(values, injected)
		if err != nil {
			return err
		}
		return run(ctx, inv)
	}()

	return multierr.Append(runErr, s.Cleanup(all))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
