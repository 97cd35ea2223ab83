package nodes

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
	"github.com/wehubfusion/Glide/pkg/pipeline"
)

const defaultScriptTimeout = 5 * time.Second

// Globals a transform script must not reach.
var blockedGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

// ScriptError is a JavaScript exception raised by a transform script.
type ScriptError struct {
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	return "script error: " + e.Message
}

type script struct {
	logger *zap.Logger

	mu       sync.Mutex
	programs map[string]*goja.Program
}

// Script builds a node that runs each item through a JavaScript function. The
// "script" source must define the function named by "function" ("transform" by
// default); it is called with the item and its return value is pushed, in
// chunks of "chunksize" when set. Each call is bounded by "timeout".
//
// Scripts run in a fresh runtime per item with Node.js style globals removed.
// console.log and console.error write to logger.
func Script(name string, logger *zap.Logger, opts ...pipeline.NodeOption) (*pipeline.Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]pipeline.NodeOption{pipeline.WithPusher(pipeline.ChunkedPush{})}, opts...)
	return pipeline.NewNode(name, &script{
		logger:   logger.With(zap.String("node", name)),
		programs: make(map[string]*goja.Program),
	}, opts...)
}

func (s *script) Params() []pipeline.Param {
	return []pipeline.Param{
		pipeline.Required("script"),
		pipeline.Optional("function", "transform"),
		pipeline.Optional("timeout", defaultScriptTimeout.String()),
		pipeline.Optional("chunksize", 0),
	}
}

// Begin compiles the script once and checks the timeout so bad values fail
// the pass up front.
func (s *script) Begin(_ context.Context, n *pipeline.Node, gs *pipeline.GlobalState) error {
	src, ok := lookup(n, gs, "script")
	if !ok {
		return glideerrors.MissingArgument(n.Name(), "script")
	}
	code, ok := src.(string)
	if !ok {
		return glideerrors.InvalidConfiguration("node %q: script must be a string, got %T", n.Name(), src)
	}
	if v, ok := lookup(n, gs, "timeout"); ok {
		if d, isStr := v.(string); isStr {
			if _, err := time.ParseDuration(d); err != nil {
				return glideerrors.InvalidConfiguration("node %q: invalid timeout %q", n.Name(), d)
			}
		}
	}
	_, err := s.compile(code)
	return err
}

func (s *script) Run(ctx context.Context, out pipeline.Emitter, item any, args pipeline.Args) error {
	prog, err := s.compile(args.String("script"))
	if err != nil {
		return err
	}

	timeout, err := args.Duration("timeout")
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}

	result, err := s.call(ctx, prog, args.String("function"), item, timeout)
	if err != nil {
		return err
	}
	return out.PushResult(ctx, result, args.Int("chunksize"))
}

func (s *script) compile(src string) (*goja.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prog, ok := s.programs[src]; ok {
		return prog, nil
	}
	prog, err := goja.Compile("transform.js", src, true)
	if err != nil {
		return nil, glideerrors.InvalidConfiguration("failed to compile script: %v", err)
	}
	s.programs[src] = prog
	return prog, nil
}

func (s *script) call(ctx context.Context, prog *goja.Program, fnName string, item any, timeout time.Duration) (any, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := s.sandbox(vm); err != nil {
		return nil, err
	}

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("execution timeout")
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	if _, err := vm.RunProgram(prog); err != nil {
		return nil, scriptError(err)
	}

	fn, ok := goja.AssertFunction(vm.Get(fnName))
	if !ok {
		return nil, glideerrors.InvalidConfiguration("script does not define function %q", fnName)
	}

	value, err := fn(goja.Undefined(), vm.ToValue(jsValue(item)))
	if err != nil {
		return nil, scriptError(err)
	}
	if goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

func (s *script) sandbox(vm *goja.Runtime) error {
	for _, name := range blockedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	console := vm.NewObject()
	logFn := func(level func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			level("console", zap.Any("args", args))
			return goja.Undefined()
		}
	}
	if err := console.Set("log", logFn(s.logger.Info)); err != nil {
		return err
	}
	if err := console.Set("error", logFn(s.logger.Error)); err != nil {
		return err
	}
	return vm.Set("console", console)
}

func scriptError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return &ScriptError{Message: exc.Error(), Stack: exc.String()}
	}
	return fmt.Errorf("script failed: %w", err)
}

// mapper is implemented by row types that expose their fields as a map.
type mapper interface {
	Map() map[string]any
}

// jsValue converts row types to plain maps so scripts see their fields.
func jsValue(item any) any {
	switch v := item.(type) {
	case mapper:
		return v.Map()
	case pipeline.Table:
		records := v.Records()
		out := make([]any, len(records))
		for i, r := range records {
			out[i] = r
		}
		return out
	case []byte:
		return item
	}
	if rv := reflect.ValueOf(item); rv.Kind() == reflect.Slice {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = jsValue(rv.Index(i).Interface())
		}
		return out
	}
	return item
}
