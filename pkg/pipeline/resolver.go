package pipeline

import (
	"sort"
	"time"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
)

// Args is the resolved binding of a node's run contract for one item.
type Args struct {
	names    []string
	values   []any
	keywords map[string]any
	defaults map[string]any
}

// Resolve binds the contract's parameters from ctx, falling back to gs for
// required parameters. Every context key not consumed positionally is passed
// as a keyword, including keys the contract does not declare.
func Resolve(node string, contract RunContract, ctx Context, gs *GlobalState) (Args, error) {
	args := Args{
		names:    make([]string, 0, len(contract.positional)),
		values:   make([]any, 0, len(contract.positional)),
		keywords: make(map[string]any, len(ctx)),
		defaults: make(map[string]any, len(contract.keyword)),
	}

	for _, p := range contract.positional {
		v, ok := ctx[p.Name]
		if !ok {
			v, ok = gs.Get(p.Name)
		}
		if !ok {
			return Args{}, glideerrors.MissingArgument(node, p.Name)
		}
		args.names = append(args.names, p.Name)
		args.values = append(args.values, v)
	}

	for k, v := range ctx {
		if contract.IsPositional(k) {
			continue
		}
		args.keywords[k] = v
	}

	for _, p := range contract.keyword {
		args.defaults[p.Name] = p.Default
	}

	return args, nil
}

// Positional returns the resolved required values in contract order.
func (a Args) Positional() []any {
	return append([]any(nil), a.values...)
}

// Keywords returns the keyword arguments taken from the context.
func (a Args) Keywords() map[string]any {
	out := make(map[string]any, len(a.keywords))
	for k, v := range a.keywords {
		out[k] = v
	}
	return out
}

// KeywordNames returns the keyword argument names sorted.
func (a Args) KeywordNames() []string {
	names := make([]string, 0, len(a.keywords))
	for k := range a.keywords {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Get looks a parameter up: positional values first, then context keywords,
// then the contract default.
func (a Args) Get(name string) (any, bool) {
	for i, n := range a.names {
		if n == name {
			return a.values[i], true
		}
	}
	if v, ok := a.keywords[name]; ok {
		return v, true
	}
	v, ok := a.defaults[name]
	return v, ok
}

// Value returns the parameter or nil.
func (a Args) Value(name string) any {
	v, _ := a.Get(name)
	return v
}

// String returns a string parameter, or "" when absent or of another type.
func (a Args) String(name string) string {
	if s, ok := a.Value(name).(string); ok {
		return s
	}
	return ""
}

// Bool returns a bool parameter with a default.
func (a Args) Bool(name string, def bool) bool {
	if b, ok := a.Value(name).(bool); ok {
		return b
	}
	return def
}

// Int returns an integer parameter, accepting the numeric types produced by
// flag parsing and JSON/YAML decoding.
func (a Args) Int(name string) int {
	switch v := a.Value(name).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	case uint:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Duration returns a duration parameter; strings are parsed. An absent
// parameter is 0. Unparseable strings and other types are rejected.
func (a Args) Duration(name string) (time.Duration, error) {
	switch v := a.Value(name).(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, glideerrors.InvalidConfiguration("parameter %q: invalid duration %q", name, v)
		}
		return d, nil
	default:
		return 0, glideerrors.InvalidConfiguration("parameter %q: expected a duration, got %T", name, v)
	}
}
