package pipeline

import (
	"maps"
	"sort"
)

// Context maps run parameter names to values for a single node.
type Context map[string]any

// Clone returns a deep copy of the context. Nested maps and slices are copied
// so that later mutation of one copy never reaches the other.
func (c Context) Clone() Context {
	if c == nil {
		return Context{}
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Context:
		return t.Clone()
	case map[string]any:
		return map[string]any(Context(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// GlobalState is the pipeline-wide fallback store for required run parameters.
//
// A pipeline always owns one; an empty store is still a present store. Reads
// from concurrent fan-out workers are safe, but mutating a GlobalState while any
// pass is in flight is undefined behavior.
type GlobalState struct {
	values map[string]any
}

// NewGlobalState creates a store seeded with values.
func NewGlobalState(values map[string]any) *GlobalState {
	gs := &GlobalState{values: make(map[string]any, len(values))}
	maps.Copy(gs.values, values)
	return gs
}

// Get returns the value for key. A nil store holds nothing.
func (g *GlobalState) Get(key string) (any, bool) {
	if g == nil {
		return nil, false
	}
	v, ok := g.values[key]
	return v, ok
}

// Has reports whether key is present.
func (g *GlobalState) Has(key string) bool {
	_, ok := g.Get(key)
	return ok
}

// Set stores value under key.
func (g *GlobalState) Set(key string, value any) {
	if g.values == nil {
		g.values = make(map[string]any)
	}
	g.values[key] = value
}

// Delete removes key.
func (g *GlobalState) Delete(key string) {
	delete(g.values, key)
}

// Len returns the number of keys.
func (g *GlobalState) Len() int {
	if g == nil {
		return 0
	}
	return len(g.values)
}

// Keys returns the stored keys sorted.
func (g *GlobalState) Keys() []string {
	if g == nil {
		return nil
	}
	keys := make([]string, 0, len(g.values))
	for k := range g.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a shallow copy of the stored values.
func (g *GlobalState) Snapshot() map[string]any {
	if g == nil {
		return nil
	}
	return maps.Clone(g.values)
}
