package pipeline

import (
	"sort"
	"sync"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
)

// Factory builds a fresh pipeline. Worker processes call it to rebuild the
// pipeline they were asked to run.
type Factory func() (*Pipeline, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a pipeline buildable by name. Registering a name twice
// replaces the earlier factory.
func Register(name string, factory Factory) error {
	if name == "" {
		return glideerrors.InvalidConfiguration("pipeline name cannot be empty")
	}
	if factory == nil {
		return glideerrors.InvalidConfiguration("pipeline %q: factory cannot be nil", name)
	}
	registryMu.Lock()
	registry[name] = factory
	registryMu.Unlock()
	return nil
}

// MustRegister is Register for package init; it panics on error.
func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Registered returns the registered pipeline names sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build runs the factory registered under name.
func Build(name string) (*Pipeline, error) {
	f, ok := Lookup(name)
	if !ok {
		return nil, glideerrors.NotRegistered(name)
	}
	p, err := f()
	if err != nil {
		return nil, err
	}
	if p.Name() != name {
		return nil, glideerrors.InvalidConfiguration("factory for %q built pipeline %q", name, p.Name())
	}
	return p, nil
}
