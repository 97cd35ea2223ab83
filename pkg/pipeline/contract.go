package pipeline

import (
	"fmt"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
)

// ParamKind classifies a run parameter.
type ParamKind int

const (
	// ParamRequired is a positional parameter without a default.
	ParamRequired ParamKind = iota
	// ParamOptional is a keyword parameter with a default.
	ParamOptional
	// ParamExtra marks a node that accepts arbitrary extra keyword context.
	ParamExtra
)

// Param describes one run parameter of a node.
type Param struct {
	Name    string
	Kind    ParamKind
	Default any
}

// Required declares a required positional run parameter.
func Required(name string) Param {
	return Param{Name: name, Kind: ParamRequired}
}

// Optional declares a keyword run parameter with a default value.
func Optional(name string, def any) Param {
	return Param{Name: name, Kind: ParamOptional, Default: def}
}

// Extra declares that the node accepts keyword context it does not name.
func Extra() Param {
	return Param{Kind: ParamExtra}
}

// RunContract is the fixed parameter schema of a node.
type RunContract struct {
	positional   []Param
	keyword      []Param
	acceptsExtra bool
}

// NewRunContract validates params and builds a contract. Declaration order is kept
// within the positional and keyword lists.
func NewRunContract(params ...Param) (RunContract, error) {
	var c RunContract
	seen := make(map[string]struct{}, len(params))

	for _, p := range params {
		if p.Kind == ParamExtra {
			c.acceptsExtra = true
			continue
		}
		if p.Name == "" {
			return RunContract{}, glideerrors.InvalidConfiguration("run parameter name cannot be empty")
		}
		if _, dup := seen[p.Name]; dup {
			return RunContract{}, glideerrors.InvalidConfiguration("duplicate run parameter %q", p.Name)
		}
		seen[p.Name] = struct{}{}

		switch p.Kind {
		case ParamRequired:
			c.positional = append(c.positional, p)
		case ParamOptional:
			c.keyword = append(c.keyword, p)
		default:
			return RunContract{}, glideerrors.InvalidConfiguration("run parameter %q has unknown kind %d", p.Name, p.Kind)
		}
	}

	return c, nil
}

// MustRunContract is NewRunContract for contracts declared as package literals.
func MustRunContract(params ...Param) RunContract {
	c, err := NewRunContract(params...)
	if err != nil {
		panic(fmt.Sprintf("pipeline: %v", err))
	}
	return c
}

// Positional returns the required parameters in order.
func (c RunContract) Positional() []Param {
	return append([]Param(nil), c.positional...)
}

// Keyword returns the optional parameters in order.
func (c RunContract) Keyword() []Param {
	return append([]Param(nil), c.keyword...)
}

// AcceptsExtra reports whether the contract declared a catch-all.
func (c RunContract) AcceptsExtra() bool {
	return c.acceptsExtra
}

// IsPositional reports whether name is a required parameter.
func (c RunContract) IsPositional(name string) bool {
	for _, p := range c.positional {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Names returns every named parameter, positional first.
func (c RunContract) Names() []string {
	names := make([]string, 0, len(c.positional)+len(c.keyword))
	for _, p := range c.positional {
		names = append(names, p.Name)
	}
	for _, p := range c.keyword {
		names = append(names, p.Name)
	}
	return names
}
