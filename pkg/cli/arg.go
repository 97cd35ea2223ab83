package cli

import (
	"fmt"
	"time"
)

// Kind is the value type of a surface argument.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindInt
	KindInt64
	KindFloat
	KindDuration
	KindStrings
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindInt64:
		return "int64"
	case KindFloat:
		return "float64"
	case KindDuration:
		return "duration"
	case KindStrings:
		return "strings"
	}
	return "string"
}

// kindOf infers the argument kind from a default value. A nil default is a
// string; values with no flag representation report false.
func kindOf(v any) (Kind, bool) {
	switch v.(type) {
	case nil, string:
		return KindString, true
	case bool:
		return KindBool, true
	case int:
		return KindInt, true
	case int64:
		return KindInt64, true
	case float64:
		return KindFloat, true
	case time.Duration:
		return KindDuration, true
	case []string:
		return KindStrings, true
	}
	return 0, false
}

// Arg is one argument of a CLI surface. Node and Param are empty for
// top-level arguments.
type Arg struct {
	Name     string
	Node     string
	Param    string
	Kind     Kind
	Required bool
	Default  any
	Help     string
	// Variadic marks the reserved data argument, which takes one or more values.
	Variadic bool
}

// Toggle reports whether the argument is a boolean flag; setting it stores the
// negation of its default.
func (a Arg) Toggle() bool {
	return a.Kind == KindBool
}

func (a Arg) usage() string {
	if a.Help != "" {
		return a.Help
	}
	if a.Node == "" {
		return a.Name
	}
	return fmt.Sprintf("%s of node %s", a.Param, a.Node)
}
