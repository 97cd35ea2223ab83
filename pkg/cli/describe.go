package cli

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var describeColumns = []string{"argument", "node", "parameter", "type", "required", "default"}

// Describe writes the surface as a table.
func (s *Surface) Describe(w io.Writer) {
	title := cases.Title(language.English)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	t.SetStyle(style)
	t.SetTitle(fmt.Sprintf("%s pipeline arguments", s.pipeline.Name()))

	header := make(table.Row, len(describeColumns))
	for i, col := range describeColumns {
		header[i] = title.String(col)
	}
	t.AppendHeader(header)

	for _, arg := range s.args {
		def := ""
		if arg.Default != nil {
			def = fmt.Sprint(arg.Default)
		}
		kind := arg.Kind.String()
		if arg.Toggle() {
			kind = "toggle"
		}
		t.AppendRow(table.Row{flagName(arg), arg.Node, arg.Param, kind, arg.Required, def})
	}
	t.Render()
}

func flagName(arg Arg) string {
	if arg.Variadic {
		return arg.Name + "..."
	}
	return "--" + arg.Name
}
