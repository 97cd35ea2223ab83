package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Command builds a cobra command with one flag per surface argument. The data
// argument is read from the positional arguments. Optional flags are passed
// to run with their defaults when not set; flags without a default only when set.
func (s *Surface) Command(use string, run RunFunc) *cobra.Command {
	dataArg, hasData := s.Arg(DataArg)
	hasData = hasData && dataArg.Variadic

	cmd := &cobra.Command{
		Use:          use,
		Short:        fmt.Sprintf("Run the %s pipeline", s.pipeline.Name()),
		SilenceUsage: true,
		Args:         cobra.NoArgs,
	}
	if hasData {
		cmd.Use = use + " DATA..."
		cmd.Args = cobra.MinimumNArgs(1)
	}

	fs := cmd.Flags()
	getters := make(map[string]func() any, len(s.args))
	for _, arg := range s.args {
		if arg.Variadic {
			continue
		}
		getters[arg.Name] = defineFlag(fs, arg)
		if arg.Required {
			_ = cmd.MarkFlagRequired(arg.Name)
		}
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		values := make(map[string]any, len(getters)+1)
		if hasData {
			values[DataArg] = args
		}
		for _, arg := range s.args {
			get, ok := getters[arg.Name]
			if !ok {
				continue
			}
			if fs.Changed(arg.Name) || arg.Default != nil {
				values[arg.Name] = get()
			}
		}
		return s.Invoke(cmd.Context(), values, run)
	}
	return cmd
}

// defineFlag registers arg on fs and returns a getter for its parsed value.
func defineFlag(fs *pflag.FlagSet, arg Arg) func() any {
	usage := arg.usage()
	switch arg.Kind {
	case KindBool:
		def, _ := arg.Default.(bool)
		p := fs.Bool(arg.Name, def, usage)
		fs.Lookup(arg.Name).NoOptDefVal = strconv.FormatBool(!def)
		return func() any { return *p }
	case KindInt:
		def, _ := arg.Default.(int)
		p := fs.Int(arg.Name, def, usage)
		return func() any { return *p }
	case KindInt64:
		def, _ := arg.Default.(int64)
		p := fs.Int64(arg.Name, def, usage)
		return func() any { return *p }
	case KindFloat:
		def, _ := arg.Default.(float64)
		p := fs.Float64(arg.Name, def, usage)
		return func() any { return *p }
	case KindDuration:
		def, _ := arg.Default.(time.Duration)
		p := fs.Duration(arg.Name, def, usage)
		return func() any { return *p }
	case KindStrings:
		def, _ := arg.Default.([]string)
		p := fs.StringSlice(arg.Name, def, usage)
		return func() any { return *p }
	}
	def, _ := arg.Default.(string)
	p := fs.String(arg.Name, def, usage)
	return func() any { return *p }
}
