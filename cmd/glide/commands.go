package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Glide/pkg/cli"
	"github.com/wehubfusion/Glide/pkg/concurrency"
	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
	"github.com/wehubfusion/Glide/pkg/executor"
	"github.com/wehubfusion/Glide/pkg/pipeline"
	"github.com/wehubfusion/Glide/pkg/runner"
)

const (
	workersArg = "workers"
	timeoutArg = "timeout"
	configFlag = "--config"
)

// hidden from every surface; these come from global state
var sharedParams = []string{"conn", "nc", "client"}

func newRootCmd(r *resources, logger *zap.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "glide",
		Short:         "Run data pipelines from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(r, logger), newDescribeCmd(r, logger), newListCmd())
	return root
}

// newRunCmd parses its own arguments: the flags depend on the pipeline named
// by the first argument.
func newRunCmd(r *resources, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:                "run PIPELINE [--config FILE] [flags] DATA...",
		Short:              "Run a registered pipeline over the given data",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
				return cmd.Help()
			}
			rest, err := takeConfigFlag(args[1:])
			if err != nil {
				return err
			}
			sub, err := pipelineCommand(args[0], r, logger)
			if err != nil {
				return err
			}
			sub.SetArgs(rest)
			sub.SetOut(cmd.OutOrStdout())
			sub.SetErr(cmd.ErrOrStderr())
			return sub.ExecuteContext(cmd.Context())
		},
	}
}

func newDescribeCmd(r *resources, logger *zap.Logger) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "describe PIPELINE",
		Short: "Print the arguments a pipeline accepts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := os.Setenv(configEnv, configPath); err != nil {
					return err
				}
			}
			s, err := newSurface(args[0], r, logger)
			if err != nil {
				return err
			}
			s.Describe(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML file with node contexts, global values and surface options")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered pipelines",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range pipeline.Registered() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

// takeConfigFlag removes --config from args and exports its value through
// GLIDE_CONFIG, which worker processes inherit.
func takeConfigFlag(args []string) ([]string, error) {
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		var path string
		switch {
		case arg == "--":
			return append(rest, args[i:]...), nil
		case arg == configFlag:
			if i+1 >= len(args) {
				return nil, glideerrors.InvalidConfiguration("%s requires a file path", configFlag)
			}
			i++
			path = args[i]
		case strings.HasPrefix(arg, configFlag+"="):
			path = strings.TrimPrefix(arg, configFlag+"=")
		default:
			rest = append(rest, arg)
			continue
		}
		if path == "" {
			return nil, glideerrors.InvalidConfiguration("%s requires a file path", configFlag)
		}
		if err := os.Setenv(configEnv, path); err != nil {
			return nil, err
		}
	}
	return rest, nil
}

func newSurface(name string, r *resources, logger *zap.Logger) (*cli.Surface, error) {
	p, err := pipeline.Build(name)
	if err != nil {
		return nil, err
	}
	cfg, err := r.config()
	if err != nil {
		return nil, err
	}
	return cli.NewSurface(p, cfg.SurfaceOptions(cli.Options{
		Blacklist: sharedParams,
		Custom: []cli.Arg{
			{Name: workersArg, Kind: cli.KindInt, Default: 1, Help: "pipeline instances to run in parallel"},
			{Name: timeoutArg, Kind: cli.KindDuration, Default: time.Duration(0), Help: "bound on the whole run, 0 for none"},
		},
		Logger: logger,
	}))
}

func pipelineCommand(name string, r *resources, logger *zap.Logger) (*cobra.Command, error) {
	s, err := newSurface(name, r, logger)
	if err != nil {
		return nil, err
	}
	cmd := s.Command(name, runPipeline(s.Pipeline(), logger))
	cmd.SilenceErrors = true
	return cmd, nil
}

// runPipeline consumes the data with p, or with a parallel runner when more
// than one worker is requested.
func runPipeline(p *pipeline.Pipeline, logger *zap.Logger) cli.RunFunc {
	return func(ctx context.Context, inv cli.Invocation) error {
		workers, _ := inv.Extras[workersArg].(int)
		timeout, _ := inv.Extras[timeoutArg].(time.Duration)

		if workers <= 1 {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return p.Consume(ctx, inv.Data, inv.Contexts)
		}

		backend, err := newBackend(logger)
		if err != nil {
			return err
		}
		rn, err := runner.NewParallelRunner(p.Name(), backend, workers,
			runner.WithLogger(logger),
			runner.WithRunTimeout(timeout))
		if err != nil {
			return err
		}
		defer rn.Close()
		return rn.Run(ctx, inv.Data, inv.Contexts)
	}
}

// newBackend picks the fan-out backend named by GLIDE_BACKEND.
func newBackend(logger *zap.Logger) (pipeline.Backend, error) {
	cfg := concurrency.LoadConfig()
	logger.Debug("concurrency config", zap.String("config", cfg.String()))
	if cfg.Backend == concurrency.BackendProcess {
		b, err := executor.NewProcessBackend(
			executor.WithProcessWorkers(cfg.MaxWorkers),
			executor.WithProcessLogger(logger))
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return executor.NewThreadBackend(
		executor.WithMaxWorkers(cfg.MaxWorkers),
		executor.WithThreadLogger(logger)), nil
}
