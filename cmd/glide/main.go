// Command glide runs registered pipelines from the command line.
//
//	glide list
//	glide describe copy
//	glide run copy --load_table users_copy "SELECT id, name FROM users"
//
// The same binary serves process-backend workers when started with
// GLIDE_WORKER=1.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Glide/internal/tracing"
	"github.com/wehubfusion/Glide/pkg/concurrency"
	"github.com/wehubfusion/Glide/pkg/executor"
)

func main() {
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	os.Exit(run(logger))
}

func run(logger *zap.Logger) int {
	defer logger.Sync()

	undo := concurrency.InitializeForKubernetes(logger)
	defer undo()

	res := newResources(logger)
	defer func() {
		if err := res.Close(); err != nil {
			logger.Warn("failed to release resources", zap.Error(err))
		}
	}()
	registerPipelines(res)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if executor.IsWorker() {
		return executor.RunWorker(ctx, logger)
	}

	flush := setupSentry(logger)
	defer flush()

	shutdown, err := tracing.SetupTracing(ctx, tracing.DefaultConfig("glide"), logger)
	if err != nil {
		logger.Warn("failed to setup tracing, continuing without tracing", zap.Error(err))
	} else {
		defer tracing.ShutdownTracing(shutdown, logger)
	}

	if err := newRootCmd(res, logger).ExecuteContext(ctx); err != nil {
		sentry.CaptureException(err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// newLogger writes to stderr so worker stdout stays reserved for results.
// GLIDE_LOG_LEVEL overrides the production level.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if lvl := os.Getenv("GLIDE_LOG_LEVEL"); lvl != "" {
		level, err := zap.ParseAtomicLevel(lvl)
		if err != nil {
			return nil, err
		}
		cfg.Level = level
	}
	return cfg.Build()
}

// setupSentry enables error reporting when SENTRY_DSN is set and returns a
// flush func for shutdown.
func setupSentry(logger *zap.Logger) func() {
	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		return func() {}
	}
	env := os.Getenv("GLIDE_ENV")
	if env == "" {
		env = "development"
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Environment: env}); err != nil {
		logger.Warn("failed to initialize sentry", zap.Error(err))
		return func() {}
	}
	return func() { sentry.Flush(2 * time.Second) }
}
