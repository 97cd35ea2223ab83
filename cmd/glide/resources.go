package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	internalnats "github.com/wehubfusion/Glide/internal/nats"
	"github.com/wehubfusion/Glide/pkg/config"
	"github.com/wehubfusion/Glide/pkg/storage"
)

const (
	dbEnv     = "GLIDE_DB"
	configEnv = "GLIDE_CONFIG"
	defaultDB = "glide.db"
)

// resources are opened at most once per process and shared by every
// pipeline instance built in it. Worker processes open their own from the
// same environment.
type resources struct {
	logger *zap.Logger

	db     func() (*sql.DB, error)
	nc     func() (*nats.Conn, error)
	blob   func() (*storage.AzureBlobClient, error)
	config func() (*config.File, error)

	mu     sync.Mutex
	closed []func() error
}

func newResources(logger *zap.Logger) *resources {
	r := &resources{logger: logger}
	r.db = sync.OnceValues(r.openDB)
	r.nc = sync.OnceValues(r.connectNATS)
	r.blob = sync.OnceValues(func() (*storage.AzureBlobClient, error) {
		return storage.NewAzureBlobClientFromEnv(logger)
	})
	r.config = sync.OnceValues(loadConfig)
	return r
}

func (r *resources) openDB() (*sql.DB, error) {
	dsn := os.Getenv(dbEnv)
	if dsn == "" {
		dsn = defaultDB
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	r.onClose(db.Close)
	r.logger.Debug("opened database", zap.String("dsn", dsn))
	return db, nil
}

// connectNATS returns nil when GLIDE_NATS_URL is unset.
func (r *resources) connectNATS() (*nats.Conn, error) {
	cfg := internalnats.ConfigFromEnv()
	if cfg == nil {
		return nil, nil
	}
	nc, err := internalnats.Connect(context.Background(), cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.onClose(func() error { return internalnats.Close(nc) })
	return nc, nil
}

func (r *resources) onClose(fn func() error) {
	r.mu.Lock()
	r.closed = append(r.closed, fn)
	r.mu.Unlock()
}

// Close releases everything opened so far, newest first.
func (r *resources) Close() error {
	r.mu.Lock()
	fns := r.closed
	r.closed = nil
	r.mu.Unlock()

	var err error
	for i := len(fns) - 1; i >= 0; i-- {
		err = multierr.Append(err, fns[i]())
	}
	return err
}

// loadConfig reads the file named by GLIDE_CONFIG; no file yields an empty config.
func loadConfig() (*config.File, error) {
	path := os.Getenv(configEnv)
	if path == "" {
		return &config.File{}, nil
	}
	f, err := config.LoadFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return f, nil
}
