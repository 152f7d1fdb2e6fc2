package state

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Dir holds the file and sqlite backends' data.
	Dir string
	// DSN is the Postgres connection string.
	DSN string
	// RedisURL is a redis:// URL.
	RedisURL    string
	RedisPrefix string
	// ReadOnly disables writes to the file backend's log (dry runs).
	ReadOnly bool
}

// Open returns the configured backend.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	switch opts.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile, "":
		return NewFileStore(opts.Dir, !opts.ReadOnly, logger)
	case BackendSQLite:
		return OpenSQLite(ctx, opts.Dir)
	case BackendPostgres:
		return OpenSQL(ctx, DriverPostgres, opts.DSN)
	case BackendRedis:
		return OpenRedis(ctx, opts.RedisURL, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.Backend)
	}
}
