// Package store wraps the database connection pool the test writes through.
// A pool hands out scoped connections that must be released when the unit
// of work is done.
package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"realtime-e2e/internal/config"
)

// Row is satisfied by both pgx.Row and *sql.Row
type Row interface {
	Scan(dest ...interface{}) error
}

// Pool is a reusable set of database connections
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Ping(ctx context.Context) error
	Dialect() Dialect
	Close()
}

// Conn is a connection borrowed from a Pool
type Conn interface {
	Exec(ctx context.Context, query string, args ...interface{}) (int64, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Release()
}

// Open creates the pool for the configured driver and checks that the
// server is reachable, so a bad DSN fails before any subscription is opened
func Open(ctx context.Context, cfg config.DatabaseConfig, target config.TargetConfig, logger *logrus.Logger) (Pool, error) {
	var (
		pool Pool
		err  error
	)
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err = OpenPostgres(ctx, cfg, target, logger)
	case config.DriverMySQL:
		pool, err = OpenMySQL(ctx, cfg, target, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := ping(ctx, pool); err != nil {
		return nil, err
	}
	logger.Infof("Connected to %s at %s:%d", cfg.Driver, cfg.Host, cfg.Port)
	return pool, nil
}

// ping closes the pool when the server cannot be reached
func ping(ctx context.Context, pool Pool) error {
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}
