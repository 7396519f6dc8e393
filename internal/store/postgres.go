package store

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"realtime-e2e/internal/config"
)

// Postgres is a pgx connection pool
type Postgres struct {
	pool    *pgxpool.Pool
	dialect Dialect
	logger  *logrus.Logger
}

// PostgresDSN builds a postgres:// URL from the database config
func PostgresDSN(cfg config.DatabaseConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	q := u.Query()
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	if cfg.MaxConns > 0 {
		q.Set("pool_max_conns", strconv.Itoa(int(cfg.MaxConns)))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// OpenPostgres creates the pool. pgxpool connects lazily, so Open pings it.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig, target config.TargetConfig, logger *logrus.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, PostgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	logger.Infof("Created postgres pool for %s:%d/%s", cfg.Host, cfg.Port, cfg.Name)

	return &Postgres{
		pool:    pool,
		dialect: NewDialect(config.DriverPostgres, target),
		logger:  logger,
	}, nil
}

func (p *Postgres) Dialect() Dialect { return p.dialect }

func (p *Postgres) Acquire(ctx context.Context) (Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire postgres connection: %w", err)
	}
	return &postgresConn{conn: conn}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

type postgresConn struct {
	conn *pgxpool.Conn
}

func (c *postgresConn) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tag, err := c.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *postgresConn) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return c.conn.QueryRow(ctx, query, args...)
}

func (c *postgresConn) Release() {
	c.conn.Release()
}
