package store

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"realtime-e2e/internal/config"
)

// MySQL is a database/sql pool backed by go-sql-driver/mysql
type MySQL struct {
	db      *sql.DB
	dialect Dialect
	logger  *logrus.Logger
}

// MySQLDSN builds a go-sql-driver DSN from the database config
func MySQLDSN(cfg config.DatabaseConfig) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Name
	mc.ParseTime = true
	mc.Timeout = 10 * time.Second
	return mc.FormatDSN()
}

func OpenMySQL(ctx context.Context, cfg config.DatabaseConfig, target config.TargetConfig, logger *logrus.Logger) (*MySQL, error) {
	db, err := sql.Open("mysql", MySQLDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(int(cfg.MaxConns))
		db.SetMaxIdleConns(int(cfg.MaxConns))
	}

	logger.Infof("Created MySQL pool for %s:%d/%s", cfg.Host, cfg.Port, cfg.Name)

	return &MySQL{
		db:      db,
		dialect: NewDialect(config.DriverMySQL, target),
		logger:  logger,
	}, nil
}

func (m *MySQL) Dialect() Dialect { return m.dialect }

func (m *MySQL) Acquire(ctx context.Context) (Conn, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire MySQL connection: %w", err)
	}
	return &mysqlConn{conn: conn, logger: m.logger}, nil
}

func (m *MySQL) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQL) Close() {
	if err := m.db.Close(); err != nil {
		m.logger.Warnf("Failed to close MySQL pool: %v", err)
	}
}

type mysqlConn struct {
	conn   *sql.Conn
	logger *logrus.Logger
}

func (c *mysqlConn) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *mysqlConn) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

// Release returns the connection to the pool
func (c *mysqlConn) Release() {
	if err := c.conn.Close(); err != nil {
		c.logger.Debugf("Failed to release MySQL connection: %v", err)
	}
}
