package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-e2e/internal/config"
)

var target = config.TargetConfig{Schema: "public", Table: "realtime_test", Column: "name"}

func TestPostgresDialect(t *testing.T) {
	d := NewDialect(config.DriverPostgres, target)

	assert.Equal(t, "INSERT INTO public.realtime_test (name) VALUES ($1)", d.InsertSQL())
	assert.Equal(t, "UPDATE public.realtime_test SET name = $1 WHERE id = (SELECT MAX(id) FROM public.realtime_test)", d.UpdateLatestSQL())
	assert.Equal(t, "DELETE FROM public.realtime_test WHERE id = (SELECT MAX(id) FROM public.realtime_test)", d.DeleteLatestSQL())
}

func TestMySQLDialect(t *testing.T) {
	d := NewDialect(config.DriverMySQL, config.TargetConfig{Schema: "app", Table: "realtime_test", Column: "name"})

	assert.Equal(t, "INSERT INTO app.realtime_test (name) VALUES (?)", d.InsertSQL())
	assert.Equal(t, "UPDATE app.realtime_test SET name = ? WHERE id = (SELECT id FROM (SELECT MAX(id) AS id FROM app.realtime_test) AS latest)", d.UpdateLatestSQL())
	assert.Equal(t, "DELETE FROM app.realtime_test WHERE id = (SELECT id FROM (SELECT MAX(id) AS id FROM app.realtime_test) AS latest)", d.DeleteLatestSQL())
}

func TestQualifiedTableWithoutSchema(t *testing.T) {
	d := Dialect{Driver: config.DriverMySQL, Table: "t", Column: "c"}
	assert.Equal(t, "t", d.QualifiedTable())
}

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresDSN(config.DatabaseConfig{
		Host: "db.example.com", Port: 5432, Name: "postgres",
		User: "app", Password: "p@ss word", SSLMode: "require", MaxConns: 2,
	})

	cfg, err := pgx.ParseConfig(dsn)
	require.NoError(t, err)
	assert.Equal(t, "db.example.com", cfg.Host)
	assert.EqualValues(t, 5432, cfg.Port)
	assert.Equal(t, "postgres", cfg.Database)
	assert.Equal(t, "app", cfg.User)
	assert.Equal(t, "p@ss word", cfg.Password)
	assert.True(t, strings.Contains(dsn, "pool_max_conns=2"))
}

func TestMySQLDSN(t *testing.T) {
	dsn := MySQLDSN(config.DatabaseConfig{Host: "db", Port: 3306, Name: "app", User: "root", Password: "secret"})

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "db:3306", cfg.Addr)
	assert.Equal(t, "app", cfg.DBName)
	assert.Equal(t, "root", cfg.User)
	assert.Equal(t, "secret", cfg.Passwd)
	assert.True(t, cfg.ParseTime)
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "oracle"}, target, logrus.New())
	assert.Error(t, err)
}

type stubPool struct {
	Pool
	pingErr error
	closed  int
}

func (p *stubPool) Ping(context.Context) error { return p.pingErr }
func (p *stubPool) Close()                     { p.closed++ }

func TestPingClosesPoolOnFailure(t *testing.T) {
	pool := &stubPool{pingErr: errors.New("connection refused")}
	err := ping(context.Background(), pool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1, pool.closed)

	pool = &stubPool{}
	require.NoError(t, ping(context.Background(), pool))
	assert.Equal(t, 0, pool.closed)
}

// closedPort returns a local port nothing listens on
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestOpenFailsWhenServerUnreachable(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	for _, driver := range []string{config.DriverPostgres, config.DriverMySQL} {
		t.Run(driver, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			pool, err := Open(ctx, config.DatabaseConfig{
				Driver: driver, Host: "127.0.0.1", Port: closedPort(t), Name: "app",
				User: "u", Password: "p", SSLMode: "disable",
			}, target, logger)
			require.Error(t, err)
			assert.Nil(t, pool)
			assert.Contains(t, err.Error(), "failed to connect to database")
		})
	}
}

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping integration test")
	}
	pgcfg, err := pgx.ParseConfig(dsn)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	table := fmt.Sprintf("e2e_store_%d", time.Now().UnixNano())
	tgt := config.TargetConfig{Schema: "public", Table: table, Column: "name"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := OpenPostgres(ctx, config.DatabaseConfig{
		Host: pgcfg.Host, Port: int(pgcfg.Port), Name: pgcfg.Database,
		User: pgcfg.User, Password: pgcfg.Password, SSLMode: "disable",
	}, tgt, logger)
	require.NoError(t, err)
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("CREATE TABLE public.%s (id BIGSERIAL PRIMARY KEY, name TEXT)", table))
	require.NoError(t, err)
	defer conn.Exec(context.Background(), fmt.Sprintf("DROP TABLE public.%s", table))

	d := pool.Dialect()
	n, err := conn.Exec(ctx, d.InsertSQL(), "first")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = conn.Exec(ctx, d.InsertSQL(), "second")
	require.NoError(t, err)

	n, err = conn.Exec(ctx, d.UpdateLatestSQL(), "updated")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var name string
	require.NoError(t, conn.QueryRow(ctx, fmt.Sprintf("SELECT name FROM public.%s ORDER BY id DESC LIMIT 1", table)).Scan(&name))
	assert.Equal(t, "updated", name)

	n, err = conn.Exec(ctx, d.DeleteLatestSQL())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, conn.QueryRow(ctx, fmt.Sprintf("SELECT name FROM public.%s ORDER BY id DESC LIMIT 1", table)).Scan(&name))
	assert.Equal(t, "first", name)
}
