package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SourceRealtime = "realtime"
	SourceNATS     = "nats"
	SourceBinlog   = "binlog"

	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// ErrInvalidIdentifier is returned for schema, table or column names that
// cannot be safely interpolated into SQL
var ErrInvalidIdentifier = errors.New("invalid SQL identifier")

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Target    TargetConfig    `yaml:"target"`
	Source    string          `yaml:"source"` // realtime, nats, binlog
	Realtime  RealtimeConfig  `yaml:"realtime"`
	NATS      NATSConfig      `yaml:"nats"`
	Binlog    BinlogConfig    `yaml:"binlog"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Runner    RunnerConfig    `yaml:"runner"`
	Preflight PreflightConfig `yaml:"preflight"`
	Filter    FilterConfig    `yaml:"filter"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres, mysql
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`   // postgres only
	MaxConns int32  `yaml:"max_conns"` // pool size
}

// TargetConfig names the table the test writes to and watches
type TargetConfig struct {
	Schema string `yaml:"schema"`
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
}

type RealtimeConfig struct {
	URL               string        `yaml:"url"`
	APIKey            string        `yaml:"api_key"`
	Channel           string        `yaml:"channel"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	ReportSubject string        `yaml:"report_subject"` // optional, publishes the run report
}

type BinlogConfig struct {
	ServerID uint32 `yaml:"server_id"`
	Flavor   string `yaml:"flavor"` // mysql, mariadb
}

type TimeoutsConfig struct {
	Subscribe time.Duration `yaml:"subscribe"`
	Event     time.Duration `yaml:"event"`
}

type RunnerConfig struct {
	Iterations int  `yaml:"iterations"`
	RequireAll bool `yaml:"require_all"` // fail unless every change was observed
}

type PreflightConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Publication string `yaml:"publication"`
}

type FilterConfig struct {
	Script string `yaml:"script"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// LoadConfig reads the YAML file at path, expanding ${VAR} references from
// the environment so credentials can stay out of the file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes config data, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Source == "" {
		c.Source = SourceRealtime
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Database.Port == 0 {
		if c.Database.Driver == DriverMySQL {
			c.Database.Port = 3306
		} else {
			c.Database.Port = 5432
		}
	}
	if c.Database.Name == "" && c.Database.Driver == DriverPostgres {
		c.Database.Name = "postgres"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 4
	}
	if c.Target.Schema == "" {
		// MySQL has no schemas below the database
		if c.Database.Driver == DriverMySQL {
			c.Target.Schema = c.Database.Name
		} else {
			c.Target.Schema = "public"
		}
	}
	if c.Target.Table == "" {
		c.Target.Table = "realtime_test"
	}
	if c.Target.Column == "" {
		c.Target.Column = "name"
	}
	if c.Realtime.Channel == "" {
		c.Realtime.Channel = c.Target.Schema + ":" + c.Target.Table
	}
	if c.Realtime.HeartbeatInterval == 0 {
		c.Realtime.HeartbeatInterval = 25 * time.Second
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Binlog.Flavor == "" {
		c.Binlog.Flavor = "mysql"
	}
	if c.Binlog.ServerID == 0 {
		c.Binlog.ServerID = 1001
	}
	if c.Timeouts.Subscribe == 0 {
		c.Timeouts.Subscribe = 2 * time.Second
	}
	if c.Timeouts.Event == 0 {
		c.Timeouts.Event = 5 * time.Second
	}
	if c.Runner.Iterations == 0 {
		c.Runner.Iterations = 1
	}
	if c.Preflight.Publication == "" {
		c.Preflight.Publication = "supabase_realtime"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the combination of source, driver and identifiers
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverMySQL:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port %d is out of range", c.Database.Port)
	}

	for _, ident := range []string{c.Target.Schema, c.Target.Table, c.Target.Column} {
		if !identifierPattern.MatchString(ident) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, ident)
		}
	}

	switch c.Source {
	case SourceRealtime:
		if c.Realtime.URL == "" {
			return errors.New("realtime.url is required for the realtime source")
		}
	case SourceNATS:
		if c.NATS.URL == "" || c.NATS.Subject == "" {
			return errors.New("nats.url and nats.subject are required for the nats source")
		}
	case SourceBinlog:
		if c.Database.Driver != DriverMySQL {
			return errors.New("the binlog source requires the mysql driver")
		}
	default:
		return fmt.Errorf("unsupported source %q", c.Source)
	}

	if c.NATS.ReportSubject != "" && c.NATS.URL == "" {
		return errors.New("nats.url is required to publish reports")
	}

	if c.Runner.Iterations < 0 {
		return errors.New("runner.iterations must not be negative")
	}
	return nil
}
