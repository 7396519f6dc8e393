// Package preflight inspects the database for the settings change
// notifications depend on, so an empty run can say why.
package preflight

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"realtime-e2e/internal/config"
	"realtime-e2e/internal/store"
)

type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusUnknown Status = "unknown"
)

// Finding is the outcome of one check
type Finding struct {
	Check  string `json:"check"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// Checker validates the target database for change capture
type Checker struct {
	dialect     store.Dialect
	publication string
	logger      *logrus.Logger
}

// NewChecker creates a new checker for the pool's dialect
func NewChecker(dialect store.Dialect, publication string, logger *logrus.Logger) *Checker {
	return &Checker{
		dialect:     dialect,
		publication: publication,
		logger:      logger,
	}
}

// Run executes every check for the driver. Query failures become unknown
// findings; they never abort the run.
func (c *Checker) Run(ctx context.Context, conn store.Conn) []Finding {
	var findings []Finding
	if c.dialect.Driver == config.DriverMySQL {
		findings = c.checkMySQL(ctx, conn)
	} else {
		findings = c.checkPostgres(ctx, conn)
	}

	for _, f := range findings {
		switch f.Status {
		case StatusPass:
			c.logger.Infof("Preflight %s: %s", f.Check, f.Detail)
		case StatusFail:
			c.logger.Warnf("Preflight %s failed: %s", f.Check, f.Detail)
		default:
			c.logger.Warnf("Could not verify %s: %s", f.Check, f.Detail)
		}
	}
	return findings
}

// Problems returns the details of failed findings
func Problems(findings []Finding) []string {
	var out []string
	for _, f := range findings {
		if f.Status == StatusFail {
			out = append(out, f.Detail)
		}
	}
	return out
}

func unknown(check string, err error) Finding {
	return Finding{Check: check, Status: StatusUnknown, Detail: err.Error()}
}

func (c *Checker) checkPostgres(ctx context.Context, conn store.Conn) []Finding {
	table := c.dialect.QualifiedTable()
	var findings []Finding

	var walLevel string
	if err := conn.QueryRow(ctx, "SHOW wal_level").Scan(&walLevel); err != nil {
		findings = append(findings, unknown("wal_level", err))
	} else if walLevel != "logical" {
		findings = append(findings, Finding{"wal_level", StatusFail, fmt.Sprintf("wal_level is %q, logical replication requires 'logical'", walLevel)})
	} else {
		findings = append(findings, Finding{"wal_level", StatusPass, "wal_level is logical"})
	}

	var exists bool
	if err := conn.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&exists); err != nil {
		findings = append(findings, unknown("table", err))
		return findings
	}
	if !exists {
		// nothing else is meaningful without the table
		return append(findings, Finding{"table", StatusFail, fmt.Sprintf("table %s does not exist", table)})
	}
	findings = append(findings, Finding{"table", StatusPass, fmt.Sprintf("table %s exists", table)})

	var published bool
	err := conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_publication_tables
			WHERE pubname = $1 AND schemaname = $2 AND tablename = $3
		)`, c.publication, c.dialect.Schema, c.dialect.Table).Scan(&published)
	switch {
	case err != nil:
		findings = append(findings, unknown("publication", err))
	case !published:
		findings = append(findings, Finding{"publication", StatusFail, fmt.Sprintf("Publication %s might not include the %s table", c.publication, c.dialect.Table)})
	default:
		findings = append(findings, Finding{"publication", StatusPass, fmt.Sprintf("publication %s includes %s", c.publication, table)})
	}

	var identity string
	err = conn.QueryRow(ctx, "SELECT relreplident::text FROM pg_class WHERE oid = to_regclass($1)", table).Scan(&identity)
	switch {
	case err != nil:
		findings = append(findings, unknown("replica_identity", err))
	case identity == "f":
		findings = append(findings, Finding{"replica_identity", StatusPass, "replica identity is FULL"})
	default:
		// Not a failure: notifications still arrive, old records only carry the key
		findings = append(findings, Finding{"replica_identity", StatusPass, fmt.Sprintf("replica identity is %s, old records will only carry key columns", replicaIdentityName(identity))})
	}

	return findings
}

func replicaIdentityName(code string) string {
	switch code {
	case "d":
		return "DEFAULT"
	case "n":
		return "NOTHING"
	case "i":
		return "INDEX"
	case "f":
		return "FULL"
	default:
		return code
	}
}

func (c *Checker) checkMySQL(ctx context.Context, conn store.Conn) []Finding {
	var findings []Finding

	var logBin, binlogFormat string
	if err := conn.QueryRow(ctx, "SELECT @@log_bin, @@binlog_format").Scan(&logBin, &binlogFormat); err != nil {
		return append(findings, unknown("binlog", err))
	}

	if logBin == "0" || strings.EqualFold(logBin, "OFF") {
		findings = append(findings, Finding{"log_bin", StatusFail, "binary logging (log_bin) is not enabled. Enable it in MySQL configuration"})
	} else {
		findings = append(findings, Finding{"log_bin", StatusPass, "Binary logging is enabled"})
	}

	if !strings.EqualFold(binlogFormat, "ROW") {
		findings = append(findings, Finding{"binlog_format", StatusFail, fmt.Sprintf("binlog_format is set to '%s', but ROW format is required for row change events", binlogFormat)})
	} else {
		findings = append(findings, Finding{"binlog_format", StatusPass, "binlog_format is set to ROW"})
	}

	var exists bool
	err := conn.QueryRow(ctx, `
		SELECT COUNT(*) > 0 FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`, c.dialect.Schema, c.dialect.Table).Scan(&exists)
	switch {
	case err != nil:
		findings = append(findings, unknown("table", err))
	case !exists:
		findings = append(findings, Finding{"table", StatusFail, fmt.Sprintf("table %s does not exist", c.dialect.QualifiedTable())})
	default:
		findings = append(findings, Finding{"table", StatusPass, fmt.Sprintf("table %s exists", c.dialect.QualifiedTable())})
	}

	return findings
}
