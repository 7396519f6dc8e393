package store

import (
	"fmt"

	"realtime-e2e/internal/config"
)

// Dialect builds the three statements the test issues against the target
// table. Identifiers are validated by config before they reach here.
type Dialect struct {
	Driver string
	Schema string
	Table  string
	Column string
}

func NewDialect(driver string, target config.TargetConfig) Dialect {
	return Dialect{
		Driver: driver,
		Schema: target.Schema,
		Table:  target.Table,
		Column: target.Column,
	}
}

// QualifiedTable returns schema.table
func (d Dialect) QualifiedTable() string {
	if d.Schema == "" {
		return d.Table
	}
	return d.Schema + "." + d.Table
}

func (d Dialect) placeholder() string {
	if d.Driver == config.DriverMySQL {
		return "?"
	}
	return "$1"
}

// latestID selects the most recently inserted row. MySQL rejects a subquery
// on the table being modified, so it reads MAX(id) through a derived table.
func (d Dialect) latestID() string {
	if d.Driver == config.DriverMySQL {
		return fmt.Sprintf("(SELECT id FROM (SELECT MAX(id) AS id FROM %s) AS latest)", d.QualifiedTable())
	}
	return fmt.Sprintf("(SELECT MAX(id) FROM %s)", d.QualifiedTable())
}

func (d Dialect) InsertSQL() string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", d.QualifiedTable(), d.Column, d.placeholder())
}

func (d Dialect) UpdateLatestSQL() string {
	return fmt.Sprintf("UPDATE %s SET %s = %s WHERE id = %s", d.QualifiedTable(), d.Column, d.placeholder(), d.latestID())
}

func (d Dialect) DeleteLatestSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE id = %s", d.QualifiedTable(), d.latestID())
}
