// Package dialect provides the SQL differences between the databases the
// gateway can keep shared counters in.
package dialect

import (
	"fmt"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// DriverName returns the database/sql driver name to use.
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	Rebind(query string) string

	// BigIntType returns the SQL type for 64-bit integers.
	BigIntType() string

	// TextType returns the SQL type for keys.
	TextType() string

	// PragmaStatements returns initialization statements run once per pool.
	PragmaStatements() []string
}

// DialectType represents supported database types.
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
)

// New creates a Dialect for dialectType.
func New(dialectType DialectType) (Dialect, error) {
	switch dialectType {
	case SQLite:
		return &sqliteDialect{}, nil
	case Postgres:
		return &postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialectType)
	}
}

// FromDriverName returns the dialect for a configured driver name.
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return &sqliteDialect{}, nil
	case "postgres", "postgresql", "pq":
		return &postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

// sqliteDialect is served by modernc.org/sqlite.
type sqliteDialect struct{}

func (d *sqliteDialect) Name() string { return "sqlite" }

func (d *sqliteDialect) DriverName() string { return "sqlite" }

func (d *sqliteDialect) Rebind(query string) string { return query }

func (d *sqliteDialect) BigIntType() string { return "INTEGER" }

func (d *sqliteDialect) TextType() string { return "TEXT" }

func (d *sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
}

// postgresDialect is served by github.com/lib/pq.
type postgresDialect struct{}

func (d *postgresDialect) Name() string { return "postgres" }

func (d *postgresDialect) DriverName() string { return "postgres" }

func (d *postgresDialect) Rebind(query string) string {
	var result strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&result, "$%d", idx)
			idx++
		} else {
			result.WriteRune(ch)
		}
	}
	return result.String()
}

func (d *postgresDialect) BigIntType() string { return "BIGINT" }

func (d *postgresDialect) TextType() string { return "TEXT" }

func (d *postgresDialect) PragmaStatements() []string { return nil }
