package datasource

import (
	"fmt"
	"strings"
)

// Dialect identifies a supported database family. The set is closed:
// adding a dialect means adding a constant here and a case in builtin.
type Dialect string

const (
	DialectPostgres  Dialect = "postgres"
	DialectRedshift  Dialect = "redshift"
	DialectSQLServer Dialect = "sqlserver"
	DialectMySQL     Dialect = "mysql"
	DialectSnowflake Dialect = "snowflake"
	DialectBigQuery  Dialect = "bigquery"
	DialectDuckDB    Dialect = "duckdb"
)

// AllDialects returns every supported dialect in a stable order.
func AllDialects() []Dialect {
	return []Dialect{
		DialectPostgres,
		DialectRedshift,
		DialectSQLServer,
		DialectMySQL,
		DialectSnowflake,
		DialectBigQuery,
		DialectDuckDB,
	}
}

// Valid reports whether d is one of the supported dialects.
func (d Dialect) Valid() bool {
	for _, known := range AllDialects() {
		if d == known {
			return true
		}
	}
	return false
}

func (d Dialect) String() string { return string(d) }

var dialectAliases = map[string]Dialect{
	"postgresql": DialectPostgres,
	"pg":         DialectPostgres,
	"mssql":      DialectSQLServer,
	"azuresql":   DialectSQLServer,
	"bq":         DialectBigQuery,
	"mariadb":    DialectMySQL,
}

// ParseDialect normalizes a user-supplied dialect tag.
func ParseDialect(s string) (Dialect, error) {
	tag := strings.ToLower(strings.TrimSpace(s))
	if alias, ok := dialectAliases[tag]; ok {
		return alias, nil
	}
	d := Dialect(tag)
	if !d.Valid() {
		return "", fmt.Errorf("unknown dialect %q", s)
	}
	return d, nil
}

// LimitStyle selects how a row limit reaches the database.
type LimitStyle int

const (
	// LimitClientSide stops reading after the limit; nothing is rewritten.
	LimitClientSide LimitStyle = iota
	// LimitClause wraps the statement: SELECT * FROM (<sql>) AS _limited LIMIT n
	LimitClause
	// LimitTop wraps the statement: SELECT TOP (n) * FROM (<sql>) AS _limited
	LimitTop
)

// Capabilities describes per-dialect execution features.
type Capabilities struct {
	Limit LimitStyle
	// NativeTimeout means the session applies QueryOptions.Timeout server side
	// in addition to the executor's watchdog.
	NativeTimeout bool
	// WrapCTE allows WITH statements inside a derived table.
	WrapCTE bool
}
