// Package duckdb provides the embedded DuckDB adapter.
package duckdb

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	duckdb "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource/sqldb"
	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
)

// Adapter opens DuckDB database files. An empty path is an in-memory
// database private to the session.
type Adapter struct{}

// New returns the DuckDB adapter.
func New() *Adapter { return &Adapter{} }

var _ datasource.Adapter = (*Adapter)(nil)

func (a *Adapter) Dialect() datasource.Dialect { return datasource.DialectDuckDB }

func (a *Adapter) Info() datasource.AdapterInfo {
	return datasource.AdapterInfo{
		Dialect:     datasource.DialectDuckDB,
		DisplayName: "DuckDB",
		Description: "Embedded DuckDB database files",
	}
}

func (a *Adapter) Capabilities() datasource.Capabilities {
	return datasource.Capabilities{Limit: datasource.LimitClause, WrapCTE: true}
}

// buildDSN returns the database path with driver options. Files are opened
// read only unless read_only is explicitly false.
func buildDSN(params map[string]any) string {
	path, _ := params["path"].(string)
	if path == "" {
		path, _ = params["database"].(string)
	}

	query := url.Values{}
	readOnly := true
	if v, ok := params["read_only"].(bool); ok {
		readOnly = v
	}
	if readOnly && path != "" && path != ":memory:" {
		query.Set("access_mode", "READ_ONLY")
	}
	switch threads := params["threads"].(type) {
	case float64:
		query.Set("threads", strconv.Itoa(int(threads)))
	case int:
		query.Set("threads", strconv.Itoa(threads))
	}
	if token, ok := params["motherduck_token"].(string); ok && token != "" {
		query.Set("motherduck_token", token)
	}

	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}

func (a *Adapter) Connect(ctx context.Context, cfg *datasource.DataSourceConfig, creds *datasource.Credentials) (datasource.Session, error) {
	s, err := sqldb.Open(ctx, "duckdb", buildDSN(datasource.ConnectParams(cfg, creds)), sqldb.Options{Convert: convertValue})
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return s, nil
}

// convertValue renders driver structs as text.
func convertValue(col datasource.RawColumn, v any) any {
	switch val := v.(type) {
	case []byte:
		if strings.EqualFold(col.NativeType, "UUID") && len(val) == 16 {
			return uuid.UUID(val).String()
		}
	case duckdb.Interval:
		return fmt.Sprintf("%d months %d days %d microseconds", val.Months, val.Days, val.Micros)
	case duckdb.Decimal:
		return val.String()
	case []any:
		for i := range val {
			if val[i] != nil {
				val[i] = convertValue(datasource.RawColumn{}, val[i])
			}
		}
		return val
	}
	return v
}

func (a *Adapter) MapType(native string) datasource.CanonicalType {
	return duckdbTypes.Map(native)
}

func (a *Adapter) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (a *Adapter) QuoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

const catalogQuery = `
	SELECT
		c.table_catalog,
		c.table_schema,
		c.table_name,
		c.column_name,
		c.data_type,
		c.is_nullable,
		c.ordinal_position,
		t.table_type,
		d.estimated_size AS row_count
	FROM information_schema.columns c
	JOIN information_schema.tables t
	  ON t.table_catalog = c.table_catalog
	 AND t.table_schema = c.table_schema
	 AND t.table_name = c.table_name
	LEFT JOIN duckdb_tables() d
	  ON d.database_name = c.table_catalog
	 AND d.schema_name = c.table_schema
	 AND d.table_name = c.table_name
	WHERE c.table_schema NOT IN ('information_schema', 'pg_catalog')
	  AND c.table_catalog NOT IN ('system', 'temp')
	ORDER BY c.table_catalog, c.table_schema, c.table_name, c.ordinal_position`

func (a *Adapter) CatalogQuery(cfg *datasource.DataSourceConfig) string {
	return catalogQuery
}

// errorPrefixes maps DuckDB's error class prefixes.
var errorPrefixes = []struct {
	prefix string
	kind   apperrors.Kind
}{
	{"Parser Error", apperrors.KindSyntax},
	{"Binder Error", apperrors.KindSyntax},
	{"Conversion Error", apperrors.KindSyntax},
	{"Invalid Input Error", apperrors.KindSyntax},
	{"Constraint Error", apperrors.KindSyntax},
	{"Catalog Error", apperrors.KindNotFound},
	{"Permission Error", apperrors.KindPermission},
	{"INTERRUPT Error", apperrors.KindCancelled},
	{"Interrupt Error", apperrors.KindCancelled},
	{"Connection Error", apperrors.KindConnectionLost},
}

func (a *Adapter) ClassifyError(err error) *apperrors.Error {
	msg := err.Error()
	for _, p := range errorPrefixes {
		if strings.Contains(msg, p.prefix+":") {
			return apperrors.Wrap(p.kind, "", err).WithCode(p.prefix)
		}
	}
	return nil
}

var duckdbTypes = datasource.TypeTable{
	Rules: []datasource.TypeRule{
		{Suffix: "[]", Type: datasource.CanonicalArray},
		{Prefix: "list", Type: datasource.CanonicalArray},
		{Prefix: "struct", Type: datasource.CanonicalJSON},
		{Prefix: "map", Type: datasource.CanonicalJSON},
		{Prefix: "union", Type: datasource.CanonicalJSON},
	},
	Exact: map[string]datasource.CanonicalType{
		"tinyint":                  datasource.CanonicalBigInt,
		"smallint":                 datasource.CanonicalBigInt,
		"integer":                  datasource.CanonicalBigInt,
		"bigint":                   datasource.CanonicalBigInt,
		"utinyint":                 datasource.CanonicalBigInt,
		"usmallint":                datasource.CanonicalBigInt,
		"uinteger":                 datasource.CanonicalBigInt,
		"ubigint":                  datasource.CanonicalDecimal,
		"hugeint":                  datasource.CanonicalDecimal,
		"uhugeint":                 datasource.CanonicalDecimal,
		"float":                    datasource.CanonicalFloat,
		"double":                   datasource.CanonicalFloat,
		"decimal":                  datasource.CanonicalDecimal,
		"boolean":                  datasource.CanonicalBoolean,
		"varchar":                  datasource.CanonicalText,
		"uuid":                     datasource.CanonicalText,
		"enum":                     datasource.CanonicalText,
		"bit":                      datasource.CanonicalText,
		"blob":                     datasource.CanonicalBytea,
		"date":                     datasource.CanonicalDate,
		"time":                     datasource.CanonicalTime,
		"time with time zone":      datasource.CanonicalTime,
		"timestamp":                datasource.CanonicalDatetime,
		"timestamp_s":              datasource.CanonicalDatetime,
		"timestamp_ms":             datasource.CanonicalDatetime,
		"timestamp_ns":             datasource.CanonicalDatetime,
		"timestamp with time zone": datasource.CanonicalTimestamp,
		"timestamptz":              datasource.CanonicalTimestamp,
		"interval":                 datasource.CanonicalInterval,
		"json":                     datasource.CanonicalJSON,
		"geometry":                 datasource.CanonicalGeography,
	},
}
