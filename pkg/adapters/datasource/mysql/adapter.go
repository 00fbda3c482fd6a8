// Package mysql provides the MySQL and MariaDB adapter.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource/sqldb"
	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datasource/pkg/config"
)

// Config contains MySQL connection options.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      string
	Schemas  []string
}

// DefaultPort returns the default MySQL port.
func DefaultPort() int { return 3306 }

// FromMap creates a Config from merged params and credentials.
func FromMap(params map[string]any) (*Config, error) {
	cfg := &Config{Port: DefaultPort(), TLS: "preferred"}

	host, _ := params["host"].(string)
	if host == "" {
		return nil, fmt.Errorf("host is required")
	}
	cfg.Host = host

	switch port := params["port"].(type) {
	case float64:
		cfg.Port = int(port)
	case int:
		cfg.Port = port
	}

	if cfg.User, _ = params["user"].(string); cfg.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	cfg.Password, _ = params["password"].(string)

	if cfg.Database, _ = params["database"].(string); cfg.Database == "" {
		return nil, fmt.Errorf("database is required")
	}
	if tls, ok := params["tls"].(string); ok && tls != "" {
		cfg.TLS = tls
	}
	cfg.Schemas = schemaList(params["schemas"])
	return cfg, nil
}

func schemaList(v any) []string {
	var out []string
	switch list := v.(type) {
	case []string:
		out = list
	case []any:
		for _, s := range list {
			if str, ok := s.(string); ok && str != "" {
				out = append(out, str)
			}
		}
	case string:
		for _, s := range strings.Split(list, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// driverConfig builds the driver configuration directly so the password
// never passes through a DSN string.
func driverConfig(cfg *Config) *gomysql.Config {
	dc := gomysql.NewConfig()
	dc.User = cfg.User
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = net.JoinHostPort(config.ResolveHostForDocker(cfg.Host), strconv.Itoa(cfg.Port))
	dc.DBName = cfg.Database
	dc.TLSConfig = cfg.TLS
	dc.ParseTime = true
	dc.Timeout = 30 * time.Second
	return dc
}

// Adapter provides MySQL connectivity.
type Adapter struct{}

// New returns the MySQL adapter.
func New() *Adapter { return &Adapter{} }

var _ datasource.Adapter = (*Adapter)(nil)

func (a *Adapter) Dialect() datasource.Dialect { return datasource.DialectMySQL }

func (a *Adapter) Info() datasource.AdapterInfo {
	return datasource.AdapterInfo{
		Dialect:     datasource.DialectMySQL,
		DisplayName: "MySQL",
		Description: "MySQL and MariaDB",
	}
}

// Capabilities: derived-table limits are left client side because MySQL
// rejects some statements inside derived tables.
func (a *Adapter) Capabilities() datasource.Capabilities {
	return datasource.Capabilities{Limit: datasource.LimitClientSide, NativeTimeout: true}
}

func (a *Adapter) Connect(ctx context.Context, cfg *datasource.DataSourceConfig, creds *datasource.Credentials) (datasource.Session, error) {
	myCfg, err := FromMap(datasource.ConnectParams(cfg, creds))
	if err != nil {
		return nil, err
	}
	connector, err := gomysql.NewConnector(driverConfig(myCfg))
	if err != nil {
		return nil, fmt.Errorf("invalid mysql connection parameters: %w", err)
	}
	s, err := sqldb.OpenConnector(ctx, connector, sqldb.Options{SetTimeout: setMaxExecutionTime})
	if err != nil {
		return nil, fmt.Errorf("connect to mysql: %w", err)
	}
	return s, nil
}

// setMaxExecutionTime bounds SELECT statements server side.
func setMaxExecutionTime(ctx context.Context, conn *sql.Conn, timeout time.Duration) error {
	_, err := conn.ExecContext(ctx, fmt.Sprintf("SET SESSION max_execution_time = %d", timeout.Milliseconds()))
	return err
}

func (a *Adapter) MapType(native string) datasource.CanonicalType {
	return mysqlTypes.Map(native)
}

func (a *Adapter) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (a *Adapter) QuoteLiteral(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `''`)
	return "'" + r.Replace(value) + "'"
}

const catalogQuery = `
	SELECT
		c.table_catalog,
		c.table_schema,
		c.table_name,
		c.column_name,
		c.column_type,
		c.is_nullable,
		c.ordinal_position,
		t.table_type,
		t.table_rows AS row_count
	FROM information_schema.columns c
	JOIN information_schema.tables t
	  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
	WHERE c.table_schema NOT IN ('mysql', 'information_schema', 'performance_schema', 'sys')
	  %s
	ORDER BY c.table_schema, c.table_name, c.ordinal_position`

// CatalogQuery uses column_type so tinyint(1) keeps its display width. A
// "schemas" param narrows the result; otherwise the connected database is used.
func (a *Adapter) CatalogQuery(cfg *datasource.DataSourceConfig) string {
	params := datasource.ConnectParams(cfg, nil)
	schemas := schemaList(params["schemas"])
	if len(schemas) == 0 {
		return fmt.Sprintf(catalogQuery, "AND c.table_schema = DATABASE()")
	}
	quoted := make([]string, len(schemas))
	for i, s := range schemas {
		quoted[i] = a.QuoteLiteral(s)
	}
	return fmt.Sprintf(catalogQuery, "AND c.table_schema IN ("+strings.Join(quoted, ", ")+")")
}

// errorKinds maps MySQL server error numbers.
var errorKinds = map[uint16]apperrors.Kind{
	1064: apperrors.KindSyntax,
	1054: apperrors.KindNotFound,
	1146: apperrors.KindNotFound,
	1049: apperrors.KindNotFound,
	1142: apperrors.KindPermission,
	1143: apperrors.KindPermission,
	1044: apperrors.KindPermission,
	1045: apperrors.KindAuth,
	1862: apperrors.KindAuth,
	3024: apperrors.KindTimeout,
	1317: apperrors.KindCancelled,
	1040: apperrors.KindRateLimited,
	1203: apperrors.KindRateLimited,
	1226: apperrors.KindRateLimited,
	2006: apperrors.KindConnectionLost,
	2013: apperrors.KindConnectionLost,
}

func (a *Adapter) ClassifyError(err error) *apperrors.Error {
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		if kind, ok := errorKinds[myErr.Number]; ok {
			return apperrors.Wrap(kind, "", err).WithCode(strconv.Itoa(int(myErr.Number)))
		}
		if myErr.SQLState != [5]byte{} {
			return datasource.FromSQLState(string(myErr.SQLState[:]), err)
		}
		return nil
	}
	if errors.Is(err, gomysql.ErrInvalidConn) {
		return apperrors.Wrap(apperrors.KindConnectionLost, "", err)
	}
	return nil
}

var mysqlTypes = datasource.TypeTable{
	Rules: []datasource.TypeRule{
		{Prefix: "tinyint(1)", Type: datasource.CanonicalBoolean},
	},
	Exact: map[string]datasource.CanonicalType{
		"tinyint":            datasource.CanonicalBigInt,
		"smallint":           datasource.CanonicalBigInt,
		"mediumint":          datasource.CanonicalBigInt,
		"int":                datasource.CanonicalBigInt,
		"integer":            datasource.CanonicalBigInt,
		"bigint":             datasource.CanonicalBigInt,
		"tinyint unsigned":   datasource.CanonicalBigInt,
		"smallint unsigned":  datasource.CanonicalBigInt,
		"mediumint unsigned": datasource.CanonicalBigInt,
		"int unsigned":       datasource.CanonicalBigInt,
		"bigint unsigned":    datasource.CanonicalDecimal,
		"unsigned bigint":    datasource.CanonicalDecimal,
		"unsigned int":       datasource.CanonicalBigInt,
		"unsigned mediumint": datasource.CanonicalBigInt,
		"unsigned smallint":  datasource.CanonicalBigInt,
		"unsigned tinyint":   datasource.CanonicalBigInt,
		"decimal unsigned":   datasource.CanonicalDecimal,
		"double unsigned":    datasource.CanonicalFloat,
		"float unsigned":     datasource.CanonicalFloat,
		"year":               datasource.CanonicalBigInt,
		"bit":                datasource.CanonicalBigInt,
		"float":              datasource.CanonicalFloat,
		"double":             datasource.CanonicalFloat,
		"decimal":            datasource.CanonicalDecimal,
		"numeric":            datasource.CanonicalDecimal,
		"bool":               datasource.CanonicalBoolean,
		"boolean":            datasource.CanonicalBoolean,
		"char":               datasource.CanonicalText,
		"varchar":            datasource.CanonicalText,
		"tinytext":           datasource.CanonicalText,
		"text":               datasource.CanonicalText,
		"mediumtext":         datasource.CanonicalText,
		"longtext":           datasource.CanonicalText,
		"enum":               datasource.CanonicalText,
		"set":                datasource.CanonicalText,
		"binary":             datasource.CanonicalBytea,
		"varbinary":          datasource.CanonicalBytea,
		"tinyblob":           datasource.CanonicalBytea,
		"blob":               datasource.CanonicalBytea,
		"mediumblob":         datasource.CanonicalBytea,
		"longblob":           datasource.CanonicalBytea,
		"date":               datasource.CanonicalDate,
		"time":               datasource.CanonicalTime,
		"datetime":           datasource.CanonicalDatetime,
		"timestamp":          datasource.CanonicalTimestamp,
		"json":               datasource.CanonicalJSON,
		"geometry":           datasource.CanonicalGeography,
		"point":              datasource.CanonicalGeography,
		"linestring":         datasource.CanonicalGeography,
		"polygon":            datasource.CanonicalGeography,
	},
}
