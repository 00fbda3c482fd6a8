// Package snowflake provides the Snowflake adapter.
package snowflake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	sf "github.com/snowflakedb/gosnowflake"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource/sqldb"
	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
)

// Config contains Snowflake connection options. Exactly one of Password,
// Token or PrivateKey authenticates the user.
type Config struct {
	Account    string
	User       string
	Password   string
	Token      string
	// PrivateKey is a PEM encoded RSA key for key pair authentication.
	PrivateKey string
	Database   string
	Schema     string
	Warehouse  string
	Role       string
	Schemas    []string
}

// FromMap creates a Config from merged params and credentials.
func FromMap(params map[string]any) (*Config, error) {
	str := func(key string) string {
		s, _ := params[key].(string)
		return strings.TrimSpace(s)
	}

	cfg := &Config{
		Account:    str("account"),
		User:       str("user"),
		Password:   str("password"),
		Token:      str("access_token"),
		PrivateKey: str("private_key"),
		Database:   str("database"),
		Schema:     str("schema"),
		Warehouse:  str("warehouse"),
		Role:       str("role"),
	}
	if cfg.Account == "" {
		return nil, fmt.Errorf("account is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.User == "" && cfg.Token == "" {
		return nil, fmt.Errorf("user is required")
	}
	if cfg.Password == "" && cfg.Token == "" && cfg.PrivateKey == "" {
		return nil, fmt.Errorf("password, access_token or private_key is required")
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
			if name, ok := s.(string); ok && name != "" {
				out = append(out, name)
			}
		}
	case string:
		for _, name := range strings.Split(list, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

// driverConfig picks the authenticator from the credentials present.
func driverConfig(cfg *Config) (*sf.Config, error) {
	dc := &sf.Config{
		Account:      cfg.Account,
		User:         cfg.User,
		Database:     cfg.Database,
		Schema:       cfg.Schema,
		Warehouse:    cfg.Warehouse,
		Role:         cfg.Role,
		Application:  "ekaya-datasource",
		LoginTimeout: 30 * time.Second,
	}

	switch {
	case cfg.Token != "":
		dc.Authenticator = sf.AuthTypeOAuth
		dc.Token = cfg.Token
	case cfg.PrivateKey != "":
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("invalid private_key")
		}
		dc.Authenticator = sf.AuthTypeJwt
		dc.PrivateKey = key
	default:
		dc.Authenticator = sf.AuthTypeSnowflake
		dc.Password = cfg.Password
	}
	return dc, nil
}

// Adapter provides Snowflake connectivity.
type Adapter struct{}

// New returns the Snowflake adapter.
func New() *Adapter { return &Adapter{} }

var _ datasource.Adapter = (*Adapter)(nil)

func (a *Adapter) Dialect() datasource.Dialect { return datasource.DialectSnowflake }

func (a *Adapter) Info() datasource.AdapterInfo {
	return datasource.AdapterInfo{
		Dialect:     datasource.DialectSnowflake,
		DisplayName: "Snowflake",
		Description: "Snowflake data cloud",
	}
}

func (a *Adapter) Capabilities() datasource.Capabilities {
	return datasource.Capabilities{Limit: datasource.LimitClause, NativeTimeout: true, WrapCTE: true}
}

func (a *Adapter) Connect(ctx context.Context, cfg *datasource.DataSourceConfig, creds *datasource.Credentials) (datasource.Session, error) {
	sfCfg, err := FromMap(datasource.ConnectParams(cfg, creds))
	if err != nil {
		return nil, err
	}
	dc, err := driverConfig(sfCfg)
	if err != nil {
		return nil, err
	}

	connector := sf.NewConnector(sf.SnowflakeDriver{}, *dc)
	s, err := sqldb.OpenConnector(ctx, connector, sqldb.Options{SetTimeout: setStatementTimeout})
	if err != nil {
		return nil, fmt.Errorf("connect to snowflake: %w", err)
	}
	return s, nil
}

func setStatementTimeout(ctx context.Context, conn *sql.Conn, timeout time.Duration) error {
	seconds := int64(timeout / time.Second)
	if timeout > 0 && seconds == 0 {
		seconds = 1
	}
	_, err := conn.ExecContext(ctx, fmt.Sprintf("ALTER SESSION SET STATEMENT_TIMEOUT_IN_SECONDS = %d", seconds))
	return err
}

func (a *Adapter) MapType(native string) datasource.CanonicalType {
	return snowflakeTypes.Map(native)
}

func (a *Adapter) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
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
		c.data_type,
		c.is_nullable,
		c.ordinal_position,
		t.table_type,
		t.row_count
	FROM information_schema.columns c
	JOIN information_schema.tables t
	  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
	WHERE c.table_schema <> 'INFORMATION_SCHEMA'
	  %s
	ORDER BY c.table_schema, c.table_name, c.ordinal_position`

// CatalogQuery covers the configured database. Unquoted schema names are
// stored upper case.
func (a *Adapter) CatalogQuery(cfg *datasource.DataSourceConfig) string {
	filter := ""
	if schemas := schemaList(datasource.ConnectParams(cfg, nil)["schemas"]); len(schemas) > 0 {
		quoted := make([]string, len(schemas))
		for i, s := range schemas {
			quoted[i] = a.QuoteLiteral(strings.ToUpper(s))
		}
		filter = "AND c.table_schema IN (" + strings.Join(quoted, ", ") + ")"
	}
	return fmt.Sprintf(catalogQuery, filter)
}

// errorKinds maps Snowflake error numbers.
var errorKinds = map[int]apperrors.Kind{
	1003:   apperrors.KindSyntax,
	2003:   apperrors.KindNotFound,
	2043:   apperrors.KindNotFound,
	3001:   apperrors.KindPermission,
	604:    apperrors.KindCancelled,
	630:    apperrors.KindTimeout,
	390100: apperrors.KindAuth,
	390114: apperrors.KindAuth,
	390144: apperrors.KindAuth,
	390318: apperrors.KindAuth,
	390303: apperrors.KindAuth,
	390189: apperrors.KindRateLimited,
}

func (a *Adapter) ClassifyError(err error) *apperrors.Error {
	var sfErr *sf.SnowflakeError
	if !errors.As(err, &sfErr) {
		return nil
	}
	if kind, ok := errorKinds[sfErr.Number]; ok {
		return apperrors.Wrap(kind, "", err).WithCode(strconv.Itoa(sfErr.Number))
	}
	return datasource.FromSQLState(sfErr.SQLState, err)
}

var snowflakeTypes = datasource.TypeTable{
	Exact: map[string]datasource.CanonicalType{
		"number":        datasource.CanonicalDecimal,
		"decimal":       datasource.CanonicalDecimal,
		"numeric":       datasource.CanonicalDecimal,
		"fixed":         datasource.CanonicalDecimal,
		"int":           datasource.CanonicalBigInt,
		"integer":       datasource.CanonicalBigInt,
		"bigint":        datasource.CanonicalBigInt,
		"smallint":      datasource.CanonicalBigInt,
		"float":         datasource.CanonicalFloat,
		"double":        datasource.CanonicalFloat,
		"real":          datasource.CanonicalFloat,
		"boolean":       datasource.CanonicalBoolean,
		"text":          datasource.CanonicalText,
		"varchar":       datasource.CanonicalText,
		"string":        datasource.CanonicalText,
		"char":          datasource.CanonicalText,
		"binary":        datasource.CanonicalBytea,
		"varbinary":     datasource.CanonicalBytea,
		"date":          datasource.CanonicalDate,
		"time":          datasource.CanonicalTime,
		"timestamp_ntz": datasource.CanonicalDatetime,
		"datetime":      datasource.CanonicalDatetime,
		"timestamp_ltz": datasource.CanonicalTimestamp,
		"timestamp_tz":  datasource.CanonicalTimestamp,
		"variant":       datasource.CanonicalJSON,
		"object":        datasource.CanonicalJSON,
		"array":         datasource.CanonicalArray,
		"geography":     datasource.CanonicalGeography,
		"geometry":      datasource.CanonicalGeography,
	},
}
