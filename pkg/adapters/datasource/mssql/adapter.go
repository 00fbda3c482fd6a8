package mssql

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/azuread"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource/sqldb"
	"github.com/ekaya-inc/ekaya-datasource/pkg/config"
)

// Adapter provides SQL Server connectivity with SQL, service principal and
// user delegation authentication.
type Adapter struct{}

// New returns the SQL Server adapter.
func New() *Adapter { return &Adapter{} }

var _ datasource.Adapter = (*Adapter)(nil)

func (a *Adapter) Dialect() datasource.Dialect { return datasource.DialectSQLServer }

func (a *Adapter) Info() datasource.AdapterInfo {
	return datasource.AdapterInfo{
		Dialect:     datasource.DialectSQLServer,
		DisplayName: "Microsoft SQL Server",
		Description: "SQL Server and Azure SQL Database",
	}
}

// Capabilities: SQL Server has no session statement timeout; cancellation
// relies on the driver honoring the context.
func (a *Adapter) Capabilities() datasource.Capabilities {
	return datasource.Capabilities{Limit: datasource.LimitTop}
}

// buildDSN returns the driver name and URL for cfg's auth method.
func buildDSN(cfg *Config) (string, string) {
	query := url.Values{}
	query.Add("database", cfg.Database)
	query.Add("encrypt", fmt.Sprintf("%t", cfg.Encrypt))
	query.Add("app name", "ekaya-datasource")
	if cfg.TrustServerCertificate {
		query.Add("TrustServerCertificate", "true")
	}
	if cfg.ConnectionTimeout > 0 {
		query.Add("connection timeout", fmt.Sprintf("%d", cfg.ConnectionTimeout))
	}

	u := &url.URL{
		Scheme: "sqlserver",
		Host:   fmt.Sprintf("%s:%d", config.ResolveHostForDocker(cfg.Host), cfg.Port),
	}
	driver := "sqlserver"

	switch cfg.AuthMethod {
	case AuthSQL:
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	case AuthServicePrincipal:
		query.Add("fedauth", azuread.ActiveDirectoryServicePrincipal)
		query.Add("user id", cfg.ClientID+"@"+cfg.TenantID)
		query.Add("password", cfg.ClientSecret)
		driver = azuread.DriverName
	case AuthUserDelegation:
		query.Add("fedauth", "ActiveDirectoryAccessToken")
		query.Add("password", cfg.AzureAccessToken)
	}

	u.RawQuery = query.Encode()
	return driver, u.String()
}

func (a *Adapter) Connect(ctx context.Context, cfg *datasource.DataSourceConfig, creds *datasource.Credentials) (datasource.Session, error) {
	msCfg, err := FromMap(datasource.ConnectParams(cfg, creds))
	if err != nil {
		return nil, err
	}

	driver, dsn := buildDSN(msCfg)
	s, err := sqldb.Open(ctx, driver, dsn, sqldb.Options{Convert: convertValue})
	if err != nil {
		return nil, fmt.Errorf("connect to sqlserver: %w", err)
	}
	return s, nil
}

// convertValue renders uniqueidentifier bytes in canonical form.
func convertValue(col datasource.RawColumn, v any) any {
	if !strings.EqualFold(col.NativeType, "UNIQUEIDENTIFIER") {
		return v
	}
	var id mssqldb.UniqueIdentifier
	if err := id.Scan(v); err != nil {
		return v
	}
	return id.String()
}

func (a *Adapter) MapType(native string) datasource.CanonicalType {
	return sqlServerTypes.Map(native)
}

// QuoteIdentifier brackets an identifier the way QUOTENAME does.
func (a *Adapter) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// QuoteLiteral returns an N-prefixed Unicode string literal.
func (a *Adapter) QuoteLiteral(value string) string {
	return "N'" + strings.ReplaceAll(value, "'", "''") + "'"
}

var sqlServerTypes = datasource.TypeTable{
	Exact: map[string]datasource.CanonicalType{
		"tinyint":          datasource.CanonicalBigInt,
		"smallint":         datasource.CanonicalBigInt,
		"int":              datasource.CanonicalBigInt,
		"bigint":           datasource.CanonicalBigInt,
		"decimal":          datasource.CanonicalDecimal,
		"numeric":          datasource.CanonicalDecimal,
		"money":            datasource.CanonicalDecimal,
		"smallmoney":       datasource.CanonicalDecimal,
		"float":            datasource.CanonicalFloat,
		"real":             datasource.CanonicalFloat,
		"bit":              datasource.CanonicalBoolean,
		"char":             datasource.CanonicalText,
		"nchar":            datasource.CanonicalText,
		"varchar":          datasource.CanonicalText,
		"nvarchar":         datasource.CanonicalText,
		"text":             datasource.CanonicalText,
		"ntext":            datasource.CanonicalText,
		"uniqueidentifier": datasource.CanonicalText,
		"xml":              datasource.CanonicalText,
		"sysname":          datasource.CanonicalText,
		"binary":           datasource.CanonicalBytea,
		"varbinary":        datasource.CanonicalBytea,
		"image":            datasource.CanonicalBytea,
		"timestamp":        datasource.CanonicalBytea,
		"rowversion":       datasource.CanonicalBytea,
		"date":             datasource.CanonicalDate,
		"time":             datasource.CanonicalTime,
		"datetime":         datasource.CanonicalDatetime,
		"datetime2":        datasource.CanonicalDatetime,
		"smalldatetime":    datasource.CanonicalDatetime,
		"datetimeoffset":   datasource.CanonicalTimestamp,
		"json":             datasource.CanonicalJSON,
		"geography":        datasource.CanonicalGeography,
		"geometry":         datasource.CanonicalGeography,
	},
}
