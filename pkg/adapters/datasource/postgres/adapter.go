package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-datasource/pkg/config"
	"github.com/ekaya-inc/ekaya-datasource/pkg/logging"
)

// Adapter provides PostgreSQL and Redshift connectivity. Redshift speaks the
// PostgreSQL wire protocol but only the simple query protocol.
type Adapter struct {
	dialect     datasource.Dialect
	defaultPort int
	types       datasource.TypeTable
}

// New returns the PostgreSQL adapter.
func New() *Adapter {
	return &Adapter{
		dialect:     datasource.DialectPostgres,
		defaultPort: DefaultPort(),
		types:       postgresTypes,
	}
}

// NewRedshift returns the Redshift adapter.
func NewRedshift() *Adapter {
	return &Adapter{
		dialect:     datasource.DialectRedshift,
		defaultPort: RedshiftDefaultPort(),
		types:       redshiftTypes,
	}
}

var _ datasource.Adapter = (*Adapter)(nil)

func (a *Adapter) Dialect() datasource.Dialect { return a.dialect }

func (a *Adapter) Info() datasource.AdapterInfo {
	if a.dialect == datasource.DialectRedshift {
		return datasource.AdapterInfo{
			Dialect:     a.dialect,
			DisplayName: "Amazon Redshift",
			Description: "Amazon Redshift data warehouse",
		}
	}
	return datasource.AdapterInfo{
		Dialect:     a.dialect,
		DisplayName: "PostgreSQL",
		Description: "PostgreSQL and compatible databases",
	}
}

func (a *Adapter) Capabilities() datasource.Capabilities {
	if a.dialect == datasource.DialectRedshift {
		return datasource.Capabilities{Limit: datasource.LimitClause, NativeTimeout: true}
	}
	return datasource.Capabilities{Limit: datasource.LimitClause, NativeTimeout: true, WrapCTE: true}
}

// buildConnectionString builds a PostgreSQL URL with proper escaping.
// All user-provided fields are URL-escaped so passwords containing @, /, # or ?
// cannot break URL parsing. When running in Docker, localhost resolves to
// host.docker.internal.
func buildConnectionString(cfg *Config) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = DefaultSSLMode()
	}

	host := config.ResolveHostForDocker(cfg.Host)

	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		host,
		cfg.Port,
		url.QueryEscape(cfg.Database),
		sslMode,
	)
}

// Connect opens one pgx connection. The connection string never leaves this
// function unredacted.
// parseError reports a rejected connection string with its credentials redacted.
func parseError(dialect datasource.Dialect, connStr string, err error) error {
	msg := strings.ReplaceAll(err.Error(), connStr, logging.SanitizeConnectionString(connStr))
	return fmt.Errorf("invalid %s connection parameters: %s", dialect, logging.SanitizeText(msg))
}

func (a *Adapter) Connect(ctx context.Context, cfg *datasource.DataSourceConfig, creds *datasource.Credentials) (datasource.Session, error) {
	pgCfg, err := fromMap(datasource.ConnectParams(cfg, creds), a.defaultPort)
	if err != nil {
		return nil, err
	}

	connStr := buildConnectionString(pgCfg)
	connConfig, err := pgx.ParseConfig(connStr)
	if err != nil {
		return nil, parseError(a.dialect, connStr, err)
	}
	connConfig.RuntimeParams["application_name"] = "ekaya-datasource"
	if a.dialect == datasource.DialectRedshift {
		connConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", a.dialect, err)
	}
	return &session{conn: conn}, nil
}

func (a *Adapter) MapType(native string) datasource.CanonicalType {
	return a.types.Map(native)
}

// QuoteIdentifier quotes a single identifier with pgx's sanitizer.
func (a *Adapter) QuoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (a *Adapter) QuoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
