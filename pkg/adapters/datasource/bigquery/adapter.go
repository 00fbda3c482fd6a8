// Package bigquery provides the Google BigQuery adapter.
package bigquery

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
)

// Adapter provides BigQuery connectivity. A session is an API client; there
// is no physical connection to lose.
type Adapter struct{}

// New returns the BigQuery adapter.
func New() *Adapter { return &Adapter{} }

var _ datasource.Adapter = (*Adapter)(nil)

func (a *Adapter) Dialect() datasource.Dialect { return datasource.DialectBigQuery }

func (a *Adapter) Info() datasource.AdapterInfo {
	return datasource.AdapterInfo{
		Dialect:     datasource.DialectBigQuery,
		DisplayName: "Google BigQuery",
		Description: "Google BigQuery serverless warehouse",
	}
}

// Capabilities: limits stay client side so billing estimates match the
// submitted SQL.
func (a *Adapter) Capabilities() datasource.Capabilities {
	return datasource.Capabilities{Limit: datasource.LimitClientSide, NativeTimeout: true}
}

func clientOptions(cfg *Config) []option.ClientOption {
	opts := []option.ClientOption{option.WithUserAgent("ekaya-datasource")}
	if cfg.AccessToken != "" {
		return append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken})))
	}
	return append(opts, option.WithAuthCredentialsJSON(option.ServiceAccount, []byte(cfg.CredentialsJSON)))
}

// Connect creates a client and runs a trivial query so rejected credentials
// surface here rather than on the first user query.
func (a *Adapter) Connect(ctx context.Context, cfg *datasource.DataSourceConfig, creds *datasource.Credentials) (datasource.Session, error) {
	bqCfg, err := FromMap(datasource.ConnectParams(cfg, creds))
	if err != nil {
		return nil, err
	}

	client, err := bigquery.NewClient(ctx, bqCfg.ProjectID, clientOptions(bqCfg)...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	client.Location = bqCfg.Location

	s := &session{client: client}
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (a *Adapter) MapType(native string) datasource.CanonicalType {
	return bigQueryTypes.Map(native)
}

// QuoteIdentifier backtick-quotes one path segment.
func (a *Adapter) QuoteIdentifier(name string) string {
	r := strings.NewReplacer("\\", "\\\\", "`", "\\`")
	return "`" + r.Replace(name) + "`"
}

func (a *Adapter) QuoteLiteral(value string) string {
	r := strings.NewReplacer("\\", "\\\\", "'", "\\'", "\n", "\\n")
	return "'" + r.Replace(value) + "'"
}

// columnsSelect joins TABLES for the table type. Row estimates live only in
// region-level TABLE_STORAGE, so they are left null.
const columnsSelect = `SELECT c.table_catalog, c.table_schema, c.table_name, c.column_name, c.data_type, c.is_nullable, c.ordinal_position, t.table_type, CAST(NULL AS INT64) AS row_count
FROM %[1]s.INFORMATION_SCHEMA.COLUMNS c
JOIN %[1]s.INFORMATION_SCHEMA.TABLES t ON t.table_schema = c.table_schema AND t.table_name = c.table_name`

// CatalogQuery reads each configured dataset, or the whole region when no
// datasets are configured.
func (a *Adapter) CatalogQuery(cfg *datasource.DataSourceConfig) string {
	params := datasource.ConnectParams(cfg, nil)
	project, _ := params["project_id"].(string)
	if project == "" {
		project, _ = params["project"].(string)
	}
	location, _ := params["location"].(string)
	if location == "" {
		location = DefaultLocation
	}

	datasets := datasetList(params)
	if len(datasets) == 0 {
		scope := a.QuoteIdentifier(project) + "." + a.QuoteIdentifier("region-"+strings.ToLower(location))
		return fmt.Sprintf(columnsSelect, scope) + "\nORDER BY table_schema, table_name, ordinal_position"
	}

	parts := make([]string, len(datasets))
	for i, ds := range datasets {
		parts[i] = fmt.Sprintf(columnsSelect, a.QuoteIdentifier(project)+"."+a.QuoteIdentifier(ds))
	}
	return strings.Join(parts, "\nUNION ALL\n") + "\nORDER BY table_schema, table_name, ordinal_position"
}

var bigQueryTypes = datasource.TypeTable{
	Rules: []datasource.TypeRule{
		{Prefix: "array<", Type: datasource.CanonicalArray},
		{Prefix: "struct<", Type: datasource.CanonicalJSON},
	},
	Exact: map[string]datasource.CanonicalType{
		"int64":      datasource.CanonicalBigInt,
		"integer":    datasource.CanonicalBigInt,
		"float64":    datasource.CanonicalFloat,
		"float":      datasource.CanonicalFloat,
		"numeric":    datasource.CanonicalDecimal,
		"bignumeric": datasource.CanonicalDecimal,
		"bool":       datasource.CanonicalBoolean,
		"boolean":    datasource.CanonicalBoolean,
		"string":     datasource.CanonicalText,
		"bytes":      datasource.CanonicalBytea,
		"date":       datasource.CanonicalDate,
		"time":       datasource.CanonicalTime,
		"datetime":   datasource.CanonicalDatetime,
		"timestamp":  datasource.CanonicalTimestamp,
		"interval":   datasource.CanonicalInterval,
		"json":       datasource.CanonicalJSON,
		"record":     datasource.CanonicalJSON,
		"struct":     datasource.CanonicalJSON,
		"geography":  datasource.CanonicalGeography,
		"range":      datasource.CanonicalText,
	},
}
