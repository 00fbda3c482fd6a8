package datasource

import (
	"context"
	"time"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
)

// Adapter is the capability set every dialect provides. Adapters are
// stateless; per-connection state lives in the Session returned by Connect.
type Adapter interface {
	Dialect() Dialect
	Info() AdapterInfo
	Capabilities() Capabilities

	// Connect opens one physical connection using the data source's
	// parameters and resolved credentials.
	Connect(ctx context.Context, cfg *DataSourceConfig, creds *Credentials) (Session, error)

	// MapType maps a native column type to its canonical type. Total.
	MapType(native string) CanonicalType

	// CatalogQuery returns SQL listing every user column. Result columns, in
	// order: catalog, schema, table, column, native type, nullable, ordinal,
	// then optionally table type and a row count estimate.
	CatalogQuery(cfg *DataSourceConfig) string

	// ClassifyError maps a driver error to a classified error, or returns nil
	// when the error is not recognized.
	ClassifyError(err error) *apperrors.Error

	QuoteIdentifier(name string) string
	QuoteLiteral(value string) string
}

// Session is one physical connection. It is not safe for concurrent use;
// ConnectionHandle serializes access.
type Session interface {
	Query(ctx context.Context, sql string, args []any, opts QueryOptions) (Rows, error)
	Ping(ctx context.Context) error
	Close() error
}

// QueryOptions carries per-query hints a session may push to the server.
type QueryOptions struct {
	Timeout time.Duration
	// MaxRows is the most rows the caller will read; 0 means unbounded.
	MaxRows int
}

// Rows is a forward-only driver result iterator. Columns is valid as soon as
// Query returns.
type Rows interface {
	Columns() []RawColumn
	Next() bool
	Values() ([]any, error)
	Err() error
	Close() error
}

// RawColumn is a result column as reported by the driver.
type RawColumn struct {
	Name       string
	NativeType string
}

// CredentialProvider is the boundary to the external secrets service.
type CredentialProvider interface {
	// Resolve returns the current credentials for a data source.
	Resolve(ctx context.Context, cfg *DataSourceConfig) (*Credentials, error)
	// Refresh obtains new credentials after the current ones were rejected
	// or expired.
	Refresh(ctx context.Context, cfg *DataSourceConfig) (*Credentials, error)
}

// AdapterInfo describes a registered adapter for discovery.
type AdapterInfo struct {
	Dialect     Dialect `json:"dialect"`
	DisplayName string  `json:"display_name"`
	Description string  `json:"description"`
}
