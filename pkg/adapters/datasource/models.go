package datasource

import (
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-datasource/pkg/logging"
)

// DataSourceConfig identifies a customer database. Params holds non-secret
// connection settings (host, port, database, warehouse, project); secrets
// arrive separately through Credentials.
type DataSourceConfig struct {
	ID             uuid.UUID      `yaml:"id" json:"id"`
	Name           string         `yaml:"name" json:"name"`
	OrganizationID uuid.UUID      `yaml:"organization_id" json:"organization_id"`
	Dialect        Dialect        `yaml:"dialect" json:"dialect"`
	Params         map[string]any `yaml:"params" json:"params"`
	CredentialRef  string         `yaml:"credential_ref" json:"credential_ref"`
	// PoolSize overrides the manager's per-data-source connection cap when > 0.
	PoolSize int `yaml:"pool_size" json:"pool_size,omitempty"`
}

// Credentials are decrypted secrets for one data source. They never leave
// the connection manager; String, GoString and MarshalJSON redact them.
type Credentials struct {
	Values    map[string]string
	ExpiresAt time.Time
}

func (c Credentials) String() string   { return "Credentials{" + logging.RedactedText + "}" }
func (c Credentials) GoString() string { return c.String() }

func (c Credentials) MarshalJSON() ([]byte, error) {
	return []byte(`"` + logging.RedactedText + `"`), nil
}

// Get returns a credential value or "".
func (c *Credentials) Get(key string) string {
	if c == nil {
		return ""
	}
	return c.Values[key]
}

// Expiry returns ExpiresAt, or the exp claim of an access_token when
// ExpiresAt is unset. The token is not verified; only its expiry is read.
func (c *Credentials) Expiry() time.Time {
	if c == nil {
		return time.Time{}
	}
	if !c.ExpiresAt.IsZero() {
		return c.ExpiresAt
	}
	token := c.Values["access_token"]
	if token == "" {
		return time.Time{}
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Expired reports whether the credentials are past their expiry at now.
func (c *Credentials) Expired(now time.Time) bool {
	exp := c.Expiry()
	return !exp.IsZero() && !now.Before(exp)
}

// SecretValues returns every credential value, for literal redaction.
func (c *Credentials) SecretValues() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Values))
	for _, v := range c.Values {
		if v != "" {
			out = append(out, v)
		}
	}
	// longest first so overlapping secrets are fully removed
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// ConnectParams merges non-secret params with credential values. Adapters
// parse the merged map the same way regardless of where a field came from.
func ConnectParams(cfg *DataSourceConfig, creds *Credentials) map[string]any {
	merged := make(map[string]any, len(cfg.Params)+4)
	for k, v := range cfg.Params {
		merged[strings.ToLower(k)] = v
	}
	if creds != nil {
		for k, v := range creds.Values {
			merged[strings.ToLower(k)] = v
		}
	}
	return merged
}

// QueryRequest is one SQL execution request. Cancellation comes from the
// context passed alongside it.
type QueryRequest struct {
	SQL    string
	Params []any
	// Limit caps returned rows; <= 0 uses the executor default.
	Limit int
	// Timeout bounds wall-clock execution; <= 0 uses the executor default.
	Timeout   time.Duration
	Requester string
}

// ColumnDescriptor describes one result column.
type ColumnDescriptor struct {
	Name          string        `json:"name"`
	NativeType    string        `json:"native_type"`
	CanonicalType CanonicalType `json:"canonical_type"`
}

// QueryResult is a normalized, ephemeral query result. Rows cannot be
// rewound; re-execute to read again.
type QueryResult struct {
	Columns   []ColumnDescriptor `json:"columns"`
	Rows      [][]any            `json:"rows"`
	Truncated bool               `json:"truncated"`
	Duration  time.Duration      `json:"duration"`
}

// RowCount returns the number of rows returned.
func (r *QueryResult) RowCount() int { return len(r.Rows) }

// RowMaps returns rows keyed by column name. Later duplicate names win.
func (r *QueryResult) RowMaps() []map[string]any {
	out := make([]map[string]any, len(r.Rows))
	for i, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for j, col := range r.Columns {
			if j < len(row) {
				m[col.Name] = row[j]
			}
		}
		out[i] = m
	}
	return out
}
