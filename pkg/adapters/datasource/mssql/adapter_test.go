package mssql

import (
	"fmt"
	"net/url"
	"testing"

	"github.com/google/uuid"
	mssqldb "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
)

func TestFromMap_AuthDetection(t *testing.T) {
	base := func(extra map[string]any) map[string]any {
		m := map[string]any{"host": "sql.example.com", "database": "sales"}
		for k, v := range extra {
			m[k] = v
		}
		return m
	}

	tests := []struct {
		name    string
		params  map[string]any
		want    string
		wantErr string
	}{
		{"sql via user", base(map[string]any{"user": "sa", "password": "pw"}), AuthSQL, ""},
		{"sql via username", base(map[string]any{"username": "sa"}), AuthSQL, ""},
		{"service principal", base(map[string]any{"client_id": "c", "tenant_id": "t", "client_secret": "s"}), AuthServicePrincipal, ""},
		{"access token wins", base(map[string]any{"access_token": "tok", "user": "sa"}), AuthUserDelegation, ""},
		{"explicit method", base(map[string]any{"auth_method": "sql", "user": "sa", "access_token": "tok"}), AuthSQL, ""},
		{"no credentials", base(nil), "", "could not auto-detect auth method; no credentials provided"},
		{"incomplete principal", base(map[string]any{"client_id": "c"}), "", "tenant_id is required for service principal"},
		{"bad method", base(map[string]any{"auth_method": "kerberos"}), "", "invalid auth method: kerberos (must be sql, service_principal, or user_delegation)"},
		{"missing host", map[string]any{"database": "x", "user": "sa"}, "", "host is required"},
		{"missing database", map[string]any{"host": "h", "user": "sa"}, "", "database is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := FromMap(tt.params)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.AuthMethod)
		})
	}
}

func TestFromMap_Options(t *testing.T) {
	cfg, err := FromMap(map[string]any{
		"host": "h", "name": "legacy", "user": "sa",
		"port": float64(14330), "encrypt": "false", "trust_server_certificate": true,
		"connection_timeout": 5, "schemas": "dbo, sales",
	})
	require.NoError(t, err)
	assert.Equal(t, "legacy", cfg.Database)
	assert.Equal(t, 14330, cfg.Port)
	assert.False(t, cfg.Encrypt)
	assert.True(t, cfg.TrustServerCertificate)
	assert.Equal(t, 5, cfg.ConnectionTimeout)
	assert.Equal(t, []string{"dbo", "sales"}, cfg.Schemas)

	defaults, err := FromMap(map[string]any{"host": "h", "database": "d", "user": "sa"})
	require.NoError(t, err)
	assert.Equal(t, 1433, defaults.Port)
	assert.True(t, defaults.Encrypt)
	assert.Equal(t, 30, defaults.ConnectionTimeout)
}

func TestBuildDSN(t *testing.T) {
	t.Run("sql auth escapes credentials", func(t *testing.T) {
		driver, dsn := buildDSN(&Config{
			Host: "db.internal", Port: 1433, Database: "sales db", AuthMethod: AuthSQL,
			Username: "sa", Password: "p@ss/w#rd?", Encrypt: true,
		})
		assert.Equal(t, "sqlserver", driver)

		u, err := url.Parse(dsn)
		require.NoError(t, err)
		assert.Equal(t, "db.internal:1433", u.Host)
		pw, _ := u.User.Password()
		assert.Equal(t, "p@ss/w#rd?", pw)
		assert.Equal(t, "sales db", u.Query().Get("database"))
		assert.Equal(t, "true", u.Query().Get("encrypt"))
	})

	t.Run("service principal uses azuresql", func(t *testing.T) {
		driver, dsn := buildDSN(&Config{
			Host: "x.database.windows.net", Port: 1433, Database: "d", AuthMethod: AuthServicePrincipal,
			TenantID: "tenant", ClientID: "client", ClientSecret: "s3cret",
		})
		assert.Equal(t, "azuresql", driver)
		u, err := url.Parse(dsn)
		require.NoError(t, err)
		assert.Nil(t, u.User)
		assert.Equal(t, "ActiveDirectoryServicePrincipal", u.Query().Get("fedauth"))
		assert.Equal(t, "client@tenant", u.Query().Get("user id"))
	})

	t.Run("user delegation passes token", func(t *testing.T) {
		_, dsn := buildDSN(&Config{Host: "h", Port: 1433, Database: "d", AuthMethod: AuthUserDelegation, AzureAccessToken: "eyJtoken"})
		u, err := url.Parse(dsn)
		require.NoError(t, err)
		assert.Equal(t, "ActiveDirectoryAccessToken", u.Query().Get("fedauth"))
		assert.Equal(t, "eyJtoken", u.Query().Get("password"))
	})
}

func TestAdapter_MapType(t *testing.T) {
	a := New()
	tests := map[string]datasource.CanonicalType{
		"INT":              datasource.CanonicalBigInt,
		"decimal(18,2)":    datasource.CanonicalDecimal,
		"NVARCHAR":         datasource.CanonicalText,
		"nvarchar(max)":    datasource.CanonicalText,
		"BIT":              datasource.CanonicalBoolean,
		"VARBINARY":        datasource.CanonicalBytea,
		"DATETIME2":        datasource.CanonicalDatetime,
		"DATETIMEOFFSET":   datasource.CanonicalTimestamp,
		"DATE":             datasource.CanonicalDate,
		"UNIQUEIDENTIFIER": datasource.CanonicalText,
		"geography":        datasource.CanonicalGeography,
		"hierarchyid":      datasource.CanonicalText,
	}
	for native, want := range tests {
		assert.Equal(t, want, a.MapType(native), native)
	}
}

func TestAdapter_ClassifyError(t *testing.T) {
	a := New()
	tests := []struct {
		number int32
		kind   apperrors.Kind
	}{
		{102, apperrors.KindSyntax},
		{229, apperrors.KindPermission},
		{208, apperrors.KindNotFound},
		{18456, apperrors.KindAuth},
		{1222, apperrors.KindTimeout},
		{40501, apperrors.KindRateLimited},
		{40613, apperrors.KindConnectionLost},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.number), func(t *testing.T) {
			err := fmt.Errorf("query: %w", mssqldb.Error{Number: tt.number, Message: "boom"})
			got := a.ClassifyError(err)
			require.NotNil(t, got)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, fmt.Sprint(tt.number), got.Code)
		})
	}

	assert.Nil(t, a.ClassifyError(mssqldb.Error{Number: 50000}))
	assert.Nil(t, a.ClassifyError(fmt.Errorf("plain")))
}

func TestAdapter_Quoting(t *testing.T) {
	a := New()
	assert.Equal(t, "[orders]", a.QuoteIdentifier("orders"))
	assert.Equal(t, "[we]]ird]", a.QuoteIdentifier("we]ird"))
	assert.Equal(t, "N'O''Brien'", a.QuoteLiteral("O'Brien"))
}

func TestAdapter_CatalogQuery(t *testing.T) {
	cfg := &datasource.DataSourceConfig{ID: uuid.New(), Params: map[string]any{}}
	q := New().CatalogQuery(cfg)
	assert.Contains(t, q, "FROM sys.columns c")
	assert.Contains(t, q, "CASE o.type WHEN 'V' THEN 'VIEW' ELSE 'BASE TABLE' END AS table_type")
	assert.Contains(t, q, "FROM sys.partitions p")
	assert.NotContains(t, q, "SCHEMA_NAME(o.schema_id) IN")

	cfg.Params["schemas"] = []string{"dbo"}
	assert.Contains(t, New().CatalogQuery(cfg), "AND SCHEMA_NAME(o.schema_id) IN (N'dbo')")
}

func TestConvertValue_UniqueIdentifier(t *testing.T) {
	// SQL Server stores the first three groups little-endian.
	raw := []byte{0x10, 0xb8, 0xa7, 0x6b, 0xad, 0x9d, 0xd1, 0x11, 0x80, 0xb4, 0x00, 0xc0, 0x4f, 0xd4, 0x30, 0xc8}
	got := convertValue(datasource.RawColumn{NativeType: "UNIQUEIDENTIFIER"}, raw)
	assert.Equal(t, "6BA7B810-9DAD-11D1-80B4-00C04FD430C8", got)

	assert.Equal(t, raw, convertValue(datasource.RawColumn{NativeType: "VARBINARY"}, raw))
}
