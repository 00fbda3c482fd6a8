package mssql

import (
	"fmt"
	"strings"
)

// Authentication methods.
const (
	AuthSQL              = "sql"
	AuthServicePrincipal = "service_principal"
	AuthUserDelegation   = "user_delegation"
)

// Config contains SQL Server connection options.
type Config struct {
	Host     string
	Port     int
	Database string

	// AuthMethod is one of AuthSQL, AuthServicePrincipal or AuthUserDelegation.
	AuthMethod string

	Username string
	Password string

	TenantID     string
	ClientID     string
	ClientSecret string

	// AzureAccessToken comes from the credential provider for user delegation.
	AzureAccessToken string

	Encrypt                bool
	TrustServerCertificate bool
	ConnectionTimeout      int
	Schemas                []string
}

// DefaultPort returns the default SQL Server port.
func DefaultPort() int {
	return 1433
}

// DefaultConnectionTimeout returns the default connection timeout in seconds.
func DefaultConnectionTimeout() int {
	return 30
}

// FromMap creates a Config from merged params and credentials and detects the
// auth method when none is given.
func FromMap(config map[string]any) (*Config, error) {
	cfg := &Config{
		Port:              DefaultPort(),
		Encrypt:           true,
		ConnectionTimeout: DefaultConnectionTimeout(),
	}

	if host, ok := config["host"].(string); ok && host != "" {
		cfg.Host = host
	} else {
		return nil, fmt.Errorf("host is required")
	}

	cfg.Port = intParam(config["port"], cfg.Port)
	cfg.ConnectionTimeout = intParam(config["connection_timeout"], cfg.ConnectionTimeout)

	if database, ok := config["database"].(string); ok && database != "" {
		cfg.Database = database
	} else if name, ok := config["name"].(string); ok && name != "" {
		cfg.Database = name
	} else {
		return nil, fmt.Errorf("database is required")
	}

	switch encrypt := config["encrypt"].(type) {
	case bool:
		cfg.Encrypt = encrypt
	case string:
		cfg.Encrypt = encrypt == "true" || encrypt == "strict"
	}
	if trust, ok := config["trust_server_certificate"].(bool); ok {
		cfg.TrustServerCertificate = trust
	}

	cfg.Schemas = stringList(config["schemas"])

	token := firstString(config, "azure_access_token", "access_token")
	username := firstString(config, "username", "user")

	if authMethod, ok := config["auth_method"].(string); ok && authMethod != "" {
		cfg.AuthMethod = authMethod
	} else {
		// Priority: access token > client_id > username
		switch {
		case token != "":
			cfg.AuthMethod = AuthUserDelegation
		case firstString(config, "client_id") != "":
			cfg.AuthMethod = AuthServicePrincipal
		case username != "":
			cfg.AuthMethod = AuthSQL
		default:
			return nil, fmt.Errorf("could not auto-detect auth method; no credentials provided")
		}
	}

	switch cfg.AuthMethod {
	case AuthSQL:
		if username == "" {
			return nil, fmt.Errorf("username is required for SQL authentication")
		}
		cfg.Username = username
		cfg.Password, _ = config["password"].(string)

	case AuthServicePrincipal:
		cfg.TenantID = firstString(config, "tenant_id")
		cfg.ClientID = firstString(config, "client_id")
		cfg.ClientSecret = firstString(config, "client_secret")

	case AuthUserDelegation:
		cfg.AzureAccessToken = token

	default:
		return nil, fmt.Errorf("invalid auth method: %s (must be sql, service_principal, or user_delegation)", cfg.AuthMethod)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the config has every field its auth method needs.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	switch c.AuthMethod {
	case AuthSQL:
		if c.Username == "" {
			return fmt.Errorf("username is required for SQL authentication")
		}
	case AuthServicePrincipal:
		if c.TenantID == "" {
			return fmt.Errorf("tenant_id is required for service principal")
		}
		if c.ClientID == "" {
			return fmt.Errorf("client_id is required for service principal")
		}
		if c.ClientSecret == "" {
			return fmt.Errorf("client_secret is required for service principal")
		}
	case AuthUserDelegation:
		if c.AzureAccessToken == "" {
			return fmt.Errorf("azure_access_token is required for user delegation")
		}
	default:
		return fmt.Errorf("invalid auth method: %s", c.AuthMethod)
	}

	return nil
}

func intParam(v any, fallback int) int {
	switch n := v.(type) {
	case float64: // JSON numbers are float64
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return fallback
}

func firstString(config map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := config[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringList(v any) []string {
	var out []string
	switch list := v.(type) {
	case []string:
		out = list
	case []any:
		for _, s := range list {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
	case string:
		out = strings.Split(list, ",")
	}

	var cleaned []string
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}
