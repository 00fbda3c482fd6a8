package postgres

import (
	"fmt"
	"strings"
)

// Config contains PostgreSQL and Redshift connection options.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"
	// Schemas restricts introspection; empty means every non-system schema.
	Schemas []string
}

// DefaultPort returns the default PostgreSQL port.
func DefaultPort() int {
	return 5432
}

// RedshiftDefaultPort returns the default Redshift port.
func RedshiftDefaultPort() int {
	return 5439
}

// DefaultSSLMode returns the default SSL mode.
func DefaultSSLMode() string {
	return "require"
}

// FromMap creates a Config from merged data source params and credentials.
func FromMap(config map[string]any) (*Config, error) {
	return fromMap(config, DefaultPort())
}

func fromMap(config map[string]any, defaultPort int) (*Config, error) {
	cfg := &Config{
		Port:    defaultPort,
		SSLMode: DefaultSSLMode(),
	}

	if host, ok := config["host"].(string); ok && host != "" {
		cfg.Host = host
	} else {
		return nil, fmt.Errorf("host is required")
	}

	switch port := config["port"].(type) {
	case float64: // JSON numbers are float64
		cfg.Port = int(port)
	case int:
		cfg.Port = port
	case int64:
		cfg.Port = int(port)
	}

	if user, ok := config["user"].(string); ok && user != "" {
		cfg.User = user
	} else {
		return nil, fmt.Errorf("user is required")
	}

	if password, ok := config["password"].(string); ok {
		cfg.Password = password
	}

	if database, ok := config["database"].(string); ok && database != "" {
		cfg.Database = database
	} else if name, ok := config["name"].(string); ok && name != "" {
		// Support legacy "name" field
		cfg.Database = name
	} else {
		return nil, fmt.Errorf("database is required")
	}

	if sslMode, ok := config["ssl_mode"].(string); ok && sslMode != "" {
		cfg.SSLMode = sslMode
	}

	cfg.Schemas = schemaList(config["schemas"])

	return cfg, nil
}

// schemaList accepts a []string, a JSON array or a comma-separated string.
func schemaList(v any) []string {
	var out []string
	switch schemas := v.(type) {
	case []string:
		out = append(out, schemas...)
	case []any:
		for _, s := range schemas {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
	case string:
		out = strings.Split(schemas, ",")
	}

	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}
