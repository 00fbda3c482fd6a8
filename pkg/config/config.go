package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
)

// Config holds all configuration for ekaya-datasource.
// Configuration can come from a YAML file or environment variables.
// Environment variables always override YAML values.
// Credentials never come from this file; see EnvCredentialProvider.
type Config struct {
	Env         string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR" env-default:"127.0.0.1:9464"`
	Version     string `yaml:"-"` // Set at load time, not from config

	// CatalogPath points at the YAML list of data source definitions.
	CatalogPath string `yaml:"catalog_path" env:"DATASOURCE_CATALOG" env-default:"datasources.yaml"`

	Datasource DatasourceConfig `yaml:"datasource"`

	// CredentialsKey opens sealed credential values. Secret - not in YAML.
	CredentialsKey string `yaml:"-" env:"DATASOURCE_CREDENTIALS_KEY"`
}

// DatasourceConfig holds connection, query and snapshot settings.
type DatasourceConfig struct {
	// ConnectionTTL is how long idle handles are kept alive.
	ConnectionTTL   time.Duration `yaml:"connection_ttl" env:"DATASOURCE_CONNECTION_TTL" env-default:"5m"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"DATASOURCE_CLEANUP_INTERVAL" env-default:"1m"`
	// PoolMaxConns is the maximum number of handles per data source.
	PoolMaxConns int `yaml:"pool_max_conns" env:"DATASOURCE_POOL_MAX_CONNS" env-default:"10"`
	// OrgMaxConns is the maximum number of handles across one organization.
	OrgMaxConns    int           `yaml:"org_max_conns" env:"DATASOURCE_ORG_MAX_CONNS" env-default:"50"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"DATASOURCE_ACQUIRE_TIMEOUT" env-default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"DATASOURCE_CONNECT_TIMEOUT" env-default:"30s"`

	QueryTimeout         time.Duration `yaml:"query_timeout" env:"DATASOURCE_QUERY_TIMEOUT" env-default:"30s"`
	MaxQueryTimeout      time.Duration `yaml:"max_query_timeout" env:"DATASOURCE_MAX_QUERY_TIMEOUT" env-default:"10m"`
	IntrospectionTimeout time.Duration `yaml:"introspection_timeout" env:"DATASOURCE_INTROSPECTION_TIMEOUT" env-default:"15s"`
	DefaultMaxRows       int           `yaml:"default_max_rows" env:"DATASOURCE_DEFAULT_MAX_ROWS" env-default:"5000"`
	MaxRowsCap           int           `yaml:"max_rows_cap" env:"DATASOURCE_MAX_ROWS_CAP" env-default:"100000"`

	SnapshotTTL       time.Duration `yaml:"snapshot_ttl" env:"DATASOURCE_SNAPSHOT_TTL" env-default:"10m"`
	SnapshotCacheSize int           `yaml:"snapshot_cache_size" env:"DATASOURCE_SNAPSHOT_CACHE_SIZE" env-default:"256"`
	// SnapshotSchedule is the default cron spec for data sources without one.
	// Empty disables scheduled snapshots.
	SnapshotSchedule string `yaml:"snapshot_schedule" env:"DATASOURCE_SNAPSHOT_SCHEDULE" env-default:""`
}

// Load reads configuration from the YAML file at path with environment
// variable overrides. A missing file is not an error; defaults and the
// environment apply.
func Load(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, statErr := os.Stat(path); path != "" && statErr == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat %s: %w", path, statErr)
		}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.Datasource.validate(); err != nil {
		return nil, fmt.Errorf("invalid datasource configuration: %w", err)
	}
	return cfg, nil
}

func (c *DatasourceConfig) validate() error {
	if c.PoolMaxConns < 1 {
		return fmt.Errorf("pool_max_conns must be at least 1")
	}
	if c.OrgMaxConns < c.PoolMaxConns {
		return fmt.Errorf("org_max_conns (%d) is below pool_max_conns (%d)", c.OrgMaxConns, c.PoolMaxConns)
	}
	if c.MaxQueryTimeout < c.QueryTimeout {
		return fmt.Errorf("max_query_timeout is below query_timeout")
	}
	if c.MaxRowsCap < c.DefaultMaxRows {
		return fmt.Errorf("max_rows_cap is below default_max_rows")
	}
	return nil
}

// ManagerConfig returns the connection manager settings.
func (c *DatasourceConfig) ManagerConfig() datasource.ConnectionManagerConfig {
	return datasource.ConnectionManagerConfig{
		IdleTTL:         c.ConnectionTTL,
		CleanupInterval: c.CleanupInterval,
		PoolMaxConns:    c.PoolMaxConns,
		OrgMaxConns:     c.OrgMaxConns,
		AcquireTimeout:  c.AcquireTimeout,
		ConnectTimeout:  c.ConnectTimeout,
	}
}

// ExecutorConfig returns the query executor settings.
func (c *DatasourceConfig) ExecutorConfig() datasource.ExecutorConfig {
	return datasource.ExecutorConfig{
		DefaultTimeout: c.QueryTimeout,
		MaxTimeout:     c.MaxQueryTimeout,
		DefaultMaxRows: c.DefaultMaxRows,
		MaxRowsCap:     c.MaxRowsCap,
	}
}

// IntrospectorConfig returns the schema introspector settings.
func (c *DatasourceConfig) IntrospectorConfig() datasource.IntrospectorConfig {
	return datasource.IntrospectorConfig{
		Timeout:     c.IntrospectionTimeout,
		SnapshotTTL: c.SnapshotTTL,
		CacheSize:   c.SnapshotCacheSize,
	}
}
