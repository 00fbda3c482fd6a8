package cli

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource/builtin"
	"github.com/ekaya-inc/ekaya-datasource/pkg/audit"
	"github.com/ekaya-inc/ekaya-datasource/pkg/config"
	"github.com/ekaya-inc/ekaya-datasource/pkg/crypto"
	"github.com/ekaya-inc/ekaya-datasource/pkg/logging"
	"github.com/ekaya-inc/ekaya-datasource/pkg/metrics"
)

type appOptions struct {
	configPath  string
	catalogPath string
	version     string
	// registerer receives metrics; nil disables them.
	registerer prometheus.Registerer
	// logger overrides the configured logger.
	logger *zap.Logger
}

// app wires the query layer for one CLI invocation.
type app struct {
	cfg          *config.Config
	catalog      *config.Catalog
	logger       *zap.Logger
	metrics      *metrics.Metrics
	registry     *datasource.Registry
	manager      *datasource.ConnectionManager
	executor     *datasource.QueryExecutor
	introspector *datasource.SchemaIntrospector
}

func newApp(opts appOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath, opts.version)
	if err != nil {
		return nil, err
	}
	if opts.catalogPath != "" {
		cfg.CatalogPath = opts.catalogPath
	}

	logger := opts.logger
	if logger == nil {
		if logger, err = logging.NewLogger(cfg.Env, cfg.LogLevel); err != nil {
			return nil, err
		}
	}

	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	registry, err := builtin.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter registry: %w", err)
	}

	var m *metrics.Metrics
	if opts.registerer != nil {
		m = metrics.New(opts.registerer)
	}

	var sealer *crypto.Sealer
	if cfg.CredentialsKey != "" {
		if sealer, err = crypto.NewSealer(cfg.CredentialsKey); err != nil {
			return nil, err
		}
	}

	manager := datasource.NewConnectionManager(cfg.Datasource.ManagerConfig(), registry,
		config.NewEnvCredentialProvider(sealer), m, logger)
	executor := datasource.NewQueryExecutor(registry, manager, cfg.Datasource.ExecutorConfig(), m, logger).
		WithObserver(audit.NewQueryAuditor(logger))

	return &app{
		cfg:          cfg,
		catalog:      catalog,
		logger:       logger,
		metrics:      m,
		registry:     registry,
		manager:      manager,
		executor:     executor,
		introspector: datasource.NewSchemaIntrospector(registry, manager, cfg.Datasource.IntrospectorConfig(), m, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.manager.Close(); err != nil {
		a.logger.Warn("Failed to close connection manager", zap.Error(err))
	}
	_ = a.logger.Sync()
}
