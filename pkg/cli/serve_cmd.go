package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-datasource/pkg/middleware"
)

func newServeCmd(opts func() appOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Expose metrics and run scheduled schema snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			o := opts()
			o.registerer = reg
			a, err := newApp(o)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.serve(ctx, reg)
		},
	}
}

func (a *app) serve(ctx context.Context, gatherer prometheus.Gatherer) error {
	scheduler := datasource.NewSnapshotScheduler(a.introspector, func(ds *datasource.DataSourceConfig, diff datasource.SchemaDiff) {
		a.logger.Info("Schema changed",
			zap.String("datasource", ds.Name),
			zap.Int("added", len(diff.Added)),
			zap.Int("removed", len(diff.Removed)),
			zap.Int("retyped", len(diff.Retyped)))
	}, a.logger)

	for _, ds := range a.catalog.DataSources {
		spec := a.catalog.Schedules[ds.ID]
		if spec == "" {
			spec = a.cfg.Datasource.SnapshotSchedule
		}
		if spec == "" {
			continue
		}
		if err := scheduler.Schedule(spec, ds); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           a.statusHandler(gatherer, scheduler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting metrics server",
			zap.String("addr", srv.Addr),
			zap.String("version", a.cfg.Version),
			zap.Int("datasources", len(a.catalog.DataSources)),
			zap.Int("scheduled", scheduler.Scheduled()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.logger.Info("Shutting down")
	return srv.Shutdown(shutdownCtx)
}

// statusHandler serves /metrics, /healthz and /status.
func (a *app) statusHandler(gatherer prometheus.Gatherer, scheduler *datasource.SnapshotScheduler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		credentials := make(map[string]string, len(a.catalog.DataSources))
		for _, ds := range a.catalog.DataSources {
			credentials[ds.Name] = a.manager.CredentialState(ds.ID).String()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = printJSON(w, map[string]any{
			"version":     a.cfg.Version,
			"connections": a.manager.GetStats(),
			"credentials": credentials,
			"scheduled":   scheduler.Scheduled(),
		})
	})

	var h http.Handler = mux
	h = middleware.RequestLogger(a.logger)(h)
	return middleware.Recover(a.logger)(h)
}
