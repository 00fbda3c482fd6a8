package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
)

func TestStatusHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := newApp(appOptions{
		configPath:  filepath.Join(t.TempDir(), "none.yaml"),
		catalogPath: newWorkspace(t),
		version:     "test",
		registerer:  reg,
		logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	defer a.Close()

	ds, err := a.catalog.Lookup("shop")
	require.NoError(t, err)
	_, err = a.executor.Run(context.Background(), ds, datasource.QueryRequest{SQL: "SELECT 1"})
	require.NoError(t, err)

	scheduler := datasource.NewSnapshotScheduler(a.introspector, nil, a.logger)
	srv := httptest.NewServer(a.statusHandler(reg, scheduler))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Version     string                     `json:"version"`
		Connections datasource.ConnectionStats `json:"connections"`
		Credentials map[string]string          `json:"credentials"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, 1, status.Connections.IdleConnections)
	assert.Equal(t, datasource.CredentialsAuthenticated.String(), status.Credentials["shop"])

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}
