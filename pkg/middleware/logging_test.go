package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLogger_LogsStatusAndBytes(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("gone"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "HTTP request", logs.All()[0].Message)
	assert.Equal(t, int64(http.StatusNotFound), fields["status"])
	assert.Equal(t, int64(4), fields["bytes"])
	assert.Equal(t, "/metrics", fields["path"])
}

func TestRequestLogger_NilLoggerPassesThrough(t *testing.T) {
	called := false
	handler := RequestLogger(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestStatusRecorder_IgnoresDuplicateWriteHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}

	sr.WriteHeader(http.StatusCreated)
	sr.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusCreated, sr.status)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestStatusRecorder_WriteImpliesOK(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: 0}

	_, err := sr.Write([]byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, sr.status)
	assert.Equal(t, 2, sr.bytes)
}

func TestRecover(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := Recover(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "HTTP handler panic", logs.All()[0].Message)
}
