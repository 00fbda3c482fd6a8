package datasource

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datasource/pkg/retry"
)

var (
	errFakeAuth   = errors.New("fake: password authentication failed")
	errFakeSyntax = errors.New("fake: syntax error at or near \"SELEC\"")
)

// fakeAdapter is an in-memory dialect used by the package tests. It registers
// as postgres so the registry accepts it.
type fakeAdapter struct {
	caps Capabilities

	mu       sync.Mutex
	sessions []*fakeSession

	// connectErr decides whether Connect fails for the given credentials.
	connectErr func(creds *Credentials) error
	// onQuery serves every session's queries; n is the session's index.
	onQuery func(ctx context.Context, n int, sql string, opts QueryOptions) (Rows, error)
	connects atomic.Int32
}

var fakeTypes = TypeTable{
	Exact: map[string]CanonicalType{
		"int8":    CanonicalBigInt,
		"int4":    CanonicalBigInt,
		"text":    CanonicalText,
		"varchar": CanonicalText,
		"date":    CanonicalDate,
		"numeric": CanonicalDecimal,
		"bytea":   CanonicalBytea,
		"bool":    CanonicalBoolean,
	},
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{caps: Capabilities{Limit: LimitClause, WrapCTE: true}}
}

func (a *fakeAdapter) Dialect() Dialect { return DialectPostgres }

func (a *fakeAdapter) Info() AdapterInfo {
	return AdapterInfo{Dialect: DialectPostgres, DisplayName: "Fake", Description: "in-memory test adapter"}
}

func (a *fakeAdapter) Capabilities() Capabilities { return a.caps }

func (a *fakeAdapter) Connect(ctx context.Context, cfg *DataSourceConfig, creds *Credentials) (Session, error) {
	a.connects.Add(1)
	if a.connectErr != nil {
		if err := a.connectErr(creds); err != nil {
			return nil, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &fakeSession{adapter: a, n: len(a.sessions)}
	a.sessions = append(a.sessions, s)
	return s, nil
}

func (a *fakeAdapter) MapType(native string) CanonicalType { return fakeTypes.Map(native) }

func (a *fakeAdapter) CatalogQuery(cfg *DataSourceConfig) string { return "CATALOG" }

func (a *fakeAdapter) ClassifyError(err error) *apperrors.Error {
	switch {
	case errors.Is(err, errFakeAuth):
		return apperrors.Wrap(apperrors.KindAuth, "", err)
	case errors.Is(err, errFakeSyntax):
		return apperrors.Wrap(apperrors.KindSyntax, "", err).WithCode("42601")
	}
	return nil
}

func (a *fakeAdapter) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (a *fakeAdapter) QuoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func (a *fakeAdapter) session(n int) *fakeSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[n]
}

func (a *fakeAdapter) sessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

type fakeSession struct {
	adapter *fakeAdapter
	n       int
	closed  atomic.Bool

	mu      sync.Mutex
	queries []string
	opts    []QueryOptions
}

func (s *fakeSession) Query(ctx context.Context, sql string, args []any, opts QueryOptions) (Rows, error) {
	s.mu.Lock()
	s.queries = append(s.queries, sql)
	s.opts = append(s.opts, opts)
	s.mu.Unlock()
	if s.adapter.onQuery == nil {
		return newFakeRows([]RawColumn{{Name: "one", NativeType: "int4"}}, [][]any{{int64(1)}}), nil
	}
	return s.adapter.onQuery(ctx, s.n, sql, opts)
}

func (s *fakeSession) Ping(ctx context.Context) error { return nil }

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSession) lastQuery() (string, QueryOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[len(s.queries)-1], s.opts[len(s.opts)-1]
}

type fakeRows struct {
	cols   []RawColumn
	data   [][]any
	idx    int
	err    error
	closed bool
}

func newFakeRows(cols []RawColumn, data [][]any) *fakeRows {
	return &fakeRows{cols: cols, data: data, idx: -1}
}

func (r *fakeRows) Columns() []RawColumn { return r.cols }

func (r *fakeRows) Next() bool {
	if r.idx+1 >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	row := make([]any, len(r.data[r.idx]))
	copy(row, r.data[r.idx])
	return row, nil
}

func (r *fakeRows) Err() error   { return r.err }
func (r *fakeRows) Close() error { r.closed = true; return nil }

func intRows(n int) *fakeRows {
	data := make([][]any, n)
	for i := range data {
		data[i] = []any{int64(i)}
	}
	return newFakeRows([]RawColumn{{Name: "n", NativeType: "int8"}}, data)
}

// fakeProvider hands out password credentials; each Refresh bumps the version.
type fakeProvider struct {
	mu         sync.Mutex
	password   string
	resolveErr error
	refreshErr error
	resolves   atomic.Int32
	refreshes  atomic.Int32
	// refreshGate, when set, blocks Refresh until closed.
	refreshGate chan struct{}
	// refreshed is the password handed out by Refresh.
	refreshed string
}

func (p *fakeProvider) Resolve(ctx context.Context, cfg *DataSourceConfig) (*Credentials, error) {
	p.resolves.Add(1)
	if p.resolveErr != nil {
		return nil, p.resolveErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Credentials{Values: map[string]string{"user": "analyst", "password": p.password}}, nil
}

func (p *fakeProvider) Refresh(ctx context.Context, cfg *DataSourceConfig) (*Credentials, error) {
	p.refreshes.Add(1)
	if p.refreshGate != nil {
		<-p.refreshGate
	}
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pw := p.refreshed
	if pw == "" {
		pw = p.password
	}
	return &Credentials{Values: map[string]string{"user": "analyst", "password": pw}}, nil
}

func testDataSource(org uuid.UUID) *DataSourceConfig {
	return &DataSourceConfig{
		ID:             uuid.New(),
		Name:           "warehouse",
		OrganizationID: org,
		Dialect:        DialectPostgres,
		Params:         map[string]any{"host": "db.internal", "port": 5432},
	}
}

// fastRetry keeps connect retries from slowing tests down.
func fastRetry() *retry.Config {
	return &retry.Config{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

type testEnv struct {
	adapter  *fakeAdapter
	provider *fakeProvider
	registry *Registry
	manager  *ConnectionManager
	executor *QueryExecutor
}

func newTestEnv(t *testing.T, cfg ConnectionManagerConfig) *testEnv {
	t.Helper()
	adapter := newFakeAdapter()
	registry := NewRegistry()
	require.NoError(t, registry.Register(DialectPostgres, func() Adapter { return adapter }))

	if cfg.ConnectRetry == nil {
		cfg.ConnectRetry = fastRetry()
	}
	provider := &fakeProvider{password: "initial-secret-pw"}
	logger := zaptest.NewLogger(t)
	manager := NewConnectionManager(cfg, registry, provider, nil, logger)
	t.Cleanup(func() { _ = manager.Close() })

	return &testEnv{
		adapter:  adapter,
		provider: provider,
		registry: registry,
		manager:  manager,
		executor: NewQueryExecutor(registry, manager, ExecutorConfig{}, nil, logger),
	}
}
