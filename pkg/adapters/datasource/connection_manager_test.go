package datasource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestConnectionManager_ReusesIdleHandle(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	ctx := context.Background()
	ds := testDataSource(uuid.New())

	h1, err := env.manager.Acquire(ctx, ds, "user-1")
	require.NoError(t, err)
	assert.Equal(t, HandleLeased, h1.State())
	assert.Equal(t, "user-1", h1.LeaseOwner())
	env.manager.Release(h1)
	assert.Equal(t, HandleIdle, h1.State())

	h2, err := env.manager.Acquire(ctx, ds, "user-2")
	require.NoError(t, err)
	defer env.manager.Release(h2)

	assert.Equal(t, h1.ID, h2.ID, "idle handle should be reused")
	assert.Equal(t, int32(1), env.adapter.connects.Load())
	assert.Equal(t, int32(1), env.provider.resolves.Load())
}

func TestConnectionManager_AcquireFreshOpensNewConnection(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	ctx := context.Background()
	ds := testDataSource(uuid.Nil)

	h1, err := env.manager.Acquire(ctx, ds, "test")
	require.NoError(t, err)
	env.manager.Release(h1)

	h2, err := env.manager.AcquireFresh(ctx, ds, "test")
	require.NoError(t, err)
	defer env.manager.Release(h2)

	assert.NotEqual(t, h1.ID, h2.ID)
	assert.Equal(t, int32(2), env.adapter.connects.Load())
}

func TestConnectionManager_DoubleReleaseIsNoop(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	ds := testDataSource(uuid.New())

	h, err := env.manager.Acquire(context.Background(), ds, "test")
	require.NoError(t, err)
	env.manager.Release(h)
	env.manager.Release(h)

	stats := env.manager.GetStats()
	assert.Equal(t, 1, stats.IdleConnections)
	assert.Equal(t, 0, stats.LeasedConnections)
}

func TestConnectionManager_PoolExhausted(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	ds := testDataSource(uuid.New())
	ds.PoolSize = 1

	h, err := env.manager.Acquire(ctx, ds, "holder")
	require.NoError(t, err)
	defer env.manager.Release(h)

	_, err = env.manager.Acquire(ctx, ds, "waiter")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindPoolExhausted))
	assert.ErrorIs(t, err, apperrors.ErrPoolExhausted)

	var classified *apperrors.Error
	require.ErrorAs(t, err, &classified)
	assert.True(t, classified.Retryable)
}

func TestConnectionManager_OrganizationCap(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{OrgMaxConns: 1, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	org := uuid.New()
	first := testDataSource(org)
	second := testDataSource(org)

	h, err := env.manager.Acquire(ctx, first, "a")
	require.NoError(t, err)

	_, err = env.manager.Acquire(ctx, second, "b")
	assert.True(t, apperrors.Is(err, apperrors.KindPoolExhausted), "second data source of the org should wait on the org cap")

	// Another organization is unaffected.
	other, err := env.manager.Acquire(ctx, testDataSource(uuid.New()), "c")
	require.NoError(t, err)
	env.manager.Release(other)

	env.manager.Release(h)
	h2, err := env.manager.Acquire(ctx, second, "b")
	require.NoError(t, err)
	env.manager.Release(h2)
}

func TestConnectionManager_AcquireCancelledWhileWaiting(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	ds := testDataSource(uuid.New())
	ds.PoolSize = 1

	h, err := env.manager.Acquire(context.Background(), ds, "holder")
	require.NoError(t, err)
	defer env.manager.Release(h)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = env.manager.Acquire(ctx, ds, "waiter")
	assert.True(t, apperrors.Is(err, apperrors.KindCancelled))
}

func TestConnectionManager_ConcurrentAcquireRespectsPoolSize(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	ds := testDataSource(uuid.New())
	ds.PoolSize = 3

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, 12)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := env.manager.Acquire(context.Background(), ds, fmt.Sprintf("worker-%d", i))
			if err != nil {
				errs <- err
				return
			}
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			env.manager.Release(h)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected acquire error: %v", err)
	}
	assert.LessOrEqual(t, maxActive.Load(), int32(3))
	assert.LessOrEqual(t, env.adapter.sessionCount(), 3)
}

func TestConnectionManager_IdleTTLCleanup(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{IdleTTL: time.Minute})
	clock := newFakeClock()
	env.manager.now = clock.Now
	ds := testDataSource(uuid.New())

	h, err := env.manager.Acquire(context.Background(), ds, "test")
	require.NoError(t, err)
	env.manager.Release(h)

	env.manager.performCleanup()
	assert.False(t, env.adapter.session(0).closed.Load(), "handle within TTL must stay open")

	clock.Advance(2 * time.Minute)
	env.manager.performCleanup()

	assert.True(t, env.adapter.session(0).closed.Load())
	assert.Equal(t, HandleClosed, h.State())
	assert.Equal(t, 0, env.manager.GetStats().TotalConnections)
}

func TestConnectionManager_ExpiredIdleHandleNotReused(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{IdleTTL: time.Minute})
	clock := newFakeClock()
	env.manager.now = clock.Now
	ctx := context.Background()
	ds := testDataSource(uuid.New())

	h1, err := env.manager.Acquire(ctx, ds, "test")
	require.NoError(t, err)
	env.manager.Release(h1)

	clock.Advance(5 * time.Minute)
	h2, err := env.manager.Acquire(ctx, ds, "test")
	require.NoError(t, err)
	defer env.manager.Release(h2)

	assert.NotEqual(t, h1.ID, h2.ID)
	assert.Eventually(t, env.adapter.session(0).closed.Load, time.Second, 5*time.Millisecond)
}

func TestConnectionManager_RefreshesRejectedCredentialsOnce(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	env.provider.refreshed = "rotated-secret-pw"
	env.adapter.connectErr = func(creds *Credentials) error {
		if creds.Get("password") == "initial-secret-pw" {
			return errFakeAuth
		}
		return nil
	}
	ds := testDataSource(uuid.New())

	h, err := env.manager.Acquire(context.Background(), ds, "test")
	require.NoError(t, err)
	defer env.manager.Release(h)

	assert.Equal(t, int32(2), env.adapter.connects.Load())
	assert.Equal(t, int32(1), env.provider.refreshes.Load())
	assert.Equal(t, CredentialsAuthenticated, env.manager.CredentialState(ds.ID))
}

func TestConnectionManager_SecondAuthFailureIsFinal(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	env.adapter.connectErr = func(*Credentials) error { return errFakeAuth }
	ds := testDataSource(uuid.New())

	_, err := env.manager.Acquire(context.Background(), ds, "test")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindAuth))
	assert.ErrorIs(t, err, apperrors.ErrCredentialsRejected)
	assert.Equal(t, CredentialsFailed, env.manager.CredentialState(ds.ID))

	// Failed credentials short-circuit without asking the provider again.
	_, err = env.manager.Acquire(context.Background(), ds, "test")
	assert.True(t, apperrors.Is(err, apperrors.KindAuth))
	assert.Equal(t, int32(1), env.provider.resolves.Load())
	assert.Equal(t, int32(1), env.provider.refreshes.Load())
	assert.Equal(t, int32(2), env.adapter.connects.Load())

	stats := env.manager.GetStats()
	assert.Equal(t, 0, stats.TotalConnections, "failed connects must release their slots")
}

func TestConnectionManager_ExpiredCredentialsRefreshOnlyOnce(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	var allowed atomic.Bool
	allowed.Store(true)
	env.adapter.connectErr = func(*Credentials) error {
		if allowed.Load() {
			return nil
		}
		return errFakeAuth
	}
	ds := testDataSource(uuid.New())

	h, err := env.manager.Acquire(context.Background(), ds, "test")
	require.NoError(t, err)
	env.manager.Release(h)

	allowed.Store(false)
	env.manager.ExpireCredentials(ds.ID)

	_, err = env.manager.AcquireFresh(context.Background(), ds, "test")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindAuth))
	assert.ErrorIs(t, err, apperrors.ErrCredentialsRejected)
	assert.Equal(t, int32(1), env.provider.refreshes.Load(), "expired credentials are refreshed once per acquire")
	assert.Equal(t, int32(2), env.adapter.connects.Load())
	assert.Equal(t, CredentialsFailed, env.manager.CredentialState(ds.ID))
}

func TestConnectionManager_ProviderFailureIsAuthError(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	env.provider.resolveErr = errors.New("secrets backend unavailable")
	ds := testDataSource(uuid.New())

	_, err := env.manager.Acquire(context.Background(), ds, "test")
	assert.True(t, apperrors.Is(err, apperrors.KindAuth))
	assert.Equal(t, int32(0), env.adapter.connects.Load())
}

func TestConnectionManager_ConnectErrorsAreRedacted(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	adapter := newFakeAdapter()
	adapter.connectErr = func(creds *Credentials) error {
		return fmt.Errorf("login rejected for postgres://analyst:%s@db.internal:5432/app", creds.Get("password"))
	}
	registry := NewRegistry()
	require.NoError(t, registry.Register(DialectPostgres, func() Adapter { return adapter }))
	provider := &fakeProvider{password: "hunter2-very-secret"}
	manager := NewConnectionManager(ConnectionManagerConfig{ConnectRetry: fastRetry()}, registry, provider, nil, zap.New(core))
	defer manager.Close()

	_, err := manager.Acquire(context.Background(), testDataSource(uuid.New()), "test")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2-very-secret")

	var classified *apperrors.Error
	require.ErrorAs(t, err, &classified)
	assert.NotContains(t, classified.UserMessage, "hunter2-very-secret")
	if classified.Err != nil {
		assert.NotContains(t, classified.Err.Error(), "hunter2-very-secret")
	}

	require.NotZero(t, logs.Len())
	for _, entry := range logs.All() {
		for _, field := range entry.Context {
			assert.NotContains(t, field.String, "hunter2-very-secret", "log field %s leaked a secret", field.Key)
		}
	}
}

func TestConnectionManager_RotationEvictsIdleHandles(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	env.provider.refreshed = "rotated-secret-pw"
	ctx := context.Background()
	ds := testDataSource(uuid.New())

	leased, err := env.manager.Acquire(ctx, ds, "long-running")
	require.NoError(t, err)
	idle, err := env.manager.AcquireFresh(ctx, ds, "short")
	require.NoError(t, err)
	env.manager.Release(idle)

	env.manager.ExpireCredentials(ds.ID)
	assert.Equal(t, CredentialsExpired, env.manager.CredentialState(ds.ID))

	// Expiry only affects new connections.
	h, err := env.manager.AcquireFresh(ctx, ds, "after-rotation")
	require.NoError(t, err)
	defer env.manager.Release(h)

	assert.Equal(t, int32(1), env.provider.refreshes.Load())
	assert.NotEqual(t, idle.ID, h.ID, "idle handle from before rotation must not be reused")
	assert.Eventually(t, env.adapter.session(1).closed.Load, time.Second, 5*time.Millisecond)

	// Leased handles from the old generation close on release.
	env.manager.Release(leased)
	assert.Eventually(t, env.adapter.session(0).closed.Load, time.Second, 5*time.Millisecond)
}

func TestConnectionManager_Close(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	ctx := context.Background()
	ds := testDataSource(uuid.New())

	leased, err := env.manager.Acquire(ctx, ds, "test")
	require.NoError(t, err)
	idle, err := env.manager.AcquireFresh(ctx, ds, "test")
	require.NoError(t, err)
	env.manager.Release(idle)

	require.NoError(t, env.manager.Close())
	require.NoError(t, env.manager.Close(), "Close should be idempotent")
	assert.True(t, env.adapter.session(1).closed.Load())

	_, err = env.manager.Acquire(ctx, ds, "test")
	assert.ErrorIs(t, err, apperrors.ErrManagerClosed)

	env.manager.Release(leased)
	assert.Eventually(t, env.adapter.session(0).closed.Load, time.Second, 5*time.Millisecond)
}

func TestConnectionManager_GetStats(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	ctx := context.Background()
	org := uuid.New()
	ds1 := testDataSource(org)
	ds2 := testDataSource(org)

	h1, err := env.manager.Acquire(ctx, ds1, "a")
	require.NoError(t, err)
	h2, err := env.manager.Acquire(ctx, ds1, "b")
	require.NoError(t, err)
	h3, err := env.manager.Acquire(ctx, ds2, "c")
	require.NoError(t, err)
	env.manager.Release(h3)

	stats := env.manager.GetStats()
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 2, stats.LeasedConnections)
	assert.Equal(t, 1, stats.IdleConnections)
	assert.Equal(t, 2, stats.ConnectionsByDataSource[ds1.ID.String()])
	assert.Equal(t, 1, stats.ConnectionsByDataSource[ds2.ID.String()])
	assert.Equal(t, 3, stats.ConnectionsByOrganization[org.String()])
	assert.Equal(t, int(DefaultIdleTTL.Seconds()), stats.IdleTTLSeconds)

	env.manager.Release(h1)
	env.manager.Release(h2)
}

func TestConnectionManager_TestConnection(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	ds := testDataSource(uuid.New())

	require.NoError(t, env.manager.TestConnection(context.Background(), ds))
	assert.Equal(t, 1, env.manager.GetStats().IdleConnections)
}

func TestConnectionManager_RejectsUnknownDialect(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	ds := testDataSource(uuid.New())
	ds.Dialect = DialectBigQuery

	_, err := env.manager.Acquire(context.Background(), ds, "test")
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedDialect)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestConnectionManager_ForgetDropsCredentials(t *testing.T) {
	env := newTestEnv(t, ConnectionManagerConfig{})
	ds := testDataSource(uuid.New())

	h, err := env.manager.Acquire(context.Background(), ds, "test")
	require.NoError(t, err)
	env.manager.Release(h)

	env.manager.Forget(ds.ID)
	assert.Equal(t, CredentialsUnresolved, env.manager.CredentialState(ds.ID))
	assert.Eventually(t, env.adapter.session(0).closed.Load, time.Second, 5*time.Millisecond)
}
