package datasource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datasource/pkg/logging"
	"github.com/ekaya-inc/ekaya-datasource/pkg/metrics"
	"github.com/ekaya-inc/ekaya-datasource/pkg/retry"
)

const (
	DefaultIdleTTL         = 5 * time.Minute
	DefaultCleanupInterval = 1 * time.Minute
	DefaultPoolMaxConns    = 10
	DefaultOrgMaxConns     = 50
	DefaultAcquireTimeout  = 10 * time.Second
	DefaultConnectTimeout  = 30 * time.Second
)

// ConnectionManagerConfig holds configuration for the connection manager
type ConnectionManagerConfig struct {
	IdleTTL         time.Duration
	CleanupInterval time.Duration
	// PoolMaxConns caps handles per data source unless DataSourceConfig.PoolSize is set.
	PoolMaxConns int
	// OrgMaxConns caps handles across all data sources of one organization.
	OrgMaxConns    int
	AcquireTimeout time.Duration
	ConnectTimeout time.Duration
	// ConnectRetry governs retries of transient connect failures.
	ConnectRetry *retry.Config
}

func (c *ConnectionManagerConfig) applyDefaults() {
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.PoolMaxConns <= 0 {
		c.PoolMaxConns = DefaultPoolMaxConns
	}
	if c.OrgMaxConns <= 0 {
		c.OrgMaxConns = DefaultOrgMaxConns
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConnectRetry == nil {
		c.ConnectRetry = retry.DefaultConfig()
	}
}

// HandleState is the lifecycle of a ConnectionHandle.
type HandleState int

const (
	HandleIdle HandleState = iota
	HandleLeased
	HandleClosed
)

// ConnectionHandle is a leased physical connection. At most one query runs
// on a handle at a time.
type ConnectionHandle struct {
	ID           uuid.UUID
	DataSourceID uuid.UUID
	Dialect      Dialect

	session Session
	pool    *dataSourcePool

	// execMu serializes queries; inflight tracks driver calls still running
	// after a watchdog fired so the session is closed only once they return.
	execMu   sync.Mutex
	inflight sync.WaitGroup
	discard  atomic.Bool

	// guarded by pool.mu
	state      HandleState
	leaseOwner string
	lastUsed   time.Time
	generation uint64
	orgSlot    *semaphore.Weighted
}

// MarkDiscard flags the handle so Release closes it instead of pooling it.
func (h *ConnectionHandle) MarkDiscard() { h.discard.Store(true) }

// Discarded reports whether the handle will be closed on release.
func (h *ConnectionHandle) Discarded() bool { return h.discard.Load() }

// LeaseOwner returns the requester that holds the handle.
func (h *ConnectionHandle) LeaseOwner() string {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.leaseOwner
}

// State returns the current lifecycle state.
func (h *ConnectionHandle) State() HandleState {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.state
}

// dataSourcePool holds the handles of one data source.
type dataSourcePool struct {
	mu         sync.Mutex
	dataSource uuid.UUID
	dialect    Dialect
	org        uuid.UUID
	size       int
	slots      *semaphore.Weighted
	idle       []*ConnectionHandle
	leased     map[uuid.UUID]*ConnectionHandle
	generation uint64 // bumped on credential rotation
}

// ConnectionManager leases per-data-source connection handles with idle-TTL
// eviction, per-organization caps and credential refresh.
type ConnectionManager struct {
	mu       sync.RWMutex
	pools    map[uuid.UUID]*dataSourcePool
	orgSlots map[uuid.UUID]*semaphore.Weighted
	cfg      ConnectionManagerConfig
	registry *Registry
	creds    *credentialStore
	metrics  *metrics.Metrics
	stopped  bool
	stopChan chan struct{}
	logger   *zap.Logger
	now      func() time.Time
}

// NewConnectionManager creates a connection manager. A background sweep
// closes idle handles past their TTL until Close is called.
func NewConnectionManager(cfg ConnectionManagerConfig, registry *Registry, provider CredentialProvider, m *metrics.Metrics, logger *zap.Logger) *ConnectionManager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	manager := &ConnectionManager{
		pools:    make(map[uuid.UUID]*dataSourcePool),
		orgSlots: make(map[uuid.UUID]*semaphore.Weighted),
		cfg:      cfg,
		registry: registry,
		metrics:  m,
		stopChan: make(chan struct{}),
		logger:   logger,
		now:      time.Now,
	}
	manager.creds = newCredentialStore(provider, manager.rotate, m, logger)

	go manager.cleanupExpiredConnections()
	return manager
}

// Acquire leases a handle for cfg, opening a connection when no idle one
// exists. Waits at most AcquireTimeout for a free slot.
func (m *ConnectionManager) Acquire(ctx context.Context, cfg *DataSourceConfig, requester string) (*ConnectionHandle, error) {
	return m.acquire(ctx, cfg, requester, false)
}

// AcquireFresh is Acquire that never reuses an idle handle.
func (m *ConnectionManager) AcquireFresh(ctx context.Context, cfg *DataSourceConfig, requester string) (*ConnectionHandle, error) {
	return m.acquire(ctx, cfg, requester, true)
}

func (m *ConnectionManager) acquire(ctx context.Context, cfg *DataSourceConfig, requester string, fresh bool) (*ConnectionHandle, error) {
	if cfg == nil || cfg.ID == uuid.Nil {
		return nil, apperrors.New(apperrors.KindConfig, "", "data source config with an id is required")
	}
	adapter, err := m.registry.Resolve(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	pool, org, err := m.poolFor(cfg)
	if err != nil {
		return nil, err
	}

	start := m.now()
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	if err := pool.slots.Acquire(waitCtx, 1); err != nil {
		return nil, m.acquireFailed(ctx, cfg, err)
	}
	if org != nil {
		if err := org.Acquire(waitCtx, 1); err != nil {
			pool.slots.Release(1)
			return nil, m.acquireFailed(ctx, cfg, err)
		}
	}
	m.metrics.ObserveAcquireWait(m.now().Sub(start))

	var handle *ConnectionHandle
	if !fresh {
		handle = m.takeIdle(pool)
	}
	if handle == nil {
		handle, err = m.openHandle(ctx, adapter, cfg, pool)
		if err != nil {
			if org != nil {
				org.Release(1)
			}
			pool.slots.Release(1)
			return nil, m.registry.Classify(cfg.Dialect, err)
		}
	}

	pool.mu.Lock()
	handle.state = HandleLeased
	handle.leaseOwner = requester
	handle.lastUsed = m.now()
	handle.orgSlot = org
	pool.leased[handle.ID] = handle
	pool.mu.Unlock()

	m.metrics.HandleLeased(string(cfg.Dialect))
	return handle, nil
}

// acquireFailed distinguishes caller cancellation from slot exhaustion.
func (m *ConnectionManager) acquireFailed(ctx context.Context, cfg *DataSourceConfig, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return apperrors.Wrap(apperrors.KindTimeout, string(cfg.Dialect), ctxErr)
		}
		return apperrors.Wrap(apperrors.KindCancelled, string(cfg.Dialect), ctxErr)
	}
	m.metrics.PoolExhausted(string(cfg.Dialect))
	m.logger.Warn("connection pool exhausted",
		zap.String("datasource_id", cfg.ID.String()),
		zap.Duration("acquire_timeout", m.cfg.AcquireTimeout),
	)
	return &apperrors.Error{
		Kind:        apperrors.KindPoolExhausted,
		Dialect:     string(cfg.Dialect),
		UserMessage: fmt.Sprintf("no connection available for data source %s within %s", cfg.ID, m.cfg.AcquireTimeout),
		Retryable:   true,
		Err:         apperrors.ErrPoolExhausted,
	}
}

// poolFor returns the pool and organization semaphore for cfg, creating
// them on first use.
func (m *ConnectionManager) poolFor(cfg *DataSourceConfig) (*dataSourcePool, *semaphore.Weighted, error) {
	m.mu.RLock()
	pool, ok := m.pools[cfg.ID]
	org := m.orgSlots[cfg.OrganizationID]
	stopped := m.stopped
	m.mu.RUnlock()

	if stopped {
		return nil, nil, apperrors.Wrap(apperrors.KindConfig, string(cfg.Dialect), apperrors.ErrManagerClosed)
	}
	if ok && (org != nil || cfg.OrganizationID == uuid.Nil) {
		return pool, org, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if m.stopped {
		return nil, nil, apperrors.Wrap(apperrors.KindConfig, string(cfg.Dialect), apperrors.ErrManagerClosed)
	}
	pool, ok = m.pools[cfg.ID]
	if !ok {
		size := m.cfg.PoolMaxConns
		if cfg.PoolSize > 0 {
			size = cfg.PoolSize
		}
		pool = &dataSourcePool{
			dataSource: cfg.ID,
			dialect:    cfg.Dialect,
			org:        cfg.OrganizationID,
			size:       size,
			slots:      semaphore.NewWeighted(int64(size)),
			leased:     make(map[uuid.UUID]*ConnectionHandle),
		}
		m.pools[cfg.ID] = pool
	}
	if cfg.OrganizationID != uuid.Nil {
		org, ok = m.orgSlots[cfg.OrganizationID]
		if !ok {
			org = semaphore.NewWeighted(int64(m.cfg.OrgMaxConns))
			m.orgSlots[cfg.OrganizationID] = org
		}
	}
	return pool, org, nil
}

// takeIdle pops the most recently used idle handle that is still within TTL.
func (m *ConnectionManager) takeIdle(pool *dataSourcePool) *ConnectionHandle {
	now := m.now()
	var expired []*ConnectionHandle

	pool.mu.Lock()
	var handle *ConnectionHandle
	for len(pool.idle) > 0 {
		last := pool.idle[len(pool.idle)-1]
		pool.idle = pool.idle[:len(pool.idle)-1]
		if now.Sub(last.lastUsed) > m.cfg.IdleTTL || last.generation != pool.generation {
			last.state = HandleClosed
			expired = append(expired, last)
			continue
		}
		handle = last
		break
	}
	pool.mu.Unlock()

	for _, h := range expired {
		go m.closeSession(h)
	}
	return handle
}

// openHandle connects with current credentials. An auth failure triggers a
// single credential refresh and one more connect; a second auth failure is
// final. Credentials that were just refreshed are not refreshed again.
func (m *ConnectionManager) openHandle(ctx context.Context, adapter Adapter, cfg *DataSourceConfig, pool *dataSourcePool) (*ConnectionHandle, error) {
	creds, refreshed, err := m.creds.current(ctx, cfg)
	if err != nil {
		return nil, err
	}

	session, err := m.connect(ctx, adapter, cfg, creds)
	if err != nil && apperrors.Is(err, apperrors.KindAuth) && !refreshed {
		m.logger.Info("connection rejected credentials, refreshing",
			zap.String("datasource_id", cfg.ID.String()),
		)
		creds, err = m.creds.refresh(ctx, cfg, creds)
		if err != nil {
			return nil, err
		}
		session, err = m.connect(ctx, adapter, cfg, creds)
	}
	if err != nil && apperrors.Is(err, apperrors.KindAuth) {
		return nil, m.rejectCredentials(cfg, err)
	}
	if err != nil {
		return nil, err
	}

	pool.mu.Lock()
	generation := pool.generation
	pool.mu.Unlock()

	return &ConnectionHandle{
		ID:           uuid.New(),
		DataSourceID: cfg.ID,
		Dialect:      cfg.Dialect,
		session:      session,
		pool:         pool,
		lastUsed:     m.now(),
		generation:   generation,
	}, nil
}

// rejectCredentials marks refreshed credentials that were still rejected as
// Failed and returns the final auth error.
func (m *ConnectionManager) rejectCredentials(cfg *DataSourceConfig, err error) *apperrors.Error {
	var authErr *apperrors.Error
	errors.As(err, &authErr)
	final := &apperrors.Error{
		Kind:        apperrors.KindAuth,
		Dialect:     string(cfg.Dialect),
		Code:        authErr.Code,
		UserMessage: authErr.UserMessage,
		Err:         errors.Join(apperrors.ErrCredentialsRejected, authErr.Err),
	}
	m.creds.markFailed(cfg, final)
	return final
}

// connect opens a session, retrying transient failures. Errors are
// classified and scrubbed of every credential value.
func (m *ConnectionManager) connect(ctx context.Context, adapter Adapter, cfg *DataSourceConfig, creds *Credentials) (Session, error) {
	secrets := creds.SecretValues()
	return retry.DoWithResultIfRetryable(ctx, m.cfg.ConnectRetry, func() (Session, error) {
		connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()

		session, err := adapter.Connect(connectCtx, cfg, creds)
		if err != nil {
			classified := m.registry.Classify(cfg.Dialect, err).Redacted(secrets)
			m.logger.Warn("failed to open connection",
				zap.String("datasource_id", cfg.ID.String()),
				zap.String("dialect", string(cfg.Dialect)),
				zap.String("kind", string(classified.Kind)),
				zap.String("error", classified.UserMessage),
			)
			return nil, classified
		}
		return session, nil
	})
}

// Release returns a handle to its pool. Discarded handles, handles from
// before a credential rotation and handles released after Close are closed,
// and their pool and organization slots are freed only once the session is.
func (m *ConnectionManager) Release(h *ConnectionHandle) {
	if h == nil {
		return
	}
	pool := h.pool

	m.mu.RLock()
	stopped := m.stopped
	m.mu.RUnlock()

	pool.mu.Lock()
	if h.state != HandleLeased {
		pool.mu.Unlock()
		return
	}
	delete(pool.leased, h.ID)
	discard := h.Discarded() || h.generation != pool.generation || stopped
	org := h.orgSlot
	h.orgSlot = nil
	h.leaseOwner = ""
	if discard {
		h.state = HandleClosed
	} else {
		h.state = HandleIdle
		h.lastUsed = m.now()
		pool.idle = append(pool.idle, h)
	}
	pool.mu.Unlock()
	m.metrics.HandleReturned(string(h.Dialect), discard)

	if !discard {
		releaseSlots(pool, org)
		return
	}
	// A discarded handle may still have an abandoned driver call running;
	// its slots stay taken until that call returns.
	go func() {
		m.closeSession(h)
		releaseSlots(pool, org)
	}()
}

func releaseSlots(pool *dataSourcePool, org *semaphore.Weighted) {
	if org != nil {
		org.Release(1)
	}
	pool.slots.Release(1)
}

// Discard releases a handle and closes its connection.
func (m *ConnectionManager) Discard(h *ConnectionHandle) {
	if h == nil {
		return
	}
	h.MarkDiscard()
	m.Release(h)
}

// closeSession waits for any abandoned driver call and closes the session.
func (m *ConnectionManager) closeSession(h *ConnectionHandle) {
	h.inflight.Wait()
	if err := h.session.Close(); err != nil {
		m.logger.Debug("error closing connection",
			zap.String("handle_id", h.ID.String()),
			zap.String("error", logging.SanitizeError(err)),
		)
	}
}

// ExpireCredentials marks a data source's credentials expired so the next
// new connection refreshes them.
func (m *ConnectionManager) ExpireCredentials(dataSourceID uuid.UUID) {
	m.creds.expire(dataSourceID)
}

// CredentialState reports the credential lifecycle state of a data source.
func (m *ConnectionManager) CredentialState(dataSourceID uuid.UUID) CredentialState {
	return m.creds.state(dataSourceID)
}

// rotate evicts idle handles after credentials change. Leased handles are
// closed when released.
func (m *ConnectionManager) rotate(dataSourceID uuid.UUID) {
	m.mu.RLock()
	pool, ok := m.pools[dataSourceID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	pool.mu.Lock()
	pool.generation++
	evicted := pool.idle
	pool.idle = nil
	for _, h := range evicted {
		h.state = HandleClosed
	}
	pool.mu.Unlock()

	for _, h := range evicted {
		go m.closeSession(h)
	}
	if len(evicted) > 0 {
		m.logger.Info("evicted idle connections after credential rotation",
			zap.String("datasource_id", dataSourceID.String()),
			zap.Int("count", len(evicted)),
		)
	}
}

// Forget closes idle handles of a removed data source and drops its
// credentials. Leased handles close on release.
func (m *ConnectionManager) Forget(dataSourceID uuid.UUID) {
	m.rotate(dataSourceID)
	m.creds.forget(dataSourceID)
}

// TestConnection opens (or reuses) a handle and pings it.
func (m *ConnectionManager) TestConnection(ctx context.Context, cfg *DataSourceConfig) error {
	h, err := m.Acquire(ctx, cfg, "connection-test")
	if err != nil {
		return err
	}
	if err := h.session.Ping(ctx); err != nil {
		m.Discard(h)
		return m.registry.Classify(cfg.Dialect, err)
	}
	m.Release(h)
	return nil
}

// cleanupExpiredConnections runs periodically to close idle handles.
// Runs in a background goroutine until stopChan is closed.
func (m *ConnectionManager) cleanupExpiredConnections() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCleanup()
		case <-m.stopChan:
			return
		}
	}
}

// performCleanup closes idle handles unused for longer than the TTL.
// Lock ordering: manager lock, then pool lock.
func (m *ConnectionManager) performCleanup() {
	m.mu.RLock()
	if m.stopped {
		m.mu.RUnlock()
		return
	}
	pools := make([]*dataSourcePool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	now := m.now()
	var expired []*ConnectionHandle
	for _, pool := range pools {
		pool.mu.Lock()
		kept := pool.idle[:0]
		for _, h := range pool.idle {
			if now.Sub(h.lastUsed) > m.cfg.IdleTTL {
				h.state = HandleClosed
				expired = append(expired, h)
				m.logger.Debug("marking connection for cleanup",
					zap.String("datasource_id", pool.dataSource.String()),
					zap.Duration("idle_time", now.Sub(h.lastUsed)),
					zap.Duration("ttl", m.cfg.IdleTTL),
				)
				continue
			}
			kept = append(kept, h)
		}
		pool.idle = kept
		pool.mu.Unlock()
	}

	for _, h := range expired {
		m.closeSession(h)
	}
	if len(expired) > 0 {
		m.logger.Info("cleaned up expired connections", zap.Int("count", len(expired)))
	}
}

// Close closes all idle connections and stops the cleanup goroutine. Leased
// handles are closed when released. Idempotent.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stopChan)
	pools := m.pools
	m.mu.Unlock()

	for _, pool := range pools {
		pool.mu.Lock()
		idle := pool.idle
		pool.idle = nil
		for _, h := range idle {
			h.state = HandleClosed
		}
		pool.mu.Unlock()
		for _, h := range idle {
			m.closeSession(h)
		}
	}

	m.logger.Info("connection manager closed")
	return nil
}

// ConnectionStats contains statistics about the connection manager state.
type ConnectionStats struct {
	TotalConnections          int            `json:"total_connections"`
	IdleConnections           int            `json:"idle_connections"`
	LeasedConnections         int            `json:"leased_connections"`
	IdleTTLSeconds            int            `json:"idle_ttl_seconds"`
	ConnectionsByDataSource   map[string]int `json:"connections_by_data_source"`
	ConnectionsByOrganization map[string]int `json:"connections_by_organization"`
	OldestIdleSeconds         int            `json:"oldest_idle_seconds"`
}

// GetStats returns statistics about the connection manager.
// Safe to call concurrently.
func (m *ConnectionManager) GetStats() ConnectionStats {
	m.mu.RLock()
	pools := make([]*dataSourcePool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	now := m.now()
	stats := ConnectionStats{
		IdleTTLSeconds:            int(m.cfg.IdleTTL.Seconds()),
		ConnectionsByDataSource:   make(map[string]int),
		ConnectionsByOrganization: make(map[string]int),
	}
	for _, pool := range pools {
		pool.mu.Lock()
		idle, leased := len(pool.idle), len(pool.leased)
		for _, h := range pool.idle {
			if s := int(now.Sub(h.lastUsed).Seconds()); s > stats.OldestIdleSeconds {
				stats.OldestIdleSeconds = s
			}
		}
		pool.mu.Unlock()

		stats.IdleConnections += idle
		stats.LeasedConnections += leased
		if idle+leased > 0 {
			stats.ConnectionsByDataSource[pool.dataSource.String()] += idle + leased
			stats.ConnectionsByOrganization[pool.org.String()] += idle + leased
		}
	}
	stats.TotalConnections = stats.IdleConnections + stats.LeasedConnections
	return stats
}
