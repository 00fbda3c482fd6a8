package datasource

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datasource/pkg/logging"
	"github.com/ekaya-inc/ekaya-datasource/pkg/metrics"
)

// CredentialState is the per-data-source credential lifecycle:
// Authenticated -> Expired -> Refreshing -> Authenticated | Failed.
type CredentialState int

const (
	CredentialsUnresolved CredentialState = iota
	CredentialsAuthenticated
	CredentialsExpired
	CredentialsRefreshing
	CredentialsFailed
)

func (s CredentialState) String() string {
	switch s {
	case CredentialsAuthenticated:
		return "authenticated"
	case CredentialsExpired:
		return "expired"
	case CredentialsRefreshing:
		return "refreshing"
	case CredentialsFailed:
		return "failed"
	}
	return "unresolved"
}

// failedRetryAfter is how long a Failed entry short-circuits before the
// provider is asked again.
const failedRetryAfter = time.Minute

type credentialEntry struct {
	creds    *Credentials
	state    CredentialState
	err      *apperrors.Error
	failedAt time.Time
}

// credentialStore tracks credentials per data source. Concurrent refreshes
// of the same data source collapse into one provider call.
type credentialStore struct {
	provider CredentialProvider
	mu       sync.Mutex
	entries  map[uuid.UUID]*credentialEntry
	inflight singleflight.Group
	onRotate func(dataSourceID uuid.UUID)
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func newCredentialStore(provider CredentialProvider, onRotate func(uuid.UUID), m *metrics.Metrics, logger *zap.Logger) *credentialStore {
	return &credentialStore{
		provider: provider,
		entries:  make(map[uuid.UUID]*credentialEntry),
		onRotate: onRotate,
		now:      time.Now,
		metrics:  m,
		logger:   logger,
	}
}

// current returns usable credentials, resolving them on first use and
// refreshing them when they have expired. refreshed reports whether this
// call obtained them from a refresh, so callers know another rejection is final.
func (s *credentialStore) current(ctx context.Context, cfg *DataSourceConfig) (creds *Credentials, refreshed bool, err error) {
	s.mu.Lock()
	e := s.entries[cfg.ID]
	if e != nil {
		switch {
		case e.state == CredentialsAuthenticated && !e.creds.Expired(s.now()):
			live := e.creds
			s.mu.Unlock()
			return live, false, nil
		case e.state == CredentialsFailed && s.now().Sub(e.failedAt) < failedRetryAfter:
			failed := e.err
			s.mu.Unlock()
			return nil, false, failed
		case e.state == CredentialsAuthenticated:
			e.state = CredentialsExpired
		}
	}
	var stale *Credentials
	if e != nil {
		stale = e.creds
	}
	s.mu.Unlock()

	if e == nil {
		creds, err = s.resolve(ctx, cfg)
		return creds, false, err
	}
	creds, err = s.refresh(ctx, cfg, stale)
	return creds, err == nil, err
}

func (s *credentialStore) resolve(ctx context.Context, cfg *DataSourceConfig) (*Credentials, error) {
	v, err, _ := s.inflight.Do("resolve:"+cfg.ID.String(), func() (any, error) {
		creds, err := s.provider.Resolve(ctx, cfg)
		if err != nil {
			return nil, s.fail(cfg, err)
		}
		s.mu.Lock()
		s.entries[cfg.ID] = &credentialEntry{creds: creds, state: CredentialsAuthenticated}
		s.mu.Unlock()
		return creds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credentials), nil
}

// refresh replaces stale credentials. When another caller already rotated
// past stale, its result is reused and the provider is not called again.
func (s *credentialStore) refresh(ctx context.Context, cfg *DataSourceConfig, stale *Credentials) (*Credentials, error) {
	v, err, _ := s.inflight.Do("refresh:"+cfg.ID.String(), func() (any, error) {
		s.mu.Lock()
		e := s.entries[cfg.ID]
		if e != nil && e.creds != stale && e.state == CredentialsAuthenticated && !e.creds.Expired(s.now()) {
			creds := e.creds
			s.mu.Unlock()
			return creds, nil
		}
		if e == nil {
			e = &credentialEntry{}
			s.entries[cfg.ID] = e
		}
		e.state = CredentialsRefreshing
		s.mu.Unlock()

		creds, err := s.provider.Refresh(ctx, cfg)
		if err != nil {
			s.metrics.CredentialRefresh("failed")
			return nil, s.fail(cfg, err)
		}
		if creds.Expired(s.now()) {
			s.metrics.CredentialRefresh("failed")
			return nil, s.fail(cfg, apperrors.ErrCredentialsRejected)
		}

		s.mu.Lock()
		s.entries[cfg.ID] = &credentialEntry{creds: creds, state: CredentialsAuthenticated}
		s.mu.Unlock()
		s.metrics.CredentialRefresh("ok")

		s.logger.Info("credentials rotated",
			zap.String("datasource_id", cfg.ID.String()),
			zap.String("dialect", string(cfg.Dialect)),
		)
		if s.onRotate != nil {
			s.onRotate(cfg.ID)
		}
		return creds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credentials), nil
}

func (s *credentialStore) fail(cfg *DataSourceConfig, cause error) *apperrors.Error {
	authErr := &apperrors.Error{
		Kind:        apperrors.KindAuth,
		Dialect:     string(cfg.Dialect),
		UserMessage: "credentials for data source " + cfg.ID.String() + " could not be obtained: " + logging.SanitizeError(cause),
		Err:         cause,
	}
	s.mu.Lock()
	s.entries[cfg.ID] = &credentialEntry{state: CredentialsFailed, err: authErr, failedAt: s.now()}
	s.mu.Unlock()

	s.logger.Warn("credential resolution failed",
		zap.String("datasource_id", cfg.ID.String()),
		zap.String("error", logging.SanitizeError(cause)),
	)
	return authErr
}

// markFailed records that refreshed credentials were still rejected.
func (s *credentialStore) markFailed(cfg *DataSourceConfig, cause *apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[cfg.ID] = &credentialEntry{state: CredentialsFailed, err: cause, failedAt: s.now()}
}

// expire moves authenticated credentials to Expired so the next connection
// attempt refreshes them.
func (s *credentialStore) expire(dataSourceID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[dataSourceID]; ok && e.state == CredentialsAuthenticated {
		e.state = CredentialsExpired
	}
}

func (s *credentialStore) state(dataSourceID uuid.UUID) CredentialState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[dataSourceID]; ok {
		return e.state
	}
	return CredentialsUnresolved
}

func (s *credentialStore) forget(dataSourceID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, dataSourceID)
}
