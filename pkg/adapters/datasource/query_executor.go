package datasource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datasource/pkg/logging"
	"github.com/ekaya-inc/ekaya-datasource/pkg/metrics"
)

const (
	DefaultQueryTimeout = 30 * time.Second
	MaxQueryTimeout     = 10 * time.Minute
	DefaultMaxRows      = 5000
	MaxRowsCap          = 100000
)

// ExecutorConfig holds query execution defaults and caps.
type ExecutorConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	DefaultMaxRows int
	MaxRowsCap     int
}

func (c *ExecutorConfig) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultQueryTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = MaxQueryTimeout
	}
	if c.MaxTimeout < c.DefaultTimeout {
		c.MaxTimeout = c.DefaultTimeout
	}
	if c.DefaultMaxRows <= 0 {
		c.DefaultMaxRows = DefaultMaxRows
	}
	if c.MaxRowsCap <= 0 {
		c.MaxRowsCap = MaxRowsCap
	}
	if c.MaxRowsCap < c.DefaultMaxRows {
		c.MaxRowsCap = c.DefaultMaxRows
	}
}

// QueryExecutor runs SQL on leased handles with a wall-clock watchdog,
// cooperative cancellation and a row limit.
type QueryExecutor struct {
	registry *Registry
	connMgr  *ConnectionManager
	cfg      ExecutorConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
	observer QueryObserver
}

// QueryObserver receives one event per executed query, successful or not.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, ev QueryEvent)
}

// QueryEvent describes one finished execution. SQL is the caller's text;
// observers must sanitize it before recording.
type QueryEvent struct {
	DataSourceID uuid.UUID
	Dialect      Dialect
	Requester    string
	SQL          string
	Duration     time.Duration
	Rows         int
	Truncated    bool
	Err          *apperrors.Error
}

// NewQueryExecutor creates an executor bound to a registry and connection manager.
func NewQueryExecutor(registry *Registry, connMgr *ConnectionManager, cfg ExecutorConfig, m *metrics.Metrics, logger *zap.Logger) *QueryExecutor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryExecutor{
		registry: registry,
		connMgr:  connMgr,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// WithObserver attaches an observer notified after every Execute.
func (e *QueryExecutor) WithObserver(o QueryObserver) *QueryExecutor {
	e.observer = o
	return e
}

func (e *QueryExecutor) observe(ctx context.Context, h *ConnectionHandle, req QueryRequest, elapsed time.Duration, res *QueryResult, err *apperrors.Error) {
	if e.observer == nil {
		return
	}
	ev := QueryEvent{
		DataSourceID: h.DataSourceID,
		Dialect:      h.Dialect,
		Requester:    req.Requester,
		SQL:          req.SQL,
		Duration:     elapsed,
		Err:          err,
	}
	if res != nil {
		ev.Rows = len(res.Rows)
		ev.Truncated = res.Truncated
	}
	e.observer.ObserveQuery(ctx, ev)
}

func (e *QueryExecutor) effectiveTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return e.cfg.DefaultTimeout
	}
	if requested > e.cfg.MaxTimeout {
		return e.cfg.MaxTimeout
	}
	return requested
}

func (e *QueryExecutor) effectiveLimit(requested int) int {
	if requested <= 0 {
		return e.cfg.DefaultMaxRows
	}
	if requested > e.cfg.MaxRowsCap {
		return e.cfg.MaxRowsCap
	}
	return requested
}

// Execute runs req on a leased handle. Timeout wins over the row limit,
// which wins over cancellation. A timed out or cancelled query never
// returns rows and leaves the handle marked for discard.
func (e *QueryExecutor) Execute(ctx context.Context, h *ConnectionHandle, req QueryRequest) (*QueryResult, error) {
	adapter, err := e.registry.Resolve(h.Dialect)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.SQL) == "" {
		return nil, apperrors.New(apperrors.KindSyntax, string(h.Dialect), "query is empty")
	}

	timeout := e.effectiveTimeout(req.Timeout)
	limit := e.effectiveLimit(req.Limit)
	sqlText, pushed := ApplyLimit(adapter.Capabilities(), req.SQL, limit)

	start := time.Now()
	var result *QueryResult
	err = runGuarded(ctx, h, timeout, func(runCtx context.Context) error {
		rows, qerr := h.session.Query(runCtx, sqlText, req.Params, QueryOptions{Timeout: timeout, MaxRows: limit + 1})
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		res, nerr := normalizeResult(runCtx, adapter, rows, limit)
		if nerr != nil {
			return nerr
		}
		result = res
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		classified := e.registry.Classify(h.Dialect, err)
		switch classified.Kind {
		case apperrors.KindTimeout, apperrors.KindCancelled, apperrors.KindConnectionLost:
			h.MarkDiscard()
		}
		e.metrics.QueryFailed(string(h.Dialect), string(classified.Kind))
		e.logger.Warn("query failed",
			zap.String("datasource_id", h.DataSourceID.String()),
			zap.String("dialect", string(h.Dialect)),
			zap.String("requester", req.Requester),
			zap.String("kind", string(classified.Kind)),
			zap.String("query", logging.SanitizeQuery(req.SQL)),
			zap.Duration("elapsed", elapsed),
			zap.String("error", classified.UserMessage),
		)
		e.observe(ctx, h, req, elapsed, nil, classified)
		return nil, classified
	}

	result.Duration = elapsed
	e.metrics.ObserveQuery(string(h.Dialect), elapsed)
	e.logger.Debug("query executed",
		zap.String("datasource_id", h.DataSourceID.String()),
		zap.String("dialect", string(h.Dialect)),
		zap.String("requester", req.Requester),
		zap.String("query", logging.SanitizeQuery(req.SQL)),
		zap.Bool("limit_pushed_down", pushed),
		zap.Int("rows", len(result.Rows)),
		zap.Bool("truncated", result.Truncated),
		zap.Duration("elapsed", elapsed),
	)
	e.observe(ctx, h, req, elapsed, result, nil)
	return result, nil
}

// Run acquires a handle, executes and releases it. A lost connection is
// retried once on a fresh connection; an auth failure expires the
// credentials and is retried once. Nothing else is retried. The request
// timeout bounds the whole call, acquisition and retries included.
func (e *QueryExecutor) Run(ctx context.Context, cfg *DataSourceConfig, req QueryRequest) (*QueryResult, error) {
	timeout := e.effectiveTimeout(req.Timeout)
	deadline := time.Now().Add(timeout)
	var retriedConn, retriedAuth, fresh bool
	for {
		h, err := e.acquireWithin(ctx, cfg, req.Requester, deadline, fresh)
		if err != nil {
			return nil, err
		}

		attempt := req
		attempt.Timeout = time.Until(deadline)
		if attempt.Timeout <= 0 {
			e.connMgr.Release(h)
			return nil, timeoutError(string(cfg.Dialect), timeout)
		}
		result, err := e.Execute(ctx, h, attempt)
		if err == nil {
			e.connMgr.Release(h)
			return result, nil
		}

		kind := apperrors.KindOf(err)
		switch kind {
		case apperrors.KindTimeout, apperrors.KindCancelled, apperrors.KindConnectionLost, apperrors.KindAuth:
			e.connMgr.Discard(h)
		default:
			e.connMgr.Release(h)
		}

		if ctx.Err() != nil || time.Until(deadline) <= 0 {
			return nil, err
		}
		switch {
		case kind == apperrors.KindConnectionLost && !retriedConn:
			retriedConn, fresh = true, true
			e.logger.Info("retrying query on a fresh connection",
				zap.String("datasource_id", cfg.ID.String()),
				zap.Duration("remaining", time.Until(deadline)),
			)
		case kind == apperrors.KindAuth && !retriedAuth:
			retriedAuth, fresh = true, true
			e.connMgr.ExpireCredentials(cfg.ID)
		default:
			return nil, err
		}
	}
}

// acquireWithin acquires a handle no later than deadline.
func (e *QueryExecutor) acquireWithin(ctx context.Context, cfg *DataSourceConfig, requester string, deadline time.Time, fresh bool) (*ConnectionHandle, error) {
	acquireCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if fresh {
		return e.connMgr.AcquireFresh(acquireCtx, cfg, requester)
	}
	return e.connMgr.Acquire(acquireCtx, cfg, requester)
}

// runGuarded runs fn under a watchdog. fn gets a context cancelled on
// timeout or caller cancellation; runGuarded returns as soon as either
// fires, without waiting for fn. The handle stays serialized for the
// duration and tracks fn so its session is not closed underneath it.
func runGuarded(ctx context.Context, h *ConnectionHandle, timeout time.Duration, fn func(ctx context.Context) error) error {
	h.execMu.Lock()
	defer h.execMu.Unlock()

	if h.Discarded() {
		return apperrors.Wrap(apperrors.KindConnectionLost, string(h.Dialect), apperrors.ErrHandleDiscarded)
	}
	if err := ctx.Err(); err != nil {
		return cancellationError(h, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		done <- fn(runCtx)
	}()

	watchdog := time.NewTimer(timeout)
	defer watchdog.Stop()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return cancellationError(h, ctx.Err())
		}
		return err
	case <-watchdog.C:
		cancel()
		h.MarkDiscard()
		return timeoutError(string(h.Dialect), timeout)
	case <-ctx.Done():
		cancel()
		h.MarkDiscard()
		return cancellationError(h, ctx.Err())
	}
}

func timeoutError(dialect string, timeout time.Duration) *apperrors.Error {
	return &apperrors.Error{
		Kind:        apperrors.KindTimeout,
		Dialect:     dialect,
		UserMessage: fmt.Sprintf("query exceeded timeout of %s", timeout),
		Err:         context.DeadlineExceeded,
	}
}

func cancellationError(h *ConnectionHandle, err error) *apperrors.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &apperrors.Error{
			Kind:        apperrors.KindTimeout,
			Dialect:     string(h.Dialect),
			UserMessage: "query deadline exceeded",
			Err:         err,
		}
	}
	return &apperrors.Error{
		Kind:        apperrors.KindCancelled,
		Dialect:     string(h.Dialect),
		UserMessage: "query cancelled",
		Err:         err,
	}
}

// ApplyLimit rewrites sqlText so the database returns at most limit+1 rows
// when the dialect supports it. The extra row lets the caller detect
// truncation. pushed is false when the statement is left untouched and the
// limit is enforced while reading. The statement sits on its own lines
// inside the derived table so a trailing line comment cannot swallow the
// closing parenthesis.
func ApplyLimit(caps Capabilities, sqlText string, limit int) (string, bool) {
	if limit <= 0 {
		return sqlText, false
	}
	trimmed := strings.TrimRight(strings.TrimSpace(sqlText), "; \t\n")
	if strings.Contains(trimmed, ";") {
		return sqlText, false
	}

	keyword := leadingKeyword(trimmed)
	switch caps.Limit {
	case LimitClause:
		if keyword == "select" || (keyword == "with" && caps.WrapCTE) {
			return fmt.Sprintf("SELECT * FROM (\n%s\n) AS _limited LIMIT %d", trimmed, limit+1), true
		}
	case LimitTop:
		// ORDER BY is not allowed in a T-SQL derived table without TOP
		if keyword == "select" && !strings.Contains(strings.ToLower(trimmed), "order by") {
			return fmt.Sprintf("SELECT TOP (%d) * FROM (\n%s\n) AS _limited", limit+1, trimmed), true
		}
	}
	return sqlText, false
}

// leadingKeyword returns the first lowercased word after comments and
// opening parentheses.
func leadingKeyword(sqlText string) string {
	s := sqlText
	for {
		s = strings.TrimLeft(s, " \t\r\n(")
		switch {
		case strings.HasPrefix(s, "--"):
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
				continue
			}
			return ""
		case strings.HasPrefix(s, "/*"):
			if i := strings.Index(s, "*/"); i >= 0 {
				s = s[i+2:]
				continue
			}
			return ""
		}
		break
	}
	end := strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end < 0 {
		end = len(s)
	}
	return strings.ToLower(s[:end])
}
