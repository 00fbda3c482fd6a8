package datasource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datasource/pkg/metrics"
)

const (
	DefaultIntrospectionTimeout = 15 * time.Second
	DefaultSnapshotTTL          = 10 * time.Minute
	DefaultSnapshotCacheSize    = 256

	introspectorRequester = "schema-introspector"
)

// IntrospectorConfig holds schema introspection settings.
type IntrospectorConfig struct {
	// Timeout bounds one catalog read; tighter than user queries.
	Timeout     time.Duration
	SnapshotTTL time.Duration
	CacheSize   int
}

// SchemaIntrospector captures and caches schema snapshots.
type SchemaIntrospector struct {
	registry *Registry
	connMgr  *ConnectionManager
	cfg      IntrospectorConfig
	cache    *lru.LRU[uuid.UUID, *SchemaSnapshot]
	inflight singleflight.Group
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewSchemaIntrospector creates an introspector sharing the given connection manager.
func NewSchemaIntrospector(registry *Registry, connMgr *ConnectionManager, cfg IntrospectorConfig, m *metrics.Metrics, logger *zap.Logger) *SchemaIntrospector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultIntrospectionTimeout
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = DefaultSnapshotTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultSnapshotCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaIntrospector{
		registry: registry,
		connMgr:  connMgr,
		cfg:      cfg,
		cache:    lru.NewLRU[uuid.UUID, *SchemaSnapshot](cfg.CacheSize, nil, cfg.SnapshotTTL),
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Snapshot returns the cached snapshot for cfg, capturing a new one when
// none is cached or the cached one has expired.
func (s *SchemaIntrospector) Snapshot(ctx context.Context, cfg *DataSourceConfig) (*SchemaSnapshot, error) {
	if snap, ok := s.cache.Get(cfg.ID); ok && !snap.Expired(s.now()) {
		s.metrics.SnapshotCacheLookup(true)
		return snap, nil
	}
	s.metrics.SnapshotCacheLookup(false)
	return s.Refresh(ctx, cfg)
}

// Cached returns the cached snapshot without touching the database.
func (s *SchemaIntrospector) Cached(id uuid.UUID) (*SchemaSnapshot, bool) {
	snap, ok := s.cache.Peek(id)
	if !ok || snap.Expired(s.now()) {
		return nil, false
	}
	return snap, true
}

// Refresh captures a new snapshot regardless of the cache. Concurrent
// refreshes of one data source share a single catalog read. The shared read
// is bounded by the introspection timeout, not by any one caller's context;
// a caller whose context ends stops waiting without failing the others.
func (s *SchemaIntrospector) Refresh(ctx context.Context, cfg *DataSourceConfig) (*SchemaSnapshot, error) {
	ch := s.inflight.DoChan(cfg.ID.String(), func() (any, error) {
		captureCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
		defer cancel()
		snap, err := s.capture(captureCtx, cfg)
		if err != nil {
			return nil, err
		}
		s.cache.Add(cfg.ID, snap)
		return snap, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SchemaSnapshot), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.Wrap(apperrors.KindTimeout, string(cfg.Dialect), ctx.Err())
		}
		return nil, apperrors.Wrap(apperrors.KindCancelled, string(cfg.Dialect), ctx.Err())
	}
}

// Invalidate drops the cached snapshot of one data source.
func (s *SchemaIntrospector) Invalidate(id uuid.UUID) {
	s.cache.Remove(id)
}

// InvalidateAll drops every cached snapshot.
func (s *SchemaIntrospector) InvalidateAll() {
	s.cache.Purge()
}

func (s *SchemaIntrospector) capture(ctx context.Context, cfg *DataSourceConfig) (*SchemaSnapshot, error) {
	adapter, err := s.registry.Resolve(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	h, err := s.connMgr.Acquire(ctx, cfg, introspectorRequester)
	if err != nil {
		return nil, err
	}

	start := s.now()
	builder := newSnapshotBuilder()
	err = runGuarded(ctx, h, s.cfg.Timeout, func(runCtx context.Context) error {
		rows, qerr := h.session.Query(runCtx, adapter.CatalogQuery(cfg), nil, QueryOptions{Timeout: s.cfg.Timeout})
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		return readCatalogRows(runCtx, adapter, rows, builder)
	})
	if err != nil {
		classified := s.registry.Classify(cfg.Dialect, err)
		switch classified.Kind {
		case apperrors.KindTimeout, apperrors.KindCancelled, apperrors.KindConnectionLost:
			s.connMgr.Discard(h)
		default:
			s.connMgr.Release(h)
		}
		s.logger.Warn("schema introspection failed",
			zap.String("datasource_id", cfg.ID.String()),
			zap.String("dialect", string(cfg.Dialect)),
			zap.String("kind", string(classified.Kind)),
			zap.String("error", classified.UserMessage),
		)
		return nil, classified
	}
	s.connMgr.Release(h)

	snap := &SchemaSnapshot{
		DataSourceID: cfg.ID,
		Dialect:      cfg.Dialect,
		CapturedAt:   s.now(),
		TTL:          s.cfg.SnapshotTTL,
		Catalogs:     builder.build(),
	}
	s.metrics.SnapshotCaptured(string(cfg.Dialect))
	s.logger.Info("schema snapshot captured",
		zap.String("datasource_id", cfg.ID.String()),
		zap.String("dialect", string(cfg.Dialect)),
		zap.Int("tables", snap.TableCount()),
		zap.Duration("elapsed", s.now().Sub(start)),
	)
	return snap, nil
}

// readCatalogRows consumes rows shaped as documented on Adapter.CatalogQuery.
// The table type and row estimate columns are optional.
func readCatalogRows(ctx context.Context, mapper typeMapper, rows Rows, b *snapshotBuilder) error {
	width := len(rows.Columns())
	if width < 7 {
		return fmt.Errorf("catalog query returned %d columns, want at least 7", width)
	}
	count := 0
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("failed to read catalog row: %w", err)
		}
		info := tableInfo{Type: TableTypeTable}
		if width > 7 {
			info.Type = ParseTableType(asString(values[7]))
		}
		if width > 8 {
			info.RowCount = asRowCount(values[8])
		}
		native := asString(values[4])
		b.add(asString(values[0]), asString(values[1]), asString(values[2]), info, ColumnMetadata{
			Name:            asString(values[3]),
			NativeType:      native,
			CanonicalType:   mapper.MapType(native),
			IsNullable:      asBool(values[5]),
			OrdinalPosition: asInt(values[6]),
		})
		count++
		if count%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return rows.Err()
}

// asRowCount reads a statistics estimate. Missing or negative estimates
// (postgres reports -1 for never-analyzed tables) yield nil.
func asRowCount(v any) *int64 {
	var n int64
	switch val := v.(type) {
	case nil:
		return nil
	case int:
		n = int64(val)
	case int32:
		n = int64(val)
	case int64:
		n = val
	case uint64:
		n = int64(val)
	case float32:
		n = int64(val)
	case float64:
		n = int64(val)
	default:
		text := strings.TrimSpace(asString(v))
		if text == "" {
			return nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil
		}
		n = int64(f)
	}
	if n < 0 {
		return nil
	}
	return &n
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	}
	return fmt.Sprint(v)
}

func asBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case int32:
		return val != 0
	case int:
		return val != 0
	}
	switch strings.ToUpper(strings.TrimSpace(asString(v))) {
	case "YES", "Y", "TRUE", "T", "1":
		return true
	}
	return false
}

func asInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		return int(val)
	case uint32:
		return int(val)
	case uint64:
		return int(val)
	case float64:
		return int(val)
	}
	n, err := strconv.Atoi(strings.TrimSpace(asString(v)))
	if err != nil {
		return 0
	}
	return n
}
