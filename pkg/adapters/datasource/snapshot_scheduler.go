package datasource

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
)

// SchemaChangeFunc is called when a scheduled refresh observes a schema change.
type SchemaChangeFunc func(cfg *DataSourceConfig, diff SchemaDiff)

// SnapshotScheduler refreshes schema snapshots on cron schedules and reports
// differences between consecutive captures.
type SnapshotScheduler struct {
	cron         *cron.Cron
	introspector *SchemaIntrospector
	onChange     SchemaChangeFunc
	logger       *zap.Logger
	timeout      time.Duration

	mu      sync.Mutex
	entries map[uuid.UUID]cron.EntryID // data source ID → cron entry
	last    map[uuid.UUID]*SchemaSnapshot
}

// NewSnapshotScheduler creates a scheduler. onChange may be nil.
func NewSnapshotScheduler(introspector *SchemaIntrospector, onChange SchemaChangeFunc, logger *zap.Logger) *SnapshotScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotScheduler{
		cron:         cron.New(),
		introspector: introspector,
		onChange:     onChange,
		logger:       logger,
		timeout:      2 * introspector.cfg.Timeout,
		entries:      make(map[uuid.UUID]cron.EntryID),
		last:         make(map[uuid.UUID]*SchemaSnapshot),
	}
}

// Schedule registers a refresh of cfg on the standard five-field cron spec,
// replacing any earlier schedule for the same data source.
func (s *SnapshotScheduler) Schedule(spec string, cfg *DataSourceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[cfg.ID]; ok {
		s.cron.Remove(id)
		delete(s.entries, cfg.ID)
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.Tick(ctx, cfg); err != nil {
			s.logger.Warn("scheduled schema refresh failed",
				zap.String("datasource_id", cfg.ID.String()),
				zap.String("kind", string(apperrors.KindOf(err))),
			)
		}
	})
	if err != nil {
		return apperrors.New(apperrors.KindConfig, string(cfg.Dialect), "invalid snapshot schedule: "+err.Error())
	}

	s.entries[cfg.ID] = entryID
	s.logger.Info("scheduled schema refresh",
		zap.String("datasource_id", cfg.ID.String()),
		zap.String("schedule", spec),
	)
	return nil
}

// Unschedule removes the schedule for a data source, if any.
func (s *SnapshotScheduler) Unschedule(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	delete(s.last, id)
}

// Scheduled returns how many data sources have a schedule.
func (s *SnapshotScheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start starts the cron scheduler.
func (s *SnapshotScheduler) Start() {
	s.cron.Start()
	s.logger.Info("snapshot scheduler started")
}

// Stop stops the scheduler and waits for running refreshes.
func (s *SnapshotScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("snapshot scheduler stopped")
}

// Tick captures a fresh snapshot of cfg and diffs it against the previous
// capture. The first capture reports no changes.
func (s *SnapshotScheduler) Tick(ctx context.Context, cfg *DataSourceConfig) (SchemaDiff, error) {
	snap, err := s.introspector.Refresh(ctx, cfg)
	if err != nil {
		return SchemaDiff{}, err
	}

	s.mu.Lock()
	prev, seen := s.last[cfg.ID]
	s.last[cfg.ID] = snap
	s.mu.Unlock()

	if !seen {
		return SchemaDiff{}, nil
	}
	diff := DiffSnapshots(prev, snap)
	if !diff.Empty() {
		s.logger.Info("schema change detected",
			zap.String("datasource_id", cfg.ID.String()),
			zap.Int("added", len(diff.Added)),
			zap.Int("removed", len(diff.Removed)),
			zap.Int("retyped", len(diff.Retyped)),
		)
		if s.onChange != nil {
			s.onChange(cfg, diff)
		}
	}
	return diff, nil
}
