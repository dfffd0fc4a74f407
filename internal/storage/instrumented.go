package storage

import (
	"context"
	"time"

	"github.com/0xferrous/eventsync/internal/metrics"
	"github.com/0xferrous/eventsync/internal/models"
)

// instrumentedStore wraps a Store and records operation metrics. Lifecycle
// methods (Connect, Close, Ping, Migrate) pass through unrecorded.
type instrumentedStore struct {
	Store
	metrics *metrics.Metrics
}

// WithMetrics decorates store with database operation metrics. A nil metric
// set returns the store unchanged.
func WithMetrics(store Store, m *metrics.Metrics) Store {
	if m == nil {
		return store
	}
	return &instrumentedStore{Store: store, metrics: m}
}

func (s *instrumentedStore) record(operation, table string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDatabaseOperation(operation, table, status, time.Since(start))
}

func (s *instrumentedStore) SaveEvent(ctx context.Context, event *models.Event) (bool, error) {
	start := time.Now()
	inserted, err := s.Store.SaveEvent(ctx, event)
	s.record("insert", "events", start, err)
	return inserted, err
}

func (s *instrumentedStore) SaveEvents(ctx context.Context, events []*models.Event) (int, error) {
	start := time.Now()
	inserted, err := s.Store.SaveEvents(ctx, events)
	s.record("insert_batch", "events", start, err)
	return inserted, err
}

func (s *instrumentedStore) GetEvents(ctx context.Context, filter models.EventFilter) ([]*models.Event, error) {
	start := time.Now()
	events, err := s.Store.GetEvents(ctx, filter)
	s.record("select", "events", start, err)
	return events, err
}

func (s *instrumentedStore) GetEventCount(ctx context.Context, filter models.EventFilter) (int64, error) {
	start := time.Now()
	count, err := s.Store.GetEventCount(ctx, filter)
	s.record("count", "events", start, err)
	return count, err
}

func (s *instrumentedStore) EnsureSyncStatus(ctx context.Context, address string, startBlock uint64) error {
	start := time.Now()
	err := s.Store.EnsureSyncStatus(ctx, address, startBlock)
	s.record("insert", "sync_status", start, err)
	return err
}

func (s *instrumentedStore) GetSyncStatus(ctx context.Context, address string) (*models.SyncStatus, error) {
	start := time.Now()
	status, err := s.Store.GetSyncStatus(ctx, address)
	s.record("select", "sync_status", start, err)
	return status, err
}

func (s *instrumentedStore) GetSyncStatuses(ctx context.Context) ([]*models.SyncStatus, error) {
	start := time.Now()
	statuses, err := s.Store.GetSyncStatuses(ctx)
	s.record("select_all", "sync_status", start, err)
	return statuses, err
}

func (s *instrumentedStore) BeginSync(ctx context.Context, address string) (bool, error) {
	start := time.Now()
	acquired, err := s.Store.BeginSync(ctx, address)
	s.record("begin_sync", "sync_status", start, err)
	return acquired, err
}

func (s *instrumentedStore) EndSync(ctx context.Context, address string, watermark uint64, advance bool) error {
	start := time.Now()
	err := s.Store.EndSync(ctx, address, watermark, advance)
	s.record("end_sync", "sync_status", start, err)
	return err
}

func (s *instrumentedStore) ResetStuckSyncing(ctx context.Context) (int64, error) {
	start := time.Now()
	reset, err := s.Store.ResetStuckSyncing(ctx)
	s.record("reset_syncing", "sync_status", start, err)
	return reset, err
}

func (s *instrumentedStore) Stats(ctx context.Context) (*StoreStats, error) {
	start := time.Now()
	stats, err := s.Store.Stats(ctx)
	s.record("stats", "events", start, err)
	return stats, err
}
