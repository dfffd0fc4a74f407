package syncer

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/0xferrous/eventsync/internal/config"
	"github.com/0xferrous/eventsync/internal/metrics"
	"github.com/0xferrous/eventsync/internal/models"
	"github.com/0xferrous/eventsync/internal/storage"
	"github.com/0xferrous/eventsync/pkg/utils"
)

// Tracker drives the per-address sync state machine (Idle -> Syncing -> Idle)
// on top of the sync_status table. The compare-and-set on is_syncing lives in
// the store so the at-most-one-pass invariant holds across processes too.
type Tracker struct {
	store   storage.Store
	logger  *logrus.Entry
	metrics *metrics.Metrics
}

// NewTracker creates a sync-status tracker. The metric set may be nil.
func NewTracker(store storage.Store, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:   store,
		logger:  utils.ComponentLogger("tracker"),
		metrics: m,
	}
}

// Seed creates sync rows for every configured address that does not have one
// yet, starting at startBlock. Existing rows keep their watermark.
func (t *Tracker) Seed(ctx context.Context, addresses []config.AddressConfig, startBlock uint64) error {
	for _, addr := range addresses {
		if err := t.store.EnsureSyncStatus(ctx, addr.Address, startBlock); err != nil {
			return err
		}
	}

	if t.metrics != nil {
		t.metrics.UpdateAddressesWatched(len(addresses))
	}
	if len(addresses) > 0 {
		t.logger.WithFields(logrus.Fields{
			"addresses":   len(addresses),
			"start_block": startBlock,
		}).Info("Sync status seeded")
	}
	return nil
}

// Ensure creates a sync row for a single address if missing.
func (t *Tracker) Ensure(ctx context.Context, address string, startBlock uint64) error {
	return t.store.EnsureSyncStatus(ctx, address, startBlock)
}

// StartSync attempts the Idle -> Syncing transition. Returns false without
// error when a pass is already in flight for the address.
func (t *Tracker) StartSync(ctx context.Context, address string) (bool, error) {
	acquired, err := t.store.BeginSync(ctx, address)
	if err != nil {
		return false, err
	}
	if !acquired {
		t.logger.WithField("address", address).Debug("Sync pass already in flight, skipping")
	}
	return acquired, nil
}

// EndSync performs the Syncing -> Idle transition. With advance=true the
// watermark moves forward to watermark (never backwards); with advance=false
// the watermark is left untouched, which is how failed passes release the
// address for retry.
func (t *Tracker) EndSync(ctx context.Context, address string, watermark uint64, advance bool) error {
	if err := t.store.EndSync(ctx, address, watermark, advance); err != nil {
		return err
	}
	if advance && t.metrics != nil {
		t.metrics.UpdateSyncWatermark(utils.NormalizeAddress(address), watermark)
	}
	return nil
}

// Status returns the sync row for an address, or nil when unknown.
func (t *Tracker) Status(ctx context.Context, address string) (*models.SyncStatus, error) {
	return t.store.GetSyncStatus(ctx, address)
}

// Statuses returns all sync rows, least recently synced first.
func (t *Tracker) Statuses(ctx context.Context) ([]*models.SyncStatus, error) {
	return t.store.GetSyncStatuses(ctx)
}

// RecoverStuck resets rows left in Syncing by an unclean shutdown. Watermarks
// are preserved. Called once at startup before any pass runs.
func (t *Tracker) RecoverStuck(ctx context.Context) (int64, error) {
	reset, err := t.store.ResetStuckSyncing(ctx)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		t.logger.WithField("addresses", reset).Warn("Recovered addresses stuck in syncing state")
	}
	return reset, nil
}
