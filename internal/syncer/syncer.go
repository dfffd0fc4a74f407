package syncer

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/0xferrous/eventsync/internal/config"
	"github.com/0xferrous/eventsync/internal/decoder"
	"github.com/0xferrous/eventsync/internal/metrics"
	"github.com/0xferrous/eventsync/internal/models"
	"github.com/0xferrous/eventsync/internal/registry"
	"github.com/0xferrous/eventsync/internal/storage"
	"github.com/0xferrous/eventsync/pkg/utils"
)

// ChainReader is the pull transport surface the syncer needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Result reports the outcome of one sync pass. On failure SyncedToBlock holds
// the last good block, the watermark the address will retry from.
type Result struct {
	Address       string `json:"address"`
	SyncedToBlock uint64 `json:"synced_to_block"`
	Success       bool   `json:"success"`
	Skipped       bool   `json:"skipped,omitempty"`
	EventsStored  int    `json:"events_stored"`
	Error         string `json:"error,omitempty"`
}

// Syncer pulls historical logs for monitored addresses in bounded block
// ranges and forwards decoded events to storage. The watermark only advances
// after every event of the covered range has been durably stored; a crash in
// between re-fetches the same range and relies on store idempotency.
type Syncer struct {
	chain    ChainReader
	registry *registry.Registry
	decoder  *decoder.Decoder
	store    storage.Store
	tracker  *Tracker
	cfg      *config.SyncerConfig

	logger     *logrus.Entry
	metrics    *metrics.Metrics
	rpcTimeout time.Duration
}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithMetrics attaches a metric set to the syncer.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithRPCTimeout bounds individual node calls made during a pass.
func WithRPCTimeout(timeout time.Duration) Option {
	return func(s *Syncer) { s.rpcTimeout = timeout }
}

// New creates a historical syncer.
func New(chain ChainReader, reg *registry.Registry, dec *decoder.Decoder, store storage.Store, tracker *Tracker, cfg *config.SyncerConfig, opts ...Option) *Syncer {
	s := &Syncer{
		chain:    chain,
		registry: reg,
		decoder:  dec,
		store:    store,
		tracker:  tracker,
		cfg:      cfg,
		logger:   utils.ComponentLogger("syncer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncAddress runs one catch-up pass for the address, covering the range
// (watermark, confirmed head]. A pass already in flight for the address makes
// this a successful no-op with Skipped set.
func (s *Syncer) SyncAddress(ctx context.Context, address string) (*Result, error) {
	address = utils.NormalizeAddress(address)
	passStart := time.Now()

	if err := s.tracker.Ensure(ctx, address, s.cfg.StartBlock); err != nil {
		return &Result{Address: address}, err
	}

	status, err := s.tracker.Status(ctx, address)
	if err != nil {
		return &Result{Address: address}, err
	}
	last := s.cfg.StartBlock
	if status != nil {
		last = status.LastBlockNumber
	}

	acquired, err := s.tracker.StartSync(ctx, address)
	if err != nil {
		return &Result{Address: address, SyncedToBlock: last}, err
	}
	if !acquired {
		s.recordPass(address, "skipped", passStart)
		return &Result{Address: address, SyncedToBlock: last, Success: true, Skipped: true}, nil
	}

	result, err := s.runPass(ctx, address, last)
	if err != nil {
		// Release with the watermark untouched so the next tick retries the
		// same range. The release must survive shutdown cancellation.
		endCtx := context.WithoutCancel(ctx)
		if endErr := s.tracker.EndSync(endCtx, address, 0, false); endErr != nil {
			s.logger.WithError(endErr).WithField("address", address).Error("Failed to release sync pass")
		}
		s.recordPass(address, "failure", passStart)
		result.Error = err.Error()
		return result, err
	}

	if err := s.tracker.EndSync(context.WithoutCancel(ctx), address, result.SyncedToBlock, true); err != nil {
		s.recordPass(address, "failure", passStart)
		result.Success = false
		result.Error = err.Error()
		return result, err
	}

	s.recordPass(address, "success", passStart)
	if result.EventsStored > 0 {
		s.logger.WithFields(logrus.Fields{
			"address":         address,
			"synced_to_block": result.SyncedToBlock,
			"events_stored":   result.EventsStored,
			"duration":        time.Since(passStart),
		}).Info("Sync pass completed")
	}
	return result, nil
}

func (s *Syncer) runPass(ctx context.Context, address string, last uint64) (*Result, error) {
	result := &Result{Address: address, SyncedToBlock: last}

	head, err := s.blockNumber(ctx)
	if err != nil {
		return result, utils.WrapError(utils.ErrCodeSync, "Failed to get chain head", err)
	}

	if head <= s.cfg.Confirmations {
		result.Success = true
		return result, nil
	}
	target := head - s.cfg.Confirmations
	if target <= last {
		result.Success = true
		return result, nil
	}

	batch := s.cfg.BatchSize
	if batch == 0 {
		batch = 1000
	}
	addresses := s.registry.Addresses()

	for from := last + 1; from <= target; {
		to := from + batch - 1
		if to > target {
			to = target
		}

		logs, err := s.filterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: addresses,
		})
		if err != nil {
			return result, utils.WrapError(utils.ErrCodeSync, "Failed to fetch logs", err)
		}

		events := s.decodeLogs(logs)
		if len(events) > 0 {
			inserted, err := s.store.SaveEvents(ctx, events)
			if err != nil {
				return result, utils.WrapError(utils.ErrCodeSync, "Failed to store events", err)
			}
			result.EventsStored += inserted
			s.recordIngested(events, inserted)
		}

		s.logger.WithFields(logrus.Fields{
			"address": address,
			"from":    from,
			"to":      to,
			"logs":    len(logs),
		}).Debug("Fetched block range")

		from = to + 1
	}

	result.SyncedToBlock = target
	result.Success = true
	return result, nil
}

// SyncAll runs one pass for every address not currently syncing, least
// recently synced first so catch-up work rotates fairly across ticks.
func (s *Syncer) SyncAll(ctx context.Context) []*Result {
	statuses, err := s.tracker.Statuses(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list sync statuses")
		return nil
	}

	results := make([]*Result, 0, len(statuses))
	for _, status := range statuses {
		if ctx.Err() != nil {
			break
		}
		if status.IsSyncing {
			continue
		}
		result, err := s.SyncAddress(ctx, status.Address)
		if err != nil {
			s.logger.WithError(err).WithField("address", status.Address).Error("Sync pass failed")
		}
		results = append(results, result)
	}
	return results
}

// Run executes SyncAll on the polling interval until ctx is cancelled. The
// first pass runs immediately.
func (s *Syncer) Run(ctx context.Context) {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	s.logger.WithField("interval", interval).Info("Historical syncer started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.SyncAll(ctx)
		s.updateLag(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Historical syncer stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Syncer) decodeLogs(logs []types.Log) []*models.Event {
	events := make([]*models.Event, 0, len(logs))
	for _, raw := range logs {
		event, err := s.decoder.Decode(raw)
		if err != nil {
			s.skipLog(raw, err)
			continue
		}
		s.recordDecoded(event)
		events = append(events, event)
	}
	return events
}

func (s *Syncer) recordDecoded(event *models.Event) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if !event.Decoded {
		outcome = "raw"
	}
	s.metrics.RecordEventDecoded(event.Address, outcome)
}

func (s *Syncer) skipLog(raw types.Log, err error) {
	reason := "decode_error"
	switch {
	case errors.Is(err, decoder.ErrUnknownContract):
		reason = "unknown_contract"
	case errors.Is(err, decoder.ErrUnknownEvent):
		reason = "unknown_event"
	}
	if s.metrics != nil {
		s.metrics.RecordEventSkipped(reason)
	}
	s.logger.WithError(err).WithFields(logrus.Fields{
		"tx_hash":   raw.TxHash.Hex(),
		"log_index": raw.Index,
		"block":     raw.BlockNumber,
	}).Warn("Skipping undecodable log")
}

func (s *Syncer) recordIngested(events []*models.Event, inserted int) {
	if s.metrics == nil {
		return
	}
	for _, event := range events {
		s.metrics.RecordEventIngested(event.Address, event.EventName, "pull")
	}
	s.metrics.RecordEventsSkipped("duplicate", len(events)-inserted)
}

func (s *Syncer) recordPass(address, status string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordSyncPass(address, status, time.Since(start))
	}
}

func (s *Syncer) updateLag(ctx context.Context) {
	if s.metrics == nil || ctx.Err() != nil {
		return
	}

	head, err := s.blockNumber(ctx)
	if err != nil {
		return
	}
	statuses, err := s.tracker.Statuses(ctx)
	if err != nil || len(statuses) == 0 {
		return
	}

	lowest := statuses[0].LastBlockNumber
	for _, status := range statuses[1:] {
		if status.LastBlockNumber < lowest {
			lowest = status.LastBlockNumber
		}
	}
	if head > lowest {
		s.metrics.UpdateBlocksBehind(head - lowest)
	} else {
		s.metrics.UpdateBlocksBehind(0)
	}
}

func (s *Syncer) blockNumber(ctx context.Context) (uint64, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	start := time.Now()
	head, err := s.chain.BlockNumber(callCtx)
	s.recordRPC("eth_blockNumber", start, err)
	return head, err
}

func (s *Syncer) filterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	start := time.Now()
	logs, err := s.chain.FilterLogs(callCtx, q)
	s.recordRPC("eth_getLogs", start, err)
	return logs, err
}

func (s *Syncer) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.rpcTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.rpcTimeout)
}

func (s *Syncer) recordRPC(method string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordRPCRequest(method, status, time.Since(start))
}
