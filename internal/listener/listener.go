package listener

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/0xferrous/eventsync/internal/config"
	"github.com/0xferrous/eventsync/internal/connection"
	"github.com/0xferrous/eventsync/internal/decoder"
	"github.com/0xferrous/eventsync/internal/metrics"
	"github.com/0xferrous/eventsync/internal/registry"
	"github.com/0xferrous/eventsync/internal/storage"
	"github.com/0xferrous/eventsync/pkg/utils"
)

// TransportManager is the connection surface the listener needs.
type TransportManager interface {
	IsRealtimeCapable() bool
	GetPushClient() (connection.PushClient, bool)
	ReportFailure(err error)
	OnFailure(handler func(restored bool))
}

// Listener subscribes to every (contract, event signature) pair in the
// registry and forwards decoded events to storage through a buffered channel.
// Events dropped here (full queue on shutdown, transport loss) are re-covered
// by the historical syncer, so push delivery is best-effort by design.
type Listener struct {
	manager  TransportManager
	registry *registry.Registry
	decoder  *decoder.Decoder
	store    storage.Store
	cfg      *config.SyncerConfig

	logger  *logrus.Entry
	metrics *metrics.Metrics

	// lifecycle serializes Start/Stop transitions, held across the shutdown
	// wait so a restart cannot wg.Add while a Stop is in wg.Wait.
	lifecycle sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    []ethereum.Subscription
}

// Option customizes a Listener.
type Option func(*Listener)

// WithMetrics attaches a metric set to the listener.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// New creates a realtime listener and registers it with the manager's failure
// handler: a restored push transport rebuilds the subscription set from
// scratch, a permanent downgrade shuts the listener down for good.
func New(manager TransportManager, reg *registry.Registry, dec *decoder.Decoder, store storage.Store, cfg *config.SyncerConfig, opts ...Option) *Listener {
	l := &Listener{
		manager:  manager,
		registry: reg,
		decoder:  dec,
		store:    store,
		cfg:      cfg,
		logger:   utils.ComponentLogger("listener"),
	}
	for _, opt := range opts {
		opt(l)
	}

	manager.OnFailure(l.onTransportEvent)
	return l
}

// Start opens one subscription per (contract, event signature) pair. Returns
// false without side effects when push delivery is unavailable. Calling Start
// while running is a no-op returning true.
func (l *Listener) Start() bool {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	return l.start()
}

func (l *Listener) start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return true
	}
	if !l.manager.IsRealtimeCapable() {
		l.logger.Warn("Push transport unavailable, realtime listener not started")
		return false
	}
	push, ok := l.manager.GetPushClient()
	if !ok {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan types.Log, l.queueSize())

	var subs []ethereum.Subscription
	for _, binding := range l.registry.Bindings() {
		for _, event := range binding.Events() {
			query := ethereum.FilterQuery{
				Addresses: []common.Address{binding.Address},
				Topics:    [][]common.Hash{{event.ID}},
			}
			sub, err := push.SubscribeFilterLogs(ctx, query, events)
			if err != nil {
				l.logger.WithError(err).WithFields(logrus.Fields{
					"contract": binding.Name,
					"event":    event.Name,
				}).Error("Subscription failed")
				for _, s := range subs {
					s.Unsubscribe()
				}
				cancel()
				l.manager.ReportFailure(err)
				return false
			}
			subs = append(subs, sub)
		}
	}

	l.running = true
	l.cancel = cancel
	l.subs = subs

	l.wg.Add(1)
	go l.forward(ctx, events)
	for _, sub := range subs {
		l.wg.Add(1)
		go l.watch(ctx, sub)
	}

	l.setSubscriptionsMetric(len(subs))
	l.logger.WithField("subscriptions", len(subs)).Info("Realtime listener started")
	return true
}

// Stop tears down all subscriptions and waits for in-flight handlers. Safe to
// call when not started; a Stop racing a transport-driven restart waits its
// turn.
func (l *Listener) Stop() {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	l.stop()
}

func (l *Listener) stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	subs := l.subs
	l.cancel = nil
	l.subs = nil
	l.mu.Unlock()

	cancel()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	l.wg.Wait()

	l.setSubscriptionsMetric(0)
	l.logger.Info("Realtime listener stopped")
}

// IsRunning reports whether subscriptions are active.
func (l *Listener) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// onTransportEvent reacts to push transport transitions reported by the
// connection manager. The whole restart runs under the lifecycle guard so it
// cannot interleave with an application shutdown.
func (l *Listener) onTransportEvent(restored bool) {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	if !restored {
		l.stop()
		l.logger.Warn("Realtime delivery permanently unavailable, relying on polling only")
		return
	}

	l.stop()
	if !l.start() {
		l.logger.Error("Failed to restart realtime listener after reconnect")
	}
}

// forward drains the event channel and writes each decoded event to storage.
func (l *Listener) forward(ctx context.Context, events <-chan types.Log) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-events:
			l.handleLog(ctx, raw)
		}
	}
}

func (l *Listener) handleLog(ctx context.Context, raw types.Log) {
	if raw.Removed {
		// Reorged-out notification; the replacement log arrives separately.
		l.recordSkip("removed")
		l.logger.WithFields(logrus.Fields{
			"tx_hash":   raw.TxHash.Hex(),
			"log_index": raw.Index,
		}).Debug("Ignoring removed log")
		return
	}

	event, err := l.decoder.Decode(raw)
	if err != nil {
		reason := "decode_error"
		switch {
		case errors.Is(err, decoder.ErrUnknownContract):
			reason = "unknown_contract"
		case errors.Is(err, decoder.ErrUnknownEvent):
			reason = "unknown_event"
		}
		l.recordSkip(reason)
		l.logger.WithError(err).WithFields(logrus.Fields{
			"tx_hash":   raw.TxHash.Hex(),
			"log_index": raw.Index,
		}).Warn("Skipping undecodable notification")
		return
	}

	if l.metrics != nil {
		outcome := "ok"
		if !event.Decoded {
			outcome = "raw"
		}
		l.metrics.RecordEventDecoded(event.Address, outcome)
	}

	inserted, err := l.store.SaveEvent(ctx, event)
	if err != nil {
		// The pull path re-covers this block range on its next pass.
		l.logger.WithError(err).WithFields(logrus.Fields{
			"tx_hash":   event.TxHash,
			"log_index": event.LogIndex,
		}).Error("Failed to store realtime event")
		return
	}

	if l.metrics != nil {
		l.metrics.RecordEventIngested(event.Address, event.EventName, "push")
		if !inserted {
			l.metrics.RecordEventSkipped("duplicate")
		}
	}

	l.logger.WithFields(logrus.Fields{
		"event":    event.EventName,
		"contract": event.Address,
		"block":    event.BlockNumber,
		"inserted": inserted,
	}).Debug("Realtime event handled")
}

// watch escalates a subscription error to the connection manager. Reconnect
// and restart are the manager's call; the listener never retries on its own.
func (l *Listener) watch(ctx context.Context, sub ethereum.Subscription) {
	defer l.wg.Done()

	select {
	case <-ctx.Done():
		return
	case err, ok := <-sub.Err():
		if !ok || err == nil {
			return
		}
		l.logger.WithError(err).Warn("Subscription closed unexpectedly")
		l.manager.ReportFailure(err)
	}
}

func (l *Listener) queueSize() int {
	if l.cfg != nil && l.cfg.QueueSize > 0 {
		return l.cfg.QueueSize
	}
	return 256
}

func (l *Listener) setSubscriptionsMetric(count int) {
	if l.metrics != nil {
		l.metrics.UpdateSubscriptionsActive(count)
	}
}

func (l *Listener) recordSkip(reason string) {
	if l.metrics != nil {
		l.metrics.RecordEventSkipped(reason)
	}
}
