package connection

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/0xferrous/eventsync/internal/config"
	"github.com/0xferrous/eventsync/internal/metrics"
	"github.com/0xferrous/eventsync/pkg/utils"
)

// Client is the request/response node API used for polling and health checks.
type Client interface {
	NetworkID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// PushClient is the subscription node API used for real-time delivery.
type PushClient interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// DialFunc dials the request/response transport.
type DialFunc func(ctx context.Context, url string) (Client, error)

// PushDialFunc dials the subscription transport.
type PushDialFunc func(ctx context.Context, url string) (PushClient, error)

func dialEthClient(ctx context.Context, url string) (Client, error) {
	return ethclient.DialContext(ctx, url)
}

func dialEthPushClient(ctx context.Context, url string) (PushClient, error) {
	return ethclient.DialContext(ctx, url)
}

// Stats holds a snapshot of connection state.
type Stats struct {
	HTTPURL         string    `json:"http_url"`
	WSURL           string    `json:"ws_url,omitempty"`
	Connected       bool      `json:"connected"`
	RealtimeCapable bool      `json:"realtime_capable"`
	Degraded        bool      `json:"degraded"`
	Reconnects      uint64    `json:"reconnects"`
	NetworkID       uint64    `json:"network_id"`
	LatestBlock     uint64    `json:"latest_block"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

// Manager owns the two node transports. The pull transport is mandatory and
// established once at startup. The push transport is optional; when it fails
// the manager drives bounded reconnection, and once the attempt budget is
// exhausted the Capable -> Degraded transition is permanent for the process
// lifetime.
type Manager struct {
	cfg     *config.ChainConfig
	logger  *logrus.Entry
	metrics *metrics.Metrics

	dialHTTP DialFunc
	dialPush PushDialFunc
	policy   ReconnectPolicy

	mu           sync.RWMutex
	client       Client
	pushClient   PushClient
	capable      bool
	degraded     bool
	reconnecting bool
	handlers     []func(restored bool)
	stats        Stats

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMetrics attaches a metric set to the manager.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithHTTPDialer overrides the pull transport dialer.
func WithHTTPDialer(dial DialFunc) Option {
	return func(mgr *Manager) { mgr.dialHTTP = dial }
}

// WithPushDialer overrides the push transport dialer.
func WithPushDialer(dial PushDialFunc) Option {
	return func(mgr *Manager) { mgr.dialPush = dial }
}

// WithReconnectPolicy overrides the reconnect policy.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(mgr *Manager) { mgr.policy = p }
}

// NewManager creates a connection manager for the given chain configuration.
func NewManager(cfg *config.ChainConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   utils.ComponentLogger("connection"),
		dialHTTP: dialEthClient,
		dialPush: dialEthPushClient,
		policy:   FixedDelay{Delay: cfg.ReconnectDelay, MaxAttempts: cfg.ReconnectAttempts},
		closed:   make(chan struct{}),
		stats:    Stats{HTTPURL: cfg.HTTPURL, WSURL: cfg.WSURL},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect establishes the pull transport, then attempts the push transport if
// a WebSocket endpoint is configured. A pull transport failure is returned as
// an error; a push transport failure only downgrades capability.
func (m *Manager) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.requestTimeout())
	client, err := m.dialHTTP(dialCtx, m.cfg.HTTPURL)
	cancel()
	if err != nil {
		m.recordConnectionError("http", "dial")
		return utils.WrapError(utils.ErrCodeConnection, "Failed to connect to node over HTTP", err)
	}

	if m.cfg.NetworkID > 0 {
		if err := m.verifyNetwork(ctx, client); err != nil {
			client.Close()
			return err
		}
	}

	m.mu.Lock()
	m.client = client
	m.stats.Connected = true
	m.stats.LastConnectedAt = time.Now()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"url":        m.cfg.HTTPURL,
		"network_id": m.cfg.NetworkID,
	}).Info("Connected to node over HTTP")

	if m.cfg.WSURL == "" {
		m.logger.Info("No WebSocket endpoint configured, running pull-only")
		m.setCapableMetric(false)
		return nil
	}

	wsCtx, cancel := context.WithTimeout(ctx, m.requestTimeout())
	push, err := m.dialPush(wsCtx, m.cfg.WSURL)
	cancel()
	if err != nil {
		// Non-fatal: real-time delivery is a capability, not a requirement.
		m.recordConnectionError("ws", "dial")
		m.mu.Lock()
		m.degraded = true
		m.mu.Unlock()
		m.setCapableMetric(false)
		m.logger.WithError(err).WithField("url", m.cfg.WSURL).
			Warn("WebSocket connection failed, degrading to pull-only")
		return nil
	}

	m.mu.Lock()
	m.pushClient = push
	m.capable = true
	m.mu.Unlock()
	m.setCapableMetric(true)

	m.logger.WithField("url", m.cfg.WSURL).Info("Connected to node over WebSocket")

	m.wg.Add(1)
	go m.livenessLoop()

	return nil
}

// GetClient returns the pull transport client. Valid after Connect.
func (m *Manager) GetClient() Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// GetPushClient returns the push transport client if real-time delivery is
// currently available.
func (m *Manager) GetPushClient() (PushClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.capable || m.pushClient == nil {
		return nil, false
	}
	return m.pushClient, true
}

// IsRealtimeCapable reports whether push delivery is currently available.
func (m *Manager) IsRealtimeCapable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capable
}

// IsDegraded reports whether the push transport has been permanently given up.
func (m *Manager) IsDegraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degraded
}

// OnFailure registers a handler invoked after a push transport transition:
// restored=true after a successful reconnect (subscriptions must be rebuilt
// from scratch), restored=false after the permanent downgrade to pull-only.
func (m *Manager) OnFailure(handler func(restored bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// ReportFailure tells the manager the push transport is broken. The first
// report wins; reports during an in-flight reconnect or after the permanent
// downgrade are ignored.
func (m *Manager) ReportFailure(err error) {
	m.mu.Lock()
	if m.cfg.WSURL == "" || m.degraded || m.reconnecting || (!m.capable && m.pushClient == nil) {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.capable = false
	if m.pushClient != nil {
		m.pushClient.Close()
		m.pushClient = nil
	}
	m.mu.Unlock()

	m.setCapableMetric(false)
	m.logger.WithError(err).Warn("Push transport failed, scheduling reconnect")

	m.wg.Add(1)
	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for attempt := 1; ; attempt++ {
		delay, ok := m.policy.Next(attempt)
		if !ok {
			m.degrade()
			return
		}

		select {
		case <-m.closed:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout())
		push, err := m.dialPush(ctx, m.cfg.WSURL)
		if err == nil {
			_, err = push.BlockNumber(ctx)
			if err != nil {
				push.Close()
			}
		}
		cancel()

		if err != nil {
			m.recordReconnect("failure")
			m.recordConnectionError("ws", "reconnect")
			m.logger.WithError(err).WithField("attempt", attempt).Warn("Reconnect attempt failed")
			continue
		}

		m.mu.Lock()
		m.pushClient = push
		m.capable = true
		m.reconnecting = false
		m.stats.Reconnects++
		m.mu.Unlock()

		m.recordReconnect("success")
		m.setCapableMetric(true)
		m.logger.WithField("attempt", attempt).Info("Push transport restored")
		m.notify(true)
		return
	}
}

// degrade is the one-way Capable -> Degraded transition.
func (m *Manager) degrade() {
	m.mu.Lock()
	m.degraded = true
	m.reconnecting = false
	m.capable = false
	m.mu.Unlock()

	m.setCapableMetric(false)
	m.logger.Error("Reconnect attempts exhausted, push transport permanently unavailable")
	m.notify(false)
}

func (m *Manager) notify(restored bool) {
	m.mu.RLock()
	handlers := make([]func(bool), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(restored)
	}
}

// livenessLoop probes the push transport on a fixed interval. A probe failure
// is treated like an unexpected close. The loop exits once the manager is
// degraded or closed; probes pause while a reconnect is in flight.
func (m *Manager) livenessLoop() {
	defer m.wg.Done()

	interval := m.cfg.LivenessInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		degraded := m.degraded
		push := m.pushClient
		capable := m.capable
		m.mu.RUnlock()

		if degraded {
			return
		}
		if !capable || push == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout())
		_, err := push.BlockNumber(ctx)
		cancel()
		if err != nil {
			m.recordConnectionError("ws", "liveness_probe")
			m.logger.WithError(err).Warn("Push liveness probe failed")
			m.ReportFailure(err)
		}
	}
}

// HealthCheck verifies the pull transport end to end and refreshes stats.
func (m *Manager) HealthCheck(ctx context.Context) error {
	client := m.GetClient()
	if client == nil {
		return utils.NewAppError(utils.ErrCodeConnection, "Not connected")
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.requestTimeout())
	defer cancel()

	networkID, err := client.NetworkID(checkCtx)
	if err != nil {
		m.recordConnectionError("http", "health_check")
		return utils.WrapError(utils.ErrCodeConnection, "Failed to get network ID", err)
	}
	if m.cfg.NetworkID > 0 && networkID.Uint64() != uint64(m.cfg.NetworkID) {
		return utils.NewAppError(utils.ErrCodeConnection, "Network ID mismatch",
			fmt.Sprintf("expected %d, got %d", m.cfg.NetworkID, networkID.Uint64()))
	}

	blockNumber, err := client.BlockNumber(checkCtx)
	if err != nil {
		m.recordConnectionError("http", "health_check")
		return utils.WrapError(utils.ErrCodeConnection, "Failed to get latest block", err)
	}

	m.mu.Lock()
	m.stats.NetworkID = networkID.Uint64()
	m.stats.LatestBlock = blockNumber
	m.stats.LastHealthCheck = time.Now()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"network_id":   networkID.Uint64(),
		"latest_block": blockNumber,
	}).Debug("Health check passed")

	return nil
}

// Stats returns a snapshot of connection statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := m.stats
	stats.RealtimeCapable = m.capable
	stats.Degraded = m.degraded
	return stats
}

// Close tears down both transports and stops background loops.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pushClient != nil {
		m.pushClient.Close()
		m.pushClient = nil
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	m.capable = false
	m.stats.Connected = false

	m.logger.Info("Connection manager closed")
	return nil
}

func (m *Manager) verifyNetwork(ctx context.Context, client Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, m.requestTimeout())
	defer cancel()

	networkID, err := client.NetworkID(checkCtx)
	if err != nil {
		m.recordConnectionError("http", "network_id")
		return utils.WrapError(utils.ErrCodeConnection, "Failed to verify network ID", err)
	}
	if networkID.Uint64() != uint64(m.cfg.NetworkID) {
		return utils.NewAppError(utils.ErrCodeConnection, "Network ID mismatch",
			fmt.Sprintf("expected %d, got %d", m.cfg.NetworkID, networkID.Uint64()))
	}
	return nil
}

func (m *Manager) requestTimeout() time.Duration {
	if m.cfg.RequestTimeout > 0 {
		return m.cfg.RequestTimeout
	}
	return 30 * time.Second
}

func (m *Manager) setCapableMetric(capable bool) {
	if m.metrics != nil {
		m.metrics.UpdateRealtimeCapable(capable)
	}
}

func (m *Manager) recordConnectionError(transport, errorType string) {
	if m.metrics != nil {
		m.metrics.RecordConnectionError(transport, errorType)
	}
}

func (m *Manager) recordReconnect(outcome string) {
	if m.metrics != nil {
		m.metrics.RecordReconnect(outcome)
	}
}
