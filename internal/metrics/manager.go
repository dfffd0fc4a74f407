package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/0xferrous/eventsync/pkg/utils"
)

// Manager handles all application metrics.
type Manager struct {
	metrics   *Metrics
	logger    *logrus.Entry
	startTime time.Time
}

// NewManager creates a metrics manager registered against the default registry.
func NewManager() *Manager {
	return NewManagerWith(prometheus.DefaultRegisterer)
}

// NewManagerWith creates a metrics manager registered against reg. Tests pass
// a fresh registry so repeated construction does not panic on re-registration.
func NewManagerWith(reg prometheus.Registerer) *Manager {
	return &Manager{
		metrics:   NewMetrics(reg),
		logger:    utils.ComponentLogger("metrics"),
		startTime: time.Now(),
	}
}

// Metrics returns the underlying metric set.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// UpdateSystemMetrics updates system-level metrics like memory and goroutines.
func (m *Manager) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.metrics.UpdateMemoryUsage(memStats.Alloc)
	m.metrics.UpdateGoroutineCount(runtime.NumGoroutine())
	m.metrics.UpdateApplicationUptime(m.startTime)
}

// Run refreshes system metrics on the given interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	m.logger.WithField("interval", interval).Debug("System metrics loop started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("System metrics loop stopped")
			return
		case <-ticker.C:
			m.UpdateSystemMetrics()
		}
	}
}
