package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics exposed by the event sync engine.
type Metrics struct {
	// Ingestion metrics
	EventsIngestedTotal *prometheus.CounterVec
	EventsSkippedTotal  *prometheus.CounterVec
	EventsDecodedTotal  *prometheus.CounterVec

	// Sync pass metrics
	SyncPassesTotal  *prometheus.CounterVec
	SyncPassDuration *prometheus.HistogramVec
	SyncWatermark    *prometheus.GaugeVec
	BlocksBehind     prometheus.Gauge

	// Connection metrics
	RealtimeCapable       prometheus.Gauge
	SubscriptionsActive   prometheus.Gauge
	ReconnectsTotal       *prometheus.CounterVec
	ConnectionErrorsTotal *prometheus.CounterVec
	RPCRequestsTotal      *prometheus.CounterVec
	RPCRequestDuration    *prometheus.HistogramVec

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec
	StoredEvents              prometheus.Gauge
	LatestStoredBlock         prometheus.Gauge
	DatabaseSizeBytes         prometheus.Gauge

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge

	// Registry metrics
	ContractsWatched prometheus.Gauge
	AddressesWatched prometheus.Gauge
}

// NewMetrics creates and registers all metrics against the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Ingestion metrics
		EventsIngestedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventsync_events_ingested_total",
				Help: "Total number of decoded events forwarded to storage",
			},
			[]string{"contract_address", "event_name", "source"},
		),

		EventsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventsync_events_skipped_total",
				Help: "Total number of logs skipped before storage",
			},
			[]string{"reason"},
		),

		EventsDecodedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventsync_events_decoded_total",
				Help: "Total number of logs decoded, by outcome",
			},
			[]string{"contract_address", "outcome"},
		),

		// Sync pass metrics
		SyncPassesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventsync_sync_passes_total",
				Help: "Total number of per-address sync passes",
			},
			[]string{"address", "status"},
		),

		SyncPassDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventsync_sync_pass_duration_seconds",
				Help:    "Duration of per-address sync passes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"address"},
		),

		SyncWatermark: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eventsync_sync_watermark",
				Help: "Last fully synchronized block number per address",
			},
			[]string{"address"},
		),

		BlocksBehind: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventsync_blocks_behind",
				Help: "Number of blocks between the slowest watermark and the chain head",
			},
		),

		// Connection metrics
		RealtimeCapable: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventsync_realtime_capable",
				Help: "Whether the push transport is available (1=capable, 0=degraded)",
			},
		),

		SubscriptionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventsync_subscriptions_active",
				Help: "Number of active log subscriptions",
			},
		),

		ReconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventsync_reconnects_total",
				Help: "Total number of push transport reconnect attempts, by outcome",
			},
			[]string{"outcome"},
		),

		ConnectionErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventsync_connection_errors_total",
				Help: "Total number of node connection errors",
			},
			[]string{"transport", "error_type"},
		),

		RPCRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventsync_rpc_requests_total",
				Help: "Total number of RPC requests made to the node",
			},
			[]string{"method", "status"},
		),

		RPCRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventsync_rpc_request_duration_seconds",
				Help:    "Duration of RPC requests to the node",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		// Storage metrics
		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventsync_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventsync_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		StoredEvents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventsync_stored_events",
				Help: "Total number of events currently in storage",
			},
		),

		LatestStoredBlock: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventsync_latest_stored_block",
				Help: "Highest block number present in storage",
			},
		),

		DatabaseSizeBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventsync_database_size_bytes",
				Help: "Approximate size of the event database in bytes",
			},
		),

		// API metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventsync_http_requests_total",
				Help: "Total number of HTTP requests received",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventsync_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Application health metrics
		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventsync_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eventsync_component_health",
				Help: "Health status of application components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventsync_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventsync_goroutines",
				Help: "Number of running goroutines",
			},
		),

		// Registry metrics
		ContractsWatched: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventsync_contracts_watched",
				Help: "Number of contracts registered for decoding",
			},
		),

		AddressesWatched: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventsync_addresses_watched",
				Help: "Number of addresses tracked for synchronization",
			},
		),
	}
}

// RecordEventIngested records a decoded event forwarded to storage. Source is
// "pull" or "push".
func (m *Metrics) RecordEventIngested(contractAddress, eventName, source string) {
	m.EventsIngestedTotal.WithLabelValues(contractAddress, eventName, source).Inc()
}

// RecordEventSkipped records a log dropped before storage.
func (m *Metrics) RecordEventSkipped(reason string) {
	m.EventsSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordEventsSkipped records count logs dropped for the same reason, such as
// the duplicate remainder of a batch insert.
func (m *Metrics) RecordEventsSkipped(reason string, count int) {
	if count <= 0 {
		return
	}
	m.EventsSkippedTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordEventDecoded records a decode outcome ("ok" or "raw").
func (m *Metrics) RecordEventDecoded(contractAddress, outcome string) {
	m.EventsDecodedTotal.WithLabelValues(contractAddress, outcome).Inc()
}

// RecordSyncPass records a completed sync pass for an address.
func (m *Metrics) RecordSyncPass(address, status string, duration time.Duration) {
	m.SyncPassesTotal.WithLabelValues(address, status).Inc()
	m.SyncPassDuration.WithLabelValues(address).Observe(duration.Seconds())
}

// UpdateSyncWatermark updates the per-address watermark gauge.
func (m *Metrics) UpdateSyncWatermark(address string, blockNumber uint64) {
	m.SyncWatermark.WithLabelValues(address).Set(float64(blockNumber))
}

// UpdateBlocksBehind updates the blocks behind metric.
func (m *Metrics) UpdateBlocksBehind(behind uint64) {
	m.BlocksBehind.Set(float64(behind))
}

// UpdateRealtimeCapable updates the push transport capability gauge.
func (m *Metrics) UpdateRealtimeCapable(capable bool) {
	value := 0.0
	if capable {
		value = 1.0
	}
	m.RealtimeCapable.Set(value)
}

// UpdateSubscriptionsActive updates the active subscription count.
func (m *Metrics) UpdateSubscriptionsActive(count int) {
	m.SubscriptionsActive.Set(float64(count))
}

// RecordReconnect records a reconnect attempt outcome ("success" or "failure").
func (m *Metrics) RecordReconnect(outcome string) {
	m.ReconnectsTotal.WithLabelValues(outcome).Inc()
}

// RecordConnectionError records a node connection error.
func (m *Metrics) RecordConnectionError(transport, errorType string) {
	m.ConnectionErrorsTotal.WithLabelValues(transport, errorType).Inc()
}

// RecordRPCRequest records an RPC request.
func (m *Metrics) RecordRPCRequest(method, status string, duration time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDatabaseOperation records a database operation.
func (m *Metrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// UpdateStorageTotals updates the gauges derived from storage statistics.
func (m *Metrics) UpdateStorageTotals(totalEvents int64, latestBlock uint64, sizeBytes int64) {
	m.StoredEvents.Set(float64(totalEvents))
	m.LatestStoredBlock.Set(float64(latestBlock))
	m.DatabaseSizeBytes.Set(float64(sizeBytes))
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the application uptime metric.
func (m *Metrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component.
func (m *Metrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates the memory usage metric.
func (m *Metrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count metric.
func (m *Metrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}

// UpdateContractsWatched updates the number of registered contracts.
func (m *Metrics) UpdateContractsWatched(count int) {
	m.ContractsWatched.Set(float64(count))
}

// UpdateAddressesWatched updates the number of tracked addresses.
func (m *Metrics) UpdateAddressesWatched(count int) {
	m.AddressesWatched.Set(float64(count))
}
