package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/0xferrous/eventsync/internal/config"
	"github.com/0xferrous/eventsync/internal/connection"
	"github.com/0xferrous/eventsync/internal/metrics"
	"github.com/0xferrous/eventsync/internal/models"
	"github.com/0xferrous/eventsync/internal/registry"
	"github.com/0xferrous/eventsync/internal/storage"
	"github.com/0xferrous/eventsync/pkg/utils"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 1000
)

// NodeHealth reports pull transport health and connection state.
type NodeHealth interface {
	HealthCheck(ctx context.Context) error
	Stats() connection.Stats
	IsRealtimeCapable() bool
}

// RealtimeStatus reports whether push delivery is active.
type RealtimeStatus interface {
	IsRunning() bool
}

// HTTPServer serves the stored event log and sync state to downstream
// consumers. It is a read-only surface; address and contract management stay
// external.
type HTTPServer struct {
	config    *config.ServerConfig
	server    *http.Server
	router    *mux.Router
	store     storage.Store
	registry  *registry.Registry
	node      NodeHealth
	realtime  RealtimeStatus
	addresses []config.AddressConfig
	metrics   *metrics.Manager
	logger    *logrus.Entry
}

// NewHTTPServer creates the HTTP server. The registry, metrics manager and
// realtime status may be nil.
func NewHTTPServer(
	cfg *config.ServerConfig,
	store storage.Store,
	reg *registry.Registry,
	node NodeHealth,
	realtime RealtimeStatus,
	addresses []config.AddressConfig,
	metricsManager *metrics.Manager,
) *HTTPServer {
	s := &HTTPServer{
		config:    cfg,
		store:     store,
		registry:  reg,
		node:      node,
		realtime:  realtime,
		addresses: addresses,
		metrics:   metricsManager,
		logger:    utils.ComponentLogger("server"),
	}

	s.setupRouter()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET")
		api.HandleFunc("/health/detailed", s.detailedHealthHandler).Methods("GET")
	}

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.Handler())
		api.HandleFunc("/stats", s.statsHandler).Methods("GET")
	}

	api.HandleFunc("/events", s.listEventsHandler).Methods("GET")
	api.HandleFunc("/sync", s.listSyncStatusHandler).Methods("GET")
	api.HandleFunc("/sync/{address}", s.getSyncStatusHandler).Methods("GET")
	api.HandleFunc("/addresses", s.listAddressesHandler).Methods("GET")
	api.HandleFunc("/contracts", s.listContractsHandler).Methods("GET")
}

// Start begins serving. Binding errors surface immediately; later serve
// errors are logged.
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metrics != nil {
		s.metrics.UpdateSystemMetrics()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return utils.WrapError(utils.ErrCodeInternal, "Failed to start HTTP server", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop shuts the server down gracefully.
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Health handlers

func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *HTTPServer) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{}
	healthy := true

	dbErr := s.store.Ping(r.Context())
	components["database"] = componentStatus(dbErr)
	if dbErr != nil {
		healthy = false
	}

	var nodeErr error
	if s.node != nil {
		nodeErr = s.node.HealthCheck(r.Context())
		components["node"] = componentStatus(nodeErr)
		if nodeErr != nil {
			healthy = false
		}
		components["realtime"] = map[string]interface{}{
			"capable": s.node.IsRealtimeCapable(),
			"running": s.realtime != nil && s.realtime.IsRunning(),
		}
	}

	if s.metrics != nil {
		s.metrics.Metrics().UpdateComponentHealth("database", dbErr == nil)
		if s.node != nil {
			s.metrics.Metrics().UpdateComponentHealth("node", nodeErr == nil)
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now().UTC(),
		"components": components,
	})
}

func componentStatus(err error) map[string]interface{} {
	if err != nil {
		return map[string]interface{}{"healthy": false, "error": err.Error()}
	}
	return map[string]interface{}{"healthy": true}
}

func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	storeStats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve storage stats", err)
		return
	}

	if s.metrics != nil {
		s.metrics.Metrics().UpdateStorageTotals(
			storeStats.TotalEvents, storeStats.LatestBlock, storeStats.DatabaseSizeBytes)
	}

	stats := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"storage":   storeStats,
	}
	if s.node != nil {
		stats["connection"] = s.node.Stats()
	}
	if s.realtime != nil {
		stats["realtime_running"] = s.realtime.IsRunning()
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// Event handlers

func (s *HTTPServer) listEventsHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	events, err := s.store.GetEvents(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve events", err)
		return
	}
	total, err := s.store.GetEventCount(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to count events", err)
		return
	}

	if events == nil {
		events = []*models.Event{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func parseEventFilter(r *http.Request) (models.EventFilter, error) {
	query := r.URL.Query()
	filter := models.EventFilter{Limit: defaultPageLimit}

	if v := query.Get("contract"); v != "" {
		if !utils.IsValidAddress(v) {
			return filter, fmt.Errorf("invalid contract address %q", v)
		}
		addr := common.HexToAddress(v)
		filter.ContractAddress = &addr
	}
	if v := query.Get("event"); v != "" {
		name := v
		filter.EventName = &name
	}
	if v := query.Get("tx_hash"); v != "" {
		if !strings.HasPrefix(v, "0x") {
			return filter, fmt.Errorf("invalid transaction hash %q", v)
		}
		hash := v
		filter.TxHash = &hash
	}
	if v := query.Get("from_block"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid from_block %q", v)
		}
		filter.FromBlock = &n
	}
	if v := query.Get("to_block"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid to_block %q", v)
		}
		filter.ToBlock = &n
	}
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		if n > maxPageLimit {
			n = maxPageLimit
		}
		filter.Limit = n
	}
	if v := query.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid offset %q", v)
		}
		filter.Offset = n
	}

	return filter, nil
}

// Sync status handlers

func (s *HTTPServer) listSyncStatusHandler(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.store.GetSyncStatuses(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve sync statuses", err)
		return
	}

	if statuses == nil {
		statuses = []*models.SyncStatus{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"statuses": statuses,
		"total":    len(statuses),
	})
}

func (s *HTTPServer) getSyncStatusHandler(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if !utils.IsValidAddress(address) {
		s.writeError(w, http.StatusBadRequest, "Invalid address", nil)
		return
	}

	status, err := s.store.GetSyncStatus(r.Context(), address)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve sync status", err)
		return
	}
	if status == nil {
		s.writeError(w, http.StatusNotFound, "Sync status not found", nil)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"state":  status.State(),
	})
}

// addressEntry joins a monitored address with its sync state for the
// addresses listing.
type addressEntry struct {
	models.MonitoredAddress
	LastBlockNumber *uint64    `json:"last_block_number,omitempty"`
	LastSyncTime    *time.Time `json:"last_sync_time,omitempty"`
	State           string     `json:"state,omitempty"`
}

func (s *HTTPServer) listAddressesHandler(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.store.GetSyncStatuses(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve sync statuses", err)
		return
	}

	byAddress := make(map[string]*models.SyncStatus, len(statuses))
	for _, status := range statuses {
		byAddress[status.Address] = status
	}

	entries := make([]addressEntry, 0, len(s.addresses))
	for _, addr := range s.addresses {
		entry := addressEntry{
			MonitoredAddress: models.MonitoredAddress{
				Address: utils.NormalizeAddress(addr.Address),
				Type:    addr.Type,
				Label:   addr.Label,
			},
		}
		if status, ok := byAddress[entry.Address]; ok {
			entry.LastBlockNumber = &status.LastBlockNumber
			entry.LastSyncTime = status.LastSyncTime
			entry.State = status.State()
		}
		entries = append(entries, entry)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"addresses": entries,
		"total":     len(entries),
	})
}

// contractEntry describes one registry binding for the contracts listing.
type contractEntry struct {
	Name    string          `json:"name"`
	Address string          `json:"address"`
	Events  []contractEvent `json:"events"`
}

type contractEvent struct {
	Signature string `json:"signature"`
	Topic     string `json:"topic"`
}

func (s *HTTPServer) listContractsHandler(w http.ResponseWriter, r *http.Request) {
	entries := make([]contractEntry, 0)
	if s.registry != nil {
		for _, binding := range s.registry.Bindings() {
			entry := contractEntry{
				Name:    binding.Name,
				Address: utils.NormalizeAddress(binding.Address.Hex()),
			}
			for _, sig := range binding.EventSignatures() {
				entry.Events = append(entry.Events, contractEvent{
					Signature: sig,
					Topic:     utils.EventSignatureHash(sig),
				})
			}
			entries = append(entries, entry)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"contracts": entries,
		"total":     len(entries),
	})
}
