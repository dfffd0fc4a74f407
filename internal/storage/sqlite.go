package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/0xferrous/eventsync/internal/config"
	"github.com/0xferrous/eventsync/internal/models"
	"github.com/0xferrous/eventsync/pkg/utils"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db         *sql.DB
	config     *config.StorageConfig
	logger     *logrus.Entry
	migrations []*Migration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg *config.StorageConfig) *SQLiteStore {
	return &SQLiteStore{
		config:     cfg,
		logger:     utils.ComponentLogger("storage"),
		migrations: GetSQLiteMigrations(),
	}
}

// Connect establishes the database connection
func (s *SQLiteStore) Connect() error {
	dir := filepath.Dir(s.config.ConnectionString)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "failed to create database directory", err)
		}
	}

	db, err := sql.Open("sqlite", s.config.ConnectionString)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "failed to open SQLite database", err)
	}

	db.SetMaxOpenConns(s.config.MaxConnections)
	db.SetMaxIdleConns(s.config.MaxConnections / 2)
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	// WAL lets the realtime forwarder and a catch-up pass write
	// concurrently with readers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "failed to enable WAL mode", err)
	}

	s.db = db
	s.logger.WithField("path", s.config.ConnectionString).Info("SQLite database connected")

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("SQLite database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "database not connected")
	}
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "database not connected")
	}

	for _, migration := range s.migrations {
		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Debug("Applying migration")

		if _, err := s.db.Exec(migration.SQL); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase,
				fmt.Sprintf("migration %s failed", migration.Version), err)
		}
	}

	return nil
}

const sqliteInsertEvent = `
	INSERT OR IGNORE INTO events
	(id, block_number, block_hash, tx_hash, tx_index, log_index, contract_address,
	 event_name, event_signature, parameters, decoded, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// SaveEvent appends one event. A duplicate (tx_hash, log_index) leaves the
// existing row untouched and reports inserted=false.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *models.Event) (bool, error) {
	args, err := eventInsertArgs(event)
	if err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, sqliteInsertEvent, args...)
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "failed to save event", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "failed to get rows affected", err)
	}
	return rows > 0, nil
}

// SaveEvents appends a batch atomically and returns how many rows were new.
// Duplicates inside the batch are no-ops; any other failure rolls the whole
// batch back.
func (s *SQLiteStore) SaveEvents(ctx context.Context, events []*models.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteInsertEvent)
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabase, "failed to prepare statement", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, event := range events {
		args, err := eventInsertArgs(event)
		if err != nil {
			return 0, err
		}
		result, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, utils.WrapError(utils.ErrCodeDatabase, "failed to save event in batch", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return 0, utils.WrapError(utils.ErrCodeDatabase, "failed to get rows affected", err)
		}
		inserted += int(rows)
	}

	if err := tx.Commit(); err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabase, "failed to commit transaction", err)
	}

	s.logger.WithFields(logrus.Fields{
		"count":    len(events),
		"inserted": inserted,
	}).Debug("Saved events batch")
	return inserted, nil
}

// GetEvents retrieves events matching the filter, ordered by
// (block_number, log_index) ascending.
func (s *SQLiteStore) GetEvents(ctx context.Context, filter models.EventFilter) ([]*models.Event, error) {
	where, args := eventFilterClauses(filter)
	query := "SELECT " + eventColumns + " FROM events" + where
	query, args = eventOrderAndPage(query, filter, args)
	query = toSQLitePlaceholders(query, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to query events", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// GetEventCount returns the count of events matching the filter
func (s *SQLiteStore) GetEventCount(ctx context.Context, filter models.EventFilter) (int64, error) {
	where, args := eventFilterClauses(filter)
	query := toSQLitePlaceholders("SELECT COUNT(*) FROM events"+where, len(args))

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabase, "failed to count events", err)
	}
	return count, nil
}

// EnsureSyncStatus creates the sync row for an address if absent, seeding
// the watermark with startBlock.
func (s *SQLiteStore) EnsureSyncStatus(ctx context.Context, address string, startBlock uint64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sync_status (address, last_block_number, is_syncing) VALUES (?, ?, 0)",
		utils.NormalizeAddress(address), startBlock)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "failed to ensure sync status", err)
	}
	return nil
}

// GetSyncStatus returns the sync row for an address, or nil when unknown.
func (s *SQLiteStore) GetSyncStatus(ctx context.Context, address string) (*models.SyncStatus, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT address, last_block_number, last_sync_time, is_syncing FROM sync_status WHERE address = ?",
		utils.NormalizeAddress(address))
	return scanSyncStatus(row)
}

// GetSyncStatuses returns all sync rows, least recently synced first so
// callers can rotate catch-up work fairly. Never-synced addresses sort
// ahead of everything.
func (s *SQLiteStore) GetSyncStatuses(ctx context.Context) ([]*models.SyncStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT address, last_block_number, last_sync_time, is_syncing FROM sync_status ORDER BY last_sync_time ASC NULLS FIRST, address ASC")
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to query sync statuses", err)
	}
	defer rows.Close()

	var statuses []*models.SyncStatus
	for rows.Next() {
		status, err := scanSyncStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, rows.Err()
}

// BeginSync atomically flips is_syncing from false to true. It reports
// false when another pass already holds the address.
func (s *SQLiteStore) BeginSync(ctx context.Context, address string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sync_status SET is_syncing = 1 WHERE address = ? AND is_syncing = 0",
		utils.NormalizeAddress(address))
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "failed to begin sync", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "failed to get rows affected", err)
	}
	return rows > 0, nil
}

// EndSync releases the pass. The watermark only moves when advance is true,
// and never backwards. last_sync_time marks successful passes only, so a
// failing address keeps its place at the front of the rotation.
func (s *SQLiteStore) EndSync(ctx context.Context, address string, watermark uint64, advance bool) error {
	var result sql.Result
	var err error

	if advance {
		result, err = s.db.ExecContext(ctx,
			"UPDATE sync_status SET is_syncing = 0, last_block_number = MAX(last_block_number, ?), last_sync_time = ? WHERE address = ?",
			watermark, time.Now().UTC(), utils.NormalizeAddress(address))
	} else {
		result, err = s.db.ExecContext(ctx,
			"UPDATE sync_status SET is_syncing = 0 WHERE address = ?",
			utils.NormalizeAddress(address))
	}
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "failed to end sync", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "failed to get rows affected", err)
	}
	if rows == 0 {
		return utils.NewAppError(utils.ErrCodeNotFound, "sync status not found", address)
	}
	return nil
}

// ResetStuckSyncing clears is_syncing flags left behind by an unclean
// shutdown. Watermarks are not touched.
func (s *SQLiteStore) ResetStuckSyncing(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "UPDATE sync_status SET is_syncing = 0 WHERE is_syncing = 1")
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabase, "failed to reset stuck syncs", err)
	}
	return result.RowsAffected()
}

// Stats summarizes the durable state
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(MAX(block_number), 0) FROM events").
		Scan(&stats.TotalEvents, &stats.LatestBlock)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to get event stats", err)
	}

	// MIN/MAX strip the column's declared type, so the driver would hand
	// back raw TEXT instead of a time.Time. Selecting the column directly
	// keeps the conversion.
	var oldest time.Time
	err = s.db.QueryRowContext(ctx,
		"SELECT timestamp FROM events ORDER BY timestamp ASC LIMIT 1").Scan(&oldest)
	switch {
	case err == nil:
		stats.OldestEvent = &oldest
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to get oldest event time", err)
	}

	var latest time.Time
	err = s.db.QueryRowContext(ctx,
		"SELECT timestamp FROM events ORDER BY timestamp DESC LIMIT 1").Scan(&latest)
	switch {
	case err == nil:
		stats.LatestEvent = &latest
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to get latest event time", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(is_syncing), 0) FROM sync_status").
		Scan(&stats.TotalAddresses, &stats.SyncingAddresses)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to get sync stats", err)
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.DatabaseSizeBytes = pageCount * pageSize
		}
	}

	return stats, nil
}

// toSQLitePlaceholders rewrites $N placeholders to SQLite's ?.
func toSQLitePlaceholders(query string, argCount int) string {
	for i := argCount; i >= 1; i-- {
		query = strings.Replace(query, fmt.Sprintf("$%d", i), "?", 1)
	}
	return query
}
