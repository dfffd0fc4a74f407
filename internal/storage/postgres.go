package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/0xferrous/eventsync/internal/config"
	"github.com/0xferrous/eventsync/internal/models"
	"github.com/0xferrous/eventsync/pkg/utils"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db         *sql.DB
	config     *config.StorageConfig
	logger     *logrus.Entry
	migrations []*Migration
}

// NewPostgresStore creates a new PostgreSQL store instance
func NewPostgresStore(cfg *config.StorageConfig) *PostgresStore {
	return &PostgresStore{
		config:     cfg,
		logger:     utils.ComponentLogger("storage"),
		migrations: GetPostgresMigrations(),
	}
}

// Connect establishes the database connection
func (p *PostgresStore) Connect() error {
	db, err := sql.Open("postgres", p.config.ConnectionString)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "failed to open PostgreSQL database", err)
	}

	db.SetMaxOpenConns(p.config.MaxConnections)
	db.SetMaxIdleConns(p.config.MaxConnections / 2)
	db.SetConnMaxLifetime(p.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "failed to ping PostgreSQL database", err)
	}

	p.db = db
	p.logger.Info("PostgreSQL database connected")

	return nil
}

// Close closes the database connection
func (p *PostgresStore) Close() error {
	if p.db != nil {
		err := p.db.Close()
		p.db = nil
		p.logger.Info("PostgreSQL database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgresStore) Ping(ctx context.Context) error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "database not connected")
	}
	return p.db.PingContext(ctx)
}

// Migrate runs database migrations
func (p *PostgresStore) Migrate() error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "database not connected")
	}

	for _, migration := range p.migrations {
		p.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Debug("Applying migration")

		if _, err := p.db.Exec(migration.SQL); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase,
				fmt.Sprintf("migration %s failed", migration.Version), err)
		}
	}

	return nil
}

const postgresInsertEvent = `
	INSERT INTO events
	(id, block_number, block_hash, tx_hash, tx_index, log_index, contract_address,
	 event_name, event_signature, parameters, decoded, timestamp)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (tx_hash, log_index) DO NOTHING
`

// SaveEvent appends one event, reporting false on a duplicate dedup key.
func (p *PostgresStore) SaveEvent(ctx context.Context, event *models.Event) (bool, error) {
	args, err := eventInsertArgs(event)
	if err != nil {
		return false, err
	}

	result, err := p.db.ExecContext(ctx, postgresInsertEvent, args...)
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
func (p *PostgresStore) SaveEvents(ctx context.Context, events []*models.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, postgresInsertEvent)
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

	return inserted, nil
}

// GetEvents retrieves events matching the filter, ordered by
// (block_number, log_index) ascending.
func (p *PostgresStore) GetEvents(ctx context.Context, filter models.EventFilter) ([]*models.Event, error) {
	where, args := eventFilterClauses(filter)
	query := "SELECT " + eventColumns + " FROM events" + where
	query, args = eventOrderAndPage(query, filter, args)

	rows, err := p.db.QueryContext(ctx, query, args...)
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
func (p *PostgresStore) GetEventCount(ctx context.Context, filter models.EventFilter) (int64, error) {
	where, args := eventFilterClauses(filter)

	var count int64
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&count); err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabase, "failed to count events", err)
	}
	return count, nil
}

// EnsureSyncStatus creates the sync row for an address if absent.
func (p *PostgresStore) EnsureSyncStatus(ctx context.Context, address string, startBlock uint64) error {
	_, err := p.db.ExecContext(ctx,
		"INSERT INTO sync_status (address, last_block_number, is_syncing) VALUES ($1, $2, FALSE) ON CONFLICT (address) DO NOTHING",
		utils.NormalizeAddress(address), startBlock)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "failed to ensure sync status", err)
	}
	return nil
}

// GetSyncStatus returns the sync row for an address, or nil when unknown.
func (p *PostgresStore) GetSyncStatus(ctx context.Context, address string) (*models.SyncStatus, error) {
	row := p.db.QueryRowContext(ctx,
		"SELECT address, last_block_number, last_sync_time, is_syncing FROM sync_status WHERE address = $1",
		utils.NormalizeAddress(address))
	return scanSyncStatus(row)
}

// GetSyncStatuses returns all sync rows, least recently synced first.
func (p *PostgresStore) GetSyncStatuses(ctx context.Context) ([]*models.SyncStatus, error) {
	rows, err := p.db.QueryContext(ctx,
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

// BeginSync atomically flips is_syncing from false to true.
func (p *PostgresStore) BeginSync(ctx context.Context, address string) (bool, error) {
	result, err := p.db.ExecContext(ctx,
		"UPDATE sync_status SET is_syncing = TRUE WHERE address = $1 AND is_syncing = FALSE",
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

// EndSync releases the pass, advancing the watermark monotonically when
// advance is true. last_sync_time marks successful passes only, so a
// failing address keeps its place at the front of the rotation.
func (p *PostgresStore) EndSync(ctx context.Context, address string, watermark uint64, advance bool) error {
	var result sql.Result
	var err error

	if advance {
		result, err = p.db.ExecContext(ctx,
			"UPDATE sync_status SET is_syncing = FALSE, last_block_number = GREATEST(last_block_number, $1), last_sync_time = $2 WHERE address = $3",
			watermark, time.Now().UTC(), utils.NormalizeAddress(address))
	} else {
		result, err = p.db.ExecContext(ctx,
			"UPDATE sync_status SET is_syncing = FALSE WHERE address = $1",
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
// shutdown.
func (p *PostgresStore) ResetStuckSyncing(ctx context.Context) (int64, error) {
	result, err := p.db.ExecContext(ctx, "UPDATE sync_status SET is_syncing = FALSE WHERE is_syncing = TRUE")
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabase, "failed to reset stuck syncs", err)
	}
	return result.RowsAffected()
}

// Stats summarizes the durable state
func (p *PostgresStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}

	err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(MAX(block_number), 0) FROM events").
		Scan(&stats.TotalEvents, &stats.LatestBlock)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to get event stats", err)
	}

	var oldest, latest sql.NullTime
	err = p.db.QueryRowContext(ctx, "SELECT MIN(timestamp), MAX(timestamp) FROM events").Scan(&oldest, &latest)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to get event time range", err)
	}
	if oldest.Valid {
		stats.OldestEvent = &oldest.Time
	}
	if latest.Valid {
		stats.LatestEvent = &latest.Time
	}

	err = p.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(*) FILTER (WHERE is_syncing) FROM sync_status").
		Scan(&stats.TotalAddresses, &stats.SyncingAddresses)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to get sync stats", err)
	}

	if err := p.db.QueryRowContext(ctx,
		"SELECT pg_database_size(current_database())").Scan(&stats.DatabaseSizeBytes); err != nil {
		p.logger.WithError(err).Debug("Failed to read database size")
	}

	return stats, nil
}
