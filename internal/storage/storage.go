// Package storage persists the two durable artifacts of the engine: the
// append-only event log and the per-address sync status. Both backends
// enforce event uniqueness on (tx_hash, log_index) in schema, which is what
// lets the historical and realtime paths write concurrently without
// coordination.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/0xferrous/eventsync/internal/models"
	"github.com/0xferrous/eventsync/pkg/utils"
)

// Store defines the persistence interface for events and sync status.
type Store interface {
	// Connection management
	Connect() error
	Close() error
	Ping(ctx context.Context) error
	Migrate() error

	// Event log. SaveEvent reports whether a row was actually inserted;
	// a duplicate (tx_hash, log_index) is a successful no-op returning
	// false. SaveEvents applies the batch atomically and reports how many
	// rows were new.
	SaveEvent(ctx context.Context, event *models.Event) (bool, error)
	SaveEvents(ctx context.Context, events []*models.Event) (int, error)
	GetEvents(ctx context.Context, filter models.EventFilter) ([]*models.Event, error)
	GetEventCount(ctx context.Context, filter models.EventFilter) (int64, error)

	// Sync status. BeginSync is a compare-and-set on is_syncing and
	// reports whether this caller acquired the pass. EndSync releases it;
	// the watermark advances only when advance is true, and never moves
	// backwards. ResetStuckSyncing clears passes left behind by an
	// unclean shutdown without touching watermarks.
	EnsureSyncStatus(ctx context.Context, address string, startBlock uint64) error
	GetSyncStatus(ctx context.Context, address string) (*models.SyncStatus, error)
	GetSyncStatuses(ctx context.Context) ([]*models.SyncStatus, error)
	BeginSync(ctx context.Context, address string) (bool, error)
	EndSync(ctx context.Context, address string, watermark uint64, advance bool) error
	ResetStuckSyncing(ctx context.Context) (int64, error)

	// Statistics for health reporting and metrics.
	Stats(ctx context.Context) (*StoreStats, error)
}

// StoreStats summarizes the durable state.
type StoreStats struct {
	TotalEvents       int64      `json:"total_events"`
	TotalAddresses    int64      `json:"total_addresses"`
	SyncingAddresses  int64      `json:"syncing_addresses"`
	LatestBlock       uint64     `json:"latest_block"`
	OldestEvent       *time.Time `json:"oldest_event,omitempty"`
	LatestEvent       *time.Time `json:"latest_event,omitempty"`
	DatabaseSizeBytes int64      `json:"database_size_bytes"`
}

const eventColumns = `id, block_number, block_hash, tx_hash, tx_index, log_index,
	contract_address, event_name, event_signature, parameters, decoded, timestamp`

// eventFilterClauses renders filter conditions with $N placeholders.
// Postgres uses them as-is; the SQLite backend rewrites them to ?.
func eventFilterClauses(filter models.EventFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if filter.ContractAddress != nil {
		args = append(args, strings.ToLower(filter.ContractAddress.Hex()))
		clauses = append(clauses, fmt.Sprintf("contract_address = $%d", len(args)))
	}
	if filter.EventName != nil {
		args = append(args, *filter.EventName)
		clauses = append(clauses, fmt.Sprintf("event_name = $%d", len(args)))
	}
	if filter.FromBlock != nil {
		args = append(args, *filter.FromBlock)
		clauses = append(clauses, fmt.Sprintf("block_number >= $%d", len(args)))
	}
	if filter.ToBlock != nil {
		args = append(args, *filter.ToBlock)
		clauses = append(clauses, fmt.Sprintf("block_number <= $%d", len(args)))
	}
	if filter.TxHash != nil {
		args = append(args, strings.ToLower(*filter.TxHash))
		clauses = append(clauses, fmt.Sprintf("tx_hash = $%d", len(args)))
	}

	query := ""
	if len(clauses) > 0 {
		query = " WHERE " + strings.Join(clauses, " AND ")
	}
	return query, args
}

// eventOrderAndPage appends the fixed result ordering plus pagination.
// Events are always returned oldest-first within a block, per the
// (block_number, log_index) ordering contract.
func eventOrderAndPage(query string, filter models.EventFilter, args []interface{}) (string, []interface{}) {
	query += " ORDER BY block_number ASC, log_index ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

// eventInsertArgs normalizes the identity columns and renders the insert
// argument list shared by both backends. A missing ID is derived from the
// dedup key so hand-built events stay consistent with decoded ones.
func eventInsertArgs(event *models.Event) ([]interface{}, error) {
	paramsJSON, err := json.Marshal(event.Params)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to marshal event parameters", err)
	}

	txHash := strings.ToLower(event.TxHash)
	id := event.ID
	if id == "" {
		id = utils.EventID(txHash, event.LogIndex)
	}

	return []interface{}{
		id, event.BlockNumber, strings.ToLower(event.BlockHash), txHash,
		event.TxIndex, event.LogIndex, utils.NormalizeAddress(event.Address),
		event.EventName, event.EventSig, string(paramsJSON), event.Decoded,
		event.Timestamp.UTC(),
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var event models.Event
	var paramsJSON string

	err := row.Scan(&event.ID, &event.BlockNumber, &event.BlockHash, &event.TxHash,
		&event.TxIndex, &event.LogIndex, &event.Address, &event.EventName,
		&event.EventSig, &paramsJSON, &event.Decoded, &event.Timestamp)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to scan event", err)
	}

	if err := json.Unmarshal([]byte(paramsJSON), &event.Params); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to unmarshal event parameters", err)
	}
	return &event, nil
}

func scanSyncStatus(row rowScanner) (*models.SyncStatus, error) {
	var status models.SyncStatus
	var lastSync sql.NullTime

	err := row.Scan(&status.Address, &status.LastBlockNumber, &lastSync, &status.IsSyncing)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to scan sync status", err)
	}

	if lastSync.Valid {
		status.LastSyncTime = &lastSync.Time
	}
	return &status, nil
}
