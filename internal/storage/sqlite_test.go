package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xferrous/eventsync/internal/config"
	"github.com/0xferrous/eventsync/internal/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	cfg := &config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "events.db"),
		MaxConnections:   4,
		MaxIdleTime:      time.Minute,
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func sampleEvent(txHash string, logIndex uint, block uint64) *models.Event {
	return &models.Event{
		BlockNumber: block,
		BlockHash:   "0xaaaa",
		TxHash:      txHash,
		TxIndex:     0,
		LogIndex:    logIndex,
		Address:     "0x1111111111111111111111111111111111111111",
		EventName:   "Transfer",
		EventSig:    "Transfer(address,address,uint256)",
		Params: models.Parameters{
			{Name: "from", Value: "0x3333333333333333333333333333333333333333"},
			{Name: "to", Value: "0x4444444444444444444444444444444444444444"},
			{Name: "value", Value: "42"},
		},
		Decoded:   true,
		Timestamp: time.Now().UTC(),
	}
}

func uint64Ptr(v uint64) *uint64 { return &v }
func strPtr(s string) *string    { return &s }

func TestSaveEventIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	event := sampleEvent("0xdead01", 1, 100)
	inserted, err := store.SaveEvent(ctx, event)
	if err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	if !inserted {
		t.Fatal("First save should report inserted=true")
	}

	// Same dedup key, different payload: the first write wins silently.
	dup := sampleEvent("0xDEAD01", 1, 100)
	dup.Params = models.Parameters{{Name: "value", Value: "999"}}
	inserted, err = store.SaveEvent(ctx, dup)
	if err != nil {
		t.Fatalf("Duplicate save failed: %v", err)
	}
	if inserted {
		t.Fatal("Duplicate save should report inserted=false")
	}

	count, err := store.GetEventCount(ctx, models.EventFilter{})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("Expected exactly 1 row, got %d", count)
	}

	events, err := store.GetEvents(ctx, models.EventFilter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if v, _ := events[0].Params.Get("value"); v != "42" {
		t.Fatalf("Expected first write to win, got value=%v", v)
	}
}

func TestSaveEventsBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.SaveEvent(ctx, sampleEvent("0xdead01", 1, 100)); err != nil {
		t.Fatalf("Seed save failed: %v", err)
	}

	batch := []*models.Event{
		sampleEvent("0xdead01", 1, 100), // duplicate of existing row
		sampleEvent("0xdead02", 0, 101),
		sampleEvent("0xdead02", 1, 101),
	}
	inserted, err := store.SaveEvents(ctx, batch)
	if err != nil {
		t.Fatalf("Batch save failed: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("Expected 2 new rows from batch, got %d", inserted)
	}

	count, err := store.GetEventCount(ctx, models.EventFilter{})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("Expected 3 rows total, got %d", count)
	}
}

func TestSaveEventsAllOrNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	poison := sampleEvent("0xdead99", 0, 100)
	poison.Params = models.Parameters{{Name: "bad", Value: make(chan int)}}

	batch := []*models.Event{
		sampleEvent("0xdead01", 0, 100),
		poison,
	}
	if _, err := store.SaveEvents(ctx, batch); err == nil {
		t.Fatal("Expected batch save to fail")
	}

	count, err := store.GetEventCount(ctx, models.EventFilter{})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("Failed batch must leave no rows visible, got %d", count)
	}
}

func TestQueryOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Insert out of order on purpose.
	e1 := sampleEvent("0xdead01", 2, 100)
	e2 := sampleEvent("0xdead02", 1, 100)
	e3 := sampleEvent("0xdead03", 5, 99)
	for _, e := range []*models.Event{e1, e2, e3} {
		if _, err := store.SaveEvent(ctx, e); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	events, err := store.GetEvents(ctx, models.EventFilter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}

	// (block_number, log_index) ascending: block 99 first, then the two
	// block-100 events ordered by log index.
	if events[0].BlockNumber != 99 {
		t.Fatalf("Expected block 99 first, got %d", events[0].BlockNumber)
	}
	if events[1].LogIndex != 1 || events[2].LogIndex != 2 {
		t.Fatalf("Expected log index order 1,2 within block 100, got %d,%d",
			events[1].LogIndex, events[2].LogIndex)
	}
}

func TestQueryFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	transfer := sampleEvent("0xdead01", 0, 100)
	approval := sampleEvent("0xdead02", 0, 105)
	approval.EventName = "Approval"
	other := sampleEvent("0xdead03", 0, 110)
	other.Address = "0x2222222222222222222222222222222222222222"

	for _, e := range []*models.Event{transfer, approval, other} {
		if _, err := store.SaveEvent(ctx, e); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	byAddr, err := store.GetEvents(ctx, models.EventFilter{ContractAddress: &addr})
	if err != nil {
		t.Fatalf("Query by address failed: %v", err)
	}
	if len(byAddr) != 2 {
		t.Fatalf("Expected 2 events for contract, got %d", len(byAddr))
	}

	byName, err := store.GetEvents(ctx, models.EventFilter{EventName: strPtr("Approval")})
	if err != nil {
		t.Fatalf("Query by name failed: %v", err)
	}
	if len(byName) != 1 || byName[0].EventName != "Approval" {
		t.Fatalf("Expected 1 Approval event, got %d", len(byName))
	}

	byRange, err := store.GetEvents(ctx, models.EventFilter{
		FromBlock: uint64Ptr(101),
		ToBlock:   uint64Ptr(110),
	})
	if err != nil {
		t.Fatalf("Query by range failed: %v", err)
	}
	if len(byRange) != 2 {
		t.Fatalf("Expected 2 events in [101,110], got %d", len(byRange))
	}

	byTx, err := store.GetEvents(ctx, models.EventFilter{TxHash: strPtr("0xDEAD01")})
	if err != nil {
		t.Fatalf("Query by tx hash failed: %v", err)
	}
	if len(byTx) != 1 || byTx[0].TxHash != "0xdead01" {
		t.Fatalf("Expected 1 event for tx hash, got %d", len(byTx))
	}

	limited, err := store.GetEvents(ctx, models.EventFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Paged query failed: %v", err)
	}
	if len(limited) != 1 || limited[0].BlockNumber != 105 {
		t.Fatalf("Expected the second event (block 105), got %+v", limited)
	}
}

func TestParametersSurviveRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	event := sampleEvent("0xdead01", 0, 100)
	if _, err := store.SaveEvent(ctx, event); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	events, err := store.GetEvents(ctx, models.EventFilter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	params := events[0].Params
	if len(params) != 3 {
		t.Fatalf("Expected 3 parameters, got %d", len(params))
	}
	if params[0].Name != "from" || params[1].Name != "to" || params[2].Name != "value" {
		t.Fatalf("Parameter order scrambled: %+v", params)
	}
}

func TestSyncStatusLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addr := "0xAbCd000000000000000000000000000000000001"

	if err := store.EnsureSyncStatus(ctx, addr, 500); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	// Re-seeding is a no-op and must not reset the watermark.
	if err := store.EnsureSyncStatus(ctx, addr, 0); err != nil {
		t.Fatalf("Second ensure failed: %v", err)
	}

	status, err := store.GetSyncStatus(ctx, addr)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if status == nil {
		t.Fatal("Expected a sync row")
	}
	if status.LastBlockNumber != 500 || status.IsSyncing {
		t.Fatalf("Unexpected seeded status: %+v", status)
	}

	acquired, err := store.BeginSync(ctx, addr)
	if err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	if !acquired {
		t.Fatal("First BeginSync should acquire the pass")
	}

	acquired, err = store.BeginSync(ctx, addr)
	if err != nil {
		t.Fatalf("Second BeginSync failed: %v", err)
	}
	if acquired {
		t.Fatal("Second BeginSync must not acquire while a pass is in flight")
	}

	if err := store.EndSync(ctx, addr, 510, true); err != nil {
		t.Fatalf("EndSync failed: %v", err)
	}

	status, err = store.GetSyncStatus(ctx, addr)
	if err != nil {
		t.Fatalf("Get after end failed: %v", err)
	}
	if status.IsSyncing {
		t.Fatal("Pass should be released")
	}
	if status.LastBlockNumber != 510 {
		t.Fatalf("Expected watermark 510, got %d", status.LastBlockNumber)
	}
	if status.LastSyncTime == nil {
		t.Fatal("Expected last_sync_time to be set")
	}
}

func TestEndSyncWatermarkMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addr := "0x0000000000000000000000000000000000000001"

	if err := store.EnsureSyncStatus(ctx, addr, 500); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	// Failed pass: release without advancing.
	if _, err := store.BeginSync(ctx, addr); err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	if err := store.EndSync(ctx, addr, 0, false); err != nil {
		t.Fatalf("EndSync failed: %v", err)
	}
	status, _ := store.GetSyncStatus(ctx, addr)
	if status.LastBlockNumber != 500 {
		t.Fatalf("Failed pass must not move the watermark, got %d", status.LastBlockNumber)
	}

	// Advancing with a smaller value must not move it backwards.
	if _, err := store.BeginSync(ctx, addr); err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	if err := store.EndSync(ctx, addr, 400, true); err != nil {
		t.Fatalf("EndSync failed: %v", err)
	}
	status, _ = store.GetSyncStatus(ctx, addr)
	if status.LastBlockNumber != 500 {
		t.Fatalf("Watermark moved backwards to %d", status.LastBlockNumber)
	}
}

func TestResetStuckSyncing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stuck := "0x0000000000000000000000000000000000000001"
	clean := "0x0000000000000000000000000000000000000002"
	for _, a := range []string{stuck, clean} {
		if err := store.EnsureSyncStatus(ctx, a, 100); err != nil {
			t.Fatalf("Ensure failed: %v", err)
		}
	}
	if _, err := store.BeginSync(ctx, stuck); err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}

	reset, err := store.ResetStuckSyncing(ctx)
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if reset != 1 {
		t.Fatalf("Expected 1 reset row, got %d", reset)
	}

	status, _ := store.GetSyncStatus(ctx, stuck)
	if status.IsSyncing {
		t.Fatal("Stuck pass should be cleared")
	}
	if status.LastBlockNumber != 100 {
		t.Fatalf("Reset must not touch the watermark, got %d", status.LastBlockNumber)
	}
}

func TestGetSyncStatusesOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := "0x0000000000000000000000000000000000000001"
	never := "0x0000000000000000000000000000000000000002"
	last := "0x0000000000000000000000000000000000000003"
	for _, a := range []string{first, never, last} {
		if err := store.EnsureSyncStatus(ctx, a, 0); err != nil {
			t.Fatalf("Ensure failed: %v", err)
		}
	}

	if _, err := store.BeginSync(ctx, first); err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	if err := store.EndSync(ctx, first, 10, true); err != nil {
		t.Fatalf("EndSync failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := store.BeginSync(ctx, last); err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	if err := store.EndSync(ctx, last, 10, true); err != nil {
		t.Fatalf("EndSync failed: %v", err)
	}

	statuses, err := store.GetSyncStatuses(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(statuses))
	}

	// Never-synced sorts first, then oldest sync time.
	if statuses[0].Address != never {
		t.Fatalf("Expected never-synced address first, got %s", statuses[0].Address)
	}
	if statuses[1].Address != first || statuses[2].Address != last {
		t.Fatalf("Expected rotation order %s,%s got %s,%s",
			first, last, statuses[1].Address, statuses[2].Address)
	}
}

func TestGetSyncStatusMissing(t *testing.T) {
	store := newTestStore(t)

	status, err := store.GetSyncStatus(context.Background(), "0x0000000000000000000000000000000000000009")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if status != nil {
		t.Fatalf("Expected nil for unknown address, got %+v", status)
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.SaveEvent(ctx, sampleEvent("0xdead01", 0, 100)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := store.SaveEvent(ctx, sampleEvent("0xdead02", 0, 200)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	addr := "0x0000000000000000000000000000000000000001"
	if err := store.EnsureSyncStatus(ctx, addr, 0); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if _, err := store.BeginSync(ctx, addr); err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalEvents != 2 {
		t.Fatalf("Expected 2 events, got %d", stats.TotalEvents)
	}
	if stats.LatestBlock != 200 {
		t.Fatalf("Expected latest block 200, got %d", stats.LatestBlock)
	}
	if stats.TotalAddresses != 1 || stats.SyncingAddresses != 1 {
		t.Fatalf("Unexpected sync stats: %+v", stats)
	}
	if stats.OldestEvent == nil || stats.LatestEvent == nil {
		t.Fatal("Expected event time range to be set")
	}
	if stats.LatestEvent.Before(*stats.OldestEvent) {
		t.Fatalf("Latest event %v precedes oldest %v", stats.LatestEvent, stats.OldestEvent)
	}
}

func TestStatsEmptyStore(t *testing.T) {
	store := newTestStore(t)

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalEvents != 0 {
		t.Fatalf("Expected 0 events, got %d", stats.TotalEvents)
	}
	if stats.OldestEvent != nil || stats.LatestEvent != nil {
		t.Fatalf("Expected empty event time range, got %+v", stats)
	}
}
