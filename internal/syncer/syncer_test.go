package syncer

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xferrous/eventsync/internal/config"
	"github.com/0xferrous/eventsync/internal/decoder"
	"github.com/0xferrous/eventsync/internal/models"
	"github.com/0xferrous/eventsync/internal/registry"
	"github.com/0xferrous/eventsync/internal/storage"
)

const tokenABI = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`

const (
	tokenAddr     = "0x1111111111111111111111111111111111111111"
	monitoredAddr = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
)

type fakeChain struct {
	mu         sync.Mutex
	head       uint64
	headErr    error
	logs       []types.Log
	logsErr    error
	queries    []ethereum.FilterQuery
	blockCalls int
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockCalls++
	if c.headErr != nil {
		return 0, c.headErr
	}
	return c.head, nil
}

func (c *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	if c.logsErr != nil {
		return nil, c.logsErr
	}

	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	var matched []types.Log
	for _, log := range c.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			matched = append(matched, log)
		}
	}
	return matched, nil
}

func (c *fakeChain) queryRanges() [][2]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ranges := make([][2]uint64, 0, len(c.queries))
	for _, q := range c.queries {
		ranges = append(ranges, [2]uint64{q.FromBlock.Uint64(), q.ToBlock.Uint64()})
	}
	return ranges
}

func transferLog(block uint64, txHash string, index uint) types.Log {
	return types.Log{
		Address: common.HexToAddress(tokenAddr),
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")),
			common.HexToHash("0x3333333333333333333333333333333333333333"),
			common.HexToHash("0x4444444444444444444444444444444444444444"),
		},
		Data:        common.LeftPadBytes(big.NewInt(1000).Bytes(), 32),
		BlockNumber: block,
		BlockHash:   common.HexToHash("0xbb"),
		TxHash:      common.HexToHash(txHash),
		TxIndex:     0,
		Index:       index,
	}
}

func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.Open(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "events.db"),
		MaxConnections:   4,
		MaxIdleTime:      time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestSyncer(t *testing.T, chain ChainReader, cfg *config.SyncerConfig) (*Syncer, storage.Store, *Tracker) {
	t.Helper()

	store := openTestStore(t)
	reg, err := registry.New([]config.ContractConfig{
		{Name: "token", Address: tokenAddr, ABI: tokenABI},
	})
	require.NoError(t, err)

	tracker := NewTracker(store, nil)
	return New(chain, reg, decoder.New(reg), store, tracker, cfg), store, tracker
}

func syncerConfig(startBlock uint64) *config.SyncerConfig {
	return &config.SyncerConfig{
		PollInterval: time.Second,
		BatchSize:    1000,
		StartBlock:   startBlock,
		QueueSize:    16,
	}
}

func TestSyncAddressCatchUp(t *testing.T) {
	chain := &fakeChain{
		head: 510,
		logs: []types.Log{
			transferLog(505, "0x01", 0),
			transferLog(508, "0x02", 1),
		},
	}
	s, store, _ := newTestSyncer(t, chain, syncerConfig(500))
	ctx := context.Background()

	result, err := s.SyncAddress(ctx, monitoredAddr)
	require.NoError(t, err)

	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", result.Address)
	assert.Equal(t, uint64(510), result.SyncedToBlock)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.EventsStored)

	count, err := store.GetEventCount(ctx, models.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	status, err := store.GetSyncStatus(ctx, monitoredAddr)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, uint64(510), status.LastBlockNumber)
	assert.False(t, status.IsSyncing)

	// The uncovered range starts one block past the watermark.
	ranges := chain.queryRanges()
	require.Len(t, ranges, 1)
	assert.Equal(t, [2]uint64{501, 510}, ranges[0])
}

func TestSyncAddressNoNewBlocks(t *testing.T) {
	chain := &fakeChain{head: 500}
	s, _, _ := newTestSyncer(t, chain, syncerConfig(500))

	result, err := s.SyncAddress(context.Background(), monitoredAddr)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, uint64(500), result.SyncedToBlock)
	assert.Empty(t, chain.queryRanges(), "No log fetch expected when head equals watermark")
}

func TestSyncAddressSkipsInFlightPass(t *testing.T) {
	chain := &fakeChain{head: 510}
	s, store, tracker := newTestSyncer(t, chain, syncerConfig(500))
	ctx := context.Background()

	require.NoError(t, tracker.Ensure(ctx, monitoredAddr, 500))
	acquired, err := store.BeginSync(ctx, monitoredAddr)
	require.NoError(t, err)
	require.True(t, acquired)

	result, err := s.SyncAddress(ctx, monitoredAddr)
	require.NoError(t, err)

	assert.True(t, result.Skipped)
	assert.True(t, result.Success)
	assert.Equal(t, uint64(500), result.SyncedToBlock)

	chain.mu.Lock()
	calls := chain.blockCalls
	chain.mu.Unlock()
	assert.Zero(t, calls, "Skipped pass must not touch the chain")
}

func TestSyncAddressFailureLeavesWatermark(t *testing.T) {
	chain := &fakeChain{head: 510, logsErr: errors.New("node unavailable")}
	s, store, _ := newTestSyncer(t, chain, syncerConfig(500))
	ctx := context.Background()

	result, err := s.SyncAddress(ctx, monitoredAddr)
	require.Error(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, uint64(500), result.SyncedToBlock, "Failure reports the last good block")

	status, err := store.GetSyncStatus(ctx, monitoredAddr)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, uint64(500), status.LastBlockNumber)
	assert.False(t, status.IsSyncing, "Failed pass must release the address")
}

func TestSyncAddressConvergesWithPushPath(t *testing.T) {
	chain := &fakeChain{
		head: 510,
		logs: []types.Log{
			transferLog(505, "0x01", 0),
			transferLog(508, "0x02", 1),
		},
	}
	s, store, _ := newTestSyncer(t, chain, syncerConfig(500))
	ctx := context.Background()

	// The real-time path already delivered the block 505 event.
	inserted, err := store.SaveEvent(ctx, &models.Event{
		BlockNumber: 505,
		BlockHash:   common.HexToHash("0xbb").Hex(),
		TxHash:      common.HexToHash("0x01").Hex(),
		LogIndex:    0,
		Address:     tokenAddr,
		EventName:   "Transfer",
		EventSig:    "Transfer(address,address,uint256)",
		Decoded:     true,
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	result, err := s.SyncAddress(ctx, monitoredAddr)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.EventsStored, "Only the unseen event counts as stored")

	count, err := store.GetEventCount(ctx, models.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "Catch-up over an already delivered block must not duplicate")
}

func TestSyncAddressChunksRange(t *testing.T) {
	chain := &fakeChain{head: 510}
	cfg := syncerConfig(500)
	cfg.BatchSize = 4
	s, _, _ := newTestSyncer(t, chain, cfg)

	result, err := s.SyncAddress(context.Background(), monitoredAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(510), result.SyncedToBlock)

	ranges := chain.queryRanges()
	require.Len(t, ranges, 3)
	assert.Equal(t, [2]uint64{501, 504}, ranges[0])
	assert.Equal(t, [2]uint64{505, 508}, ranges[1])
	assert.Equal(t, [2]uint64{509, 510}, ranges[2])
}

func TestSyncAddressHonorsConfirmations(t *testing.T) {
	chain := &fakeChain{
		head: 510,
		logs: []types.Log{transferLog(509, "0x03", 0)},
	}
	cfg := syncerConfig(500)
	cfg.Confirmations = 2
	s, store, _ := newTestSyncer(t, chain, cfg)
	ctx := context.Background()

	result, err := s.SyncAddress(ctx, monitoredAddr)
	require.NoError(t, err)

	assert.Equal(t, uint64(508), result.SyncedToBlock)
	count, err := store.GetEventCount(ctx, models.EventFilter{})
	require.NoError(t, err)
	assert.Zero(t, count, "Unconfirmed blocks stay out of the pass")
}

func TestSyncAddressSkipsUnknownSignatures(t *testing.T) {
	unknown := transferLog(505, "0x04", 0)
	unknown.Topics[0] = crypto.Keccak256Hash([]byte("Mystery(uint256)"))

	chain := &fakeChain{
		head: 510,
		logs: []types.Log{unknown, transferLog(508, "0x05", 1)},
	}
	s, store, _ := newTestSyncer(t, chain, syncerConfig(500))
	ctx := context.Background()

	result, err := s.SyncAddress(ctx, monitoredAddr)
	require.NoError(t, err, "Signature mismatches must not fail the pass")

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.EventsStored)
	assert.Equal(t, uint64(510), result.SyncedToBlock)

	count, err := store.GetEventCount(ctx, models.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSyncAllRotatesAddresses(t *testing.T) {
	chain := &fakeChain{
		head: 510,
		logs: []types.Log{transferLog(505, "0x01", 0)},
	}
	s, store, tracker := newTestSyncer(t, chain, syncerConfig(500))
	ctx := context.Background()

	other := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	require.NoError(t, tracker.Seed(ctx, []config.AddressConfig{
		{Address: monitoredAddr},
		{Address: other},
	}, 500))

	results := s.SyncAll(ctx)
	require.Len(t, results, 2)
	for _, result := range results {
		assert.True(t, result.Success)
		assert.Equal(t, uint64(510), result.SyncedToBlock)
	}

	// Both passes observed the same log; storage holds it once.
	count, err := store.GetEventCount(ctx, models.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	for _, addr := range []string{monitoredAddr, other} {
		status, err := store.GetSyncStatus(ctx, addr)
		require.NoError(t, err)
		require.NotNil(t, status)
		assert.Equal(t, uint64(510), status.LastBlockNumber)
	}
}

func TestSyncAllSkipsSyncingAddresses(t *testing.T) {
	chain := &fakeChain{head: 510}
	s, store, tracker := newTestSyncer(t, chain, syncerConfig(500))
	ctx := context.Background()

	busy := "0xcccccccccccccccccccccccccccccccccccccccc"
	require.NoError(t, tracker.Seed(ctx, []config.AddressConfig{
		{Address: monitoredAddr},
		{Address: busy},
	}, 500))
	acquired, err := store.BeginSync(ctx, busy)
	require.NoError(t, err)
	require.True(t, acquired)

	results := s.SyncAll(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", results[0].Address)
}
