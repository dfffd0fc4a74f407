package connection

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xferrous/eventsync/internal/config"
)

type fakeClient struct {
	networkID   *big.Int
	blockNumber uint64
}

func (c *fakeClient) NetworkID(ctx context.Context) (*big.Int, error) {
	return c.networkID, nil
}

func (c *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.blockNumber, nil
}

func (c *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (c *fakeClient) Close() {}

type fakePushClient struct {
	blockErr error
}

func (c *fakePushClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}

func (c *fakePushClient) BlockNumber(ctx context.Context) (uint64, error) {
	if c.blockErr != nil {
		return 0, c.blockErr
	}
	return 100, nil
}

func (c *fakePushClient) Close() {}

func testChainConfig() *config.ChainConfig {
	return &config.ChainConfig{
		HTTPURL:           "http://node.local:4444",
		WSURL:             "ws://node.local:4445",
		NetworkID:         0,
		RequestTimeout:    time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    time.Millisecond,
		LivenessInterval:  time.Hour,
	}
}

func httpDialerOK(t *testing.T) DialFunc {
	t.Helper()
	return func(ctx context.Context, url string) (Client, error) {
		return &fakeClient{networkID: big.NewInt(31), blockNumber: 510}, nil
	}
}

func waitForSignal(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case restored := <-ch:
		return restored
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for failure handler")
		return false
	}
}

func TestConnectPullOnly(t *testing.T) {
	cfg := testChainConfig()
	cfg.WSURL = ""

	m := NewManager(cfg, WithHTTPDialer(httpDialerOK(t)))
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	assert.False(t, m.IsRealtimeCapable())
	assert.False(t, m.IsDegraded())
	_, ok := m.GetPushClient()
	assert.False(t, ok)
	assert.NotNil(t, m.GetClient())
}

func TestConnectPushFailureDegrades(t *testing.T) {
	m := NewManager(testChainConfig(),
		WithHTTPDialer(httpDialerOK(t)),
		WithPushDialer(func(ctx context.Context, url string) (PushClient, error) {
			return nil, errors.New("connection refused")
		}),
	)

	// A push transport failure at startup is not a startup error.
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	assert.False(t, m.IsRealtimeCapable())
	assert.True(t, m.IsDegraded())
}

func TestConnectEstablishesPush(t *testing.T) {
	m := NewManager(testChainConfig(),
		WithHTTPDialer(httpDialerOK(t)),
		WithPushDialer(func(ctx context.Context, url string) (PushClient, error) {
			return &fakePushClient{}, nil
		}),
	)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	assert.True(t, m.IsRealtimeCapable())
	_, ok := m.GetPushClient()
	assert.True(t, ok)
}

func TestReconnectExhaustionPermanentlyDegrades(t *testing.T) {
	var dials atomic.Int32
	m := NewManager(testChainConfig(),
		WithHTTPDialer(httpDialerOK(t)),
		WithPushDialer(func(ctx context.Context, url string) (PushClient, error) {
			if dials.Add(1) == 1 {
				return &fakePushClient{}, nil
			}
			return nil, errors.New("unreachable")
		}),
		WithReconnectPolicy(FixedDelay{Delay: time.Millisecond, MaxAttempts: 3}),
	)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()
	require.True(t, m.IsRealtimeCapable())

	signals := make(chan bool, 8)
	m.OnFailure(func(restored bool) { signals <- restored })

	// Every reconnect attempt fails from here on.
	m.ReportFailure(errors.New("socket closed"))

	restored := waitForSignal(t, signals)
	assert.False(t, restored, "Expected permanent downgrade signal")
	assert.False(t, m.IsRealtimeCapable())
	assert.True(t, m.IsDegraded())
	// Initial dial plus three failed reconnect attempts.
	assert.Equal(t, int32(4), dials.Load())

	// A later failure report must not revive reconnection.
	m.ReportFailure(errors.New("socket closed"))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, m.IsRealtimeCapable())
	assert.Equal(t, int32(4), dials.Load(), "No further dials after permanent downgrade")

	select {
	case <-signals:
		t.Fatal("No further handler invocations expected after downgrade")
	default:
	}
}

func TestReconnectRestoresCapability(t *testing.T) {
	var dials atomic.Int32
	m := NewManager(testChainConfig(),
		WithHTTPDialer(httpDialerOK(t)),
		WithPushDialer(func(ctx context.Context, url string) (PushClient, error) {
			// Initial dial succeeds, first reconnect attempt fails, second succeeds.
			switch dials.Add(1) {
			case 2:
				return nil, errors.New("unreachable")
			default:
				return &fakePushClient{}, nil
			}
		}),
		WithReconnectPolicy(FixedDelay{Delay: time.Millisecond, MaxAttempts: 5}),
	)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	signals := make(chan bool, 8)
	m.OnFailure(func(restored bool) { signals <- restored })

	m.ReportFailure(errors.New("socket closed"))

	restored := waitForSignal(t, signals)
	assert.True(t, restored, "Expected subscription rebuild signal")
	assert.True(t, m.IsRealtimeCapable())
	assert.False(t, m.IsDegraded())
	assert.Equal(t, uint64(1), m.Stats().Reconnects)
}

func TestReportFailureSingleFlight(t *testing.T) {
	var dials atomic.Int32
	m := NewManager(testChainConfig(),
		WithHTTPDialer(httpDialerOK(t)),
		WithPushDialer(func(ctx context.Context, url string) (PushClient, error) {
			dials.Add(1)
			return &fakePushClient{}, nil
		}),
		WithReconnectPolicy(FixedDelay{Delay: 20 * time.Millisecond, MaxAttempts: 5}),
	)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	signals := make(chan bool, 8)
	m.OnFailure(func(restored bool) { signals <- restored })

	// Concurrent reports while a reconnect is already in flight are ignored.
	m.ReportFailure(errors.New("socket closed"))
	m.ReportFailure(errors.New("socket closed"))
	m.ReportFailure(errors.New("socket closed"))

	waitForSignal(t, signals)
	time.Sleep(50 * time.Millisecond)

	// Initial dial plus exactly one reconnect dial.
	assert.Equal(t, int32(2), dials.Load())
	select {
	case <-signals:
		t.Fatal("Expected a single restore signal")
	default:
	}
}

func TestHealthCheck(t *testing.T) {
	cfg := testChainConfig()
	cfg.WSURL = ""
	cfg.NetworkID = 31

	m := NewManager(cfg, WithHTTPDialer(httpDialerOK(t)))
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	require.NoError(t, m.HealthCheck(context.Background()))
	stats := m.Stats()
	assert.Equal(t, uint64(31), stats.NetworkID)
	assert.Equal(t, uint64(510), stats.LatestBlock)
}

func TestHealthCheckNetworkMismatch(t *testing.T) {
	cfg := testChainConfig()
	cfg.WSURL = ""

	m := NewManager(cfg, WithHTTPDialer(httpDialerOK(t)))
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	cfg.NetworkID = 1
	err := m.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Network ID mismatch")
}

func TestConnectVerifiesNetworkID(t *testing.T) {
	cfg := testChainConfig()
	cfg.WSURL = ""
	cfg.NetworkID = 30

	m := NewManager(cfg, WithHTTPDialer(httpDialerOK(t)))
	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Network ID mismatch")
}

func TestFixedDelayPolicy(t *testing.T) {
	p := FixedDelay{Delay: 5 * time.Second, MaxAttempts: 2}

	delay, ok := p.Next(1)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, delay)

	_, ok = p.Next(2)
	assert.True(t, ok)

	_, ok = p.Next(3)
	assert.False(t, ok)

	_, ok = FixedDelay{MaxAttempts: 0}.Next(1)
	assert.False(t, ok, "Zero attempts must exhaust immediately")
}
