package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triarb/internal/exchange"
)

// fakeClient is a scriptable MarketClient. connectFails controls how many
// Connect calls fail before one succeeds; pingFails arms that many probe
// errors; a successful Stream blocks until streamErr is sent or Close is
// called, mirroring a real socket. closeDelay holds Close open so transient
// states stay observable.
type fakeClient struct {
	name         string
	connectCalls atomic.Int32
	connectFails int32
	pingFails    atomic.Int32
	streamErr    chan error
	prices       map[string]float64
	snapshot     map[string]float64
	closeDelay   time.Duration

	mu      sync.Mutex
	closeCh chan struct{}
}

func newFakeClient(name string, connectFails int32) *fakeClient {
	return &fakeClient{
		name:         name,
		connectFails: connectFails,
		streamErr:    make(chan error, 1),
		prices:       map[string]float64{"BTC/USDT": 45000},
		snapshot:     map[string]float64{"ETH/USDT": 2700},
	}
}

func (c *fakeClient) Name() string { return c.name }

func (c *fakeClient) Connect(ctx context.Context) error {
	n := c.connectCalls.Add(1)
	if n <= c.connectFails {
		return errors.New("dial refused")
	}
	c.mu.Lock()
	c.closeCh = make(chan struct{})
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCh != nil {
		if c.closeDelay > 0 {
			time.Sleep(c.closeDelay)
		}
		close(c.closeCh)
		c.closeCh = nil
	}
	return nil
}

func (c *fakeClient) Ping(ctx context.Context) error {
	if c.pingFails.Load() > 0 {
		c.pingFails.Add(-1)
		return errors.New("probe timeout")
	}
	return nil
}

func (c *fakeClient) FetchPrices(ctx context.Context) (map[string]float64, error) {
	return c.snapshot, nil
}

func (c *fakeClient) Stream(ctx context.Context, handler exchange.PriceHandler) error {
	c.mu.Lock()
	closeCh := c.closeCh
	c.mu.Unlock()
	if closeCh == nil {
		return errors.New("not connected")
	}
	handler(c.name, c.prices)
	select {
	case err := <-c.streamErr:
		return err
	case <-closeCh:
		return errors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// instantPolicy removes reconnect delays in tests.
type instantPolicy struct{}

func (instantPolicy) NextBackOff() time.Duration { return 0 }
func (instantPolicy) Reset()                     {}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestReconnectPolicy(t *testing.T) {
	p := &reconnectPolicy{}
	assert.Equal(t, 5*time.Second, p.NextBackOff())
	assert.Equal(t, 10*time.Second, p.NextBackOff())
	assert.Equal(t, 15*time.Second, p.NextBackOff())
	p.NextBackOff()
	p.NextBackOff()
	p.NextBackOff()
	assert.Equal(t, 30*time.Second, p.NextBackOff(), "capped at 30s")
	p.Reset()
	assert.Equal(t, 5*time.Second, p.NextBackOff())
}

func TestConnection_GivesUpAfterFiveFailures(t *testing.T) {
	client := newFakeClient("flaky", 100) // never succeeds
	f := NewPriceFeed(testLogger())
	conn := NewConnection(client, f, testLogger())
	conn.SetPolicy(instantPolicy{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)

	waitFor(t, 2*time.Second, func() bool {
		return client.connectCalls.Load() == 5 && conn.State() == Disconnected
	})

	// No further attempts are scheduled once it gave up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(5), client.connectCalls.Load())
	assert.Equal(t, Disconnected, conn.State())

	require.NoError(t, conn.Stop(time.Second))
}

func TestConnection_RestartAfterGivingUp(t *testing.T) {
	client := newFakeClient("flaky", 7) // fails 5 times, gives up, then 2 more
	f := NewPriceFeed(testLogger())
	conn := NewConnection(client, f, testLogger())
	conn.SetPolicy(instantPolicy{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)

	waitFor(t, 2*time.Second, func() bool {
		return conn.State() == Disconnected && client.connectCalls.Load() == 5
	})

	conn.Restart()
	waitFor(t, 2*time.Second, func() bool {
		return conn.State() == Connected
	})
	assert.Equal(t, int32(8), client.connectCalls.Load())

	_, ok := f.Get("BTC/USDT")
	assert.True(t, ok, "stream delivered prices into the feed")

	require.NoError(t, conn.Stop(time.Second))
}

func TestConnection_ReconnectsAfterStreamDrop(t *testing.T) {
	client := newFakeClient("drops", 0)
	f := NewPriceFeed(testLogger())
	conn := NewConnection(client, f, testLogger())
	conn.SetPolicy(instantPolicy{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)

	waitFor(t, 2*time.Second, func() bool {
		return conn.State() == Connected
	})

	client.streamErr <- errors.New("peer reset")
	waitFor(t, 2*time.Second, func() bool {
		return client.connectCalls.Load() >= 2 && conn.State() == Connected
	})

	require.NoError(t, conn.Stop(time.Second))
}

func TestConnection_SnapshotWarmsFeed(t *testing.T) {
	client := newFakeClient("snap", 0)
	f := NewPriceFeed(testLogger())
	conn := NewConnection(client, f, testLogger())
	conn.SetPolicy(instantPolicy{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)

	// ETH/USDT only exists in the REST snapshot, not the stream.
	waitFor(t, 2*time.Second, func() bool {
		_, ok := f.Get("ETH/USDT")
		return ok && conn.State() == Connected
	})

	require.NoError(t, conn.Stop(time.Second))
}

func TestConnection_HealthProbeFailureReconnects(t *testing.T) {
	client := newFakeClient("probe", 0)
	client.closeDelay = 30 * time.Millisecond
	f := NewPriceFeed(testLogger())
	conn := NewConnection(client, f, testLogger())
	conn.SetPolicy(instantPolicy{})
	conn.SetHealthInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)

	waitFor(t, 2*time.Second, func() bool {
		return conn.State() == Connected
	})

	client.pingFails.Store(1)
	waitFor(t, 2*time.Second, func() bool {
		return conn.State() == Degraded
	})
	waitFor(t, 2*time.Second, func() bool {
		return client.connectCalls.Load() == 2 && conn.State() == Connected
	})

	require.NoError(t, conn.Stop(time.Second))
}

func TestManager_Status(t *testing.T) {
	f := NewPriceFeed(testLogger())
	m := NewManager(f, testLogger())
	conn := m.Add(newFakeClient("one", 0))
	conn.SetPolicy(instantPolicy{})

	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, Disconnected, status["one"])

	assert.Error(t, m.Restart("missing"))
	assert.NoError(t, m.Restart("one"))
}
