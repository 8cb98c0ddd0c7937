package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"triarb/internal/exchange"
)

// State is the lifecycle state of one market connection.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Degraded     State = "degraded"
	Reconnecting State = "reconnecting"
)

const (
	reconnectStep         = 5 * time.Second
	reconnectMax          = 30 * time.Second
	maxReconnectAttempts  = 5
	defaultHealthInterval = 5 * time.Second
)

// reconnectPolicy is the backoff schedule for a dropped connection:
// min(5s x attempt, 30s).
type reconnectPolicy struct {
	attempts int
}

var _ backoff.BackOff = (*reconnectPolicy)(nil)

func (p *reconnectPolicy) NextBackOff() time.Duration {
	p.attempts++
	d := time.Duration(p.attempts) * reconnectStep
	if d > reconnectMax {
		d = reconnectMax
	}
	return d
}

func (p *reconnectPolicy) Reset() {
	p.attempts = 0
}

// Connection supervises one streaming market client: it dials, takes an
// initial price snapshot, pumps stream prices into the feed, probes liveness,
// and retries per the backoff policy. After
// maxAttempts consecutive failures it stays Disconnected until Restart.
type Connection struct {
	client         exchange.MarketClient
	feed           *PriceFeed
	logger         *slog.Logger
	policy         backoff.BackOff
	maxAttempts    int
	healthInterval time.Duration

	mu    sync.Mutex
	state State

	stopCh    chan struct{}
	restartCh chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewConnection creates a supervised connection with the default policy.
func NewConnection(client exchange.MarketClient, f *PriceFeed, logger *slog.Logger) *Connection {
	return &Connection{
		client:         client,
		feed:           f,
		logger:         logger,
		policy:         &reconnectPolicy{},
		maxAttempts:    maxReconnectAttempts,
		healthInterval: defaultHealthInterval,
		state:          Disconnected,
		stopCh:         make(chan struct{}),
		restartCh:      make(chan struct{}, 1),
	}
}

// SetPolicy overrides the backoff policy, used by tests to avoid real sleeps.
func (c *Connection) SetPolicy(p backoff.BackOff) { c.policy = p }

// SetHealthInterval overrides the liveness probe cadence.
func (c *Connection) SetHealthInterval(d time.Duration) { c.healthInterval = d }

// Source returns the market source name this connection serves.
func (c *Connection) Source() string { return c.client.Name() }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Info("connection state changed", "source", c.client.Name(), "from", prev, "to", s)
	}
}

// Start launches the supervisor and health goroutines.
func (c *Connection) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.run(ctx)
	go c.healthLoop(ctx)
}

// Stop requests shutdown and waits for the goroutines up to timeout.
func (c *Connection) Stop(timeout time.Duration) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.client.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("connection %s: shutdown timed out after %s", c.client.Name(), timeout)
	}
}

// Restart re-arms a connection that gave up after exhausting its retries.
func (c *Connection) Restart() {
	select {
	case c.restartCh <- struct{}{}:
	default:
	}
}

func (c *Connection) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		gaveUp := c.connectCycle(ctx)
		if !gaveUp {
			return // stopped
		}
		// Exhausted retries: stay Disconnected until an explicit restart.
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.restartCh:
			c.logger.Info("connection restart requested", "source", c.client.Name())
		}
	}
}

// connectCycle dials and streams until retries are exhausted (returns true)
// or shutdown is requested (returns false).
func (c *Connection) connectCycle(ctx context.Context) bool {
	c.policy.Reset()
	failures := 0
	c.setState(Connecting)

	for {
		select {
		case <-ctx.Done():
			c.setState(Disconnected)
			return false
		case <-c.stopCh:
			c.setState(Disconnected)
			return false
		default:
		}

		if err := c.client.Connect(ctx); err != nil {
			failures++
			c.logger.Error("connection attempt failed",
				"source", c.client.Name(), "attempt", failures, "error", err)
			if failures >= c.maxAttempts {
				c.logger.Error("giving up after consecutive failures",
					"source", c.client.Name(), "attempts", failures)
				c.setState(Disconnected)
				return true
			}
			c.setState(Reconnecting)
			if !c.sleep(ctx, c.policy.NextBackOff()) {
				c.setState(Disconnected)
				return false
			}
			continue
		}

		failures = 0
		c.policy.Reset()
		c.setState(Connected)

		// Warm the table from a REST snapshot so the engine has prices
		// before the first stream batch lands.
		if prices, err := c.client.FetchPrices(ctx); err != nil {
			c.logger.Warn("initial price snapshot failed",
				"source", c.client.Name(), "error", err)
		} else {
			c.feed.Update(c.client.Name(), prices)
		}

		err := c.client.Stream(ctx, c.feed.Update)
		c.client.Close()
		select {
		case <-ctx.Done():
			c.setState(Disconnected)
			return false
		case <-c.stopCh:
			c.setState(Disconnected)
			return false
		default:
		}
		c.logger.Warn("stream closed unexpectedly", "source", c.client.Name(), "error", err)
		failures++
		c.setState(Reconnecting)
		if !c.sleep(ctx, c.policy.NextBackOff()) {
			c.setState(Disconnected)
			return false
		}
	}
}

// healthLoop probes the open connection; an unhealthy one is closed, which
// makes the stream fail and triggers the reconnect sequence.
func (c *Connection) healthLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.State() != Connected {
				continue
			}
			if err := c.client.Ping(ctx); err != nil {
				c.logger.Warn("health probe failed, closing connection",
					"source", c.client.Name(), "error", err)
				c.setState(Degraded)
				c.client.Close()
			}
		}
	}
}

func (c *Connection) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// Manager owns one supervised connection per configured market source.
type Manager struct {
	logger *slog.Logger
	feed   *PriceFeed

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewManager creates an empty connection manager for the feed.
func NewManager(f *PriceFeed, logger *slog.Logger) *Manager {
	return &Manager{logger: logger, feed: f, conns: make(map[string]*Connection)}
}

// Add registers a supervised connection for a market client.
func (m *Manager) Add(client exchange.MarketClient) *Connection {
	conn := NewConnection(client, m.feed, m.logger)
	m.mu.Lock()
	m.conns[client.Name()] = conn
	m.mu.Unlock()
	return conn
}

// StartAll launches every registered connection.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		conn.Start(ctx)
	}
}

// StopAll shuts down every connection, each with the given timeout.
func (m *Manager) StopAll(timeout time.Duration) {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		if err := c.Stop(timeout); err != nil {
			m.logger.Error("connection stop failed", "source", c.Source(), "error", err)
		}
	}
}

// Restart re-arms the named source; unknown sources are an error.
func (m *Manager) Restart(source string) error {
	m.mu.Lock()
	conn, ok := m.conns[source]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown market source: %s", source)
	}
	conn.Restart()
	return nil
}

// Status reports the state of every connection.
func (m *Manager) Status() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.conns))
	for name, conn := range m.conns {
		out[name] = conn.State()
	}
	return out
}
