package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"triarb/internal/arbitrage"
	"triarb/internal/config"
	"triarb/internal/feed"
	"triarb/internal/model"
)

// Monitor is the coordination loop: reload configuration, read prices, scan
// for opportunities and conditionally execute the best one. A bad iteration
// is logged and followed by a longer cooldown; the loop never terminates on
// it.
type Monitor struct {
	logger  *slog.Logger
	cfg     config.Provider
	feed    *feed.PriceFeed
	service *arbitrage.Service

	runMu    sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a stopped monitor.
func NewMonitor(logger *slog.Logger, cfg config.Provider, f *feed.PriceFeed, service *arbitrage.Service) *Monitor {
	return &Monitor{
		logger:  logger,
		cfg:     cfg,
		feed:    f,
		service: service,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the periodic loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop signals the loop and waits for it up to timeout.
func (m *Monitor) Stop(timeout time.Duration) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("monitor: shutdown timed out after %s", timeout)
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	trading := m.cfg.Trading()
	interval := trading.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	cooldown := trading.ErrorCooldown
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}

	wait := interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-time.After(wait):
		}

		if err := m.RunOnce(ctx); err != nil {
			m.logger.Error("monitor iteration failed, backing off", "error", err, "cooldown", cooldown)
			wait = cooldown
		} else {
			wait = interval
		}
	}
}

// RunOnce executes a single iteration. It is also the entry point for
// manually triggered trades; concurrent iterations are serialized.
func (m *Monitor) RunOnce(ctx context.Context) (err error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor iteration panicked: %v", r)
		}
	}()

	if reloadErr := m.cfg.Reload(); reloadErr != nil {
		m.logger.Warn("config reload failed, using previous values", "error", reloadErr)
	}

	prices := m.feed.Prices()
	if len(prices) == 0 {
		m.logger.Debug("no prices yet, skipping scan")
		return nil
	}

	opportunities := m.service.ScanOpportunities(ctx, prices)
	if len(opportunities) == 0 {
		return nil
	}

	limits := m.cfg.Limits()
	trading := m.cfg.Trading()
	top := opportunities[0]
	if top.ProfitPercent <= limits.MinProfitThreshold {
		m.logger.Debug("top opportunity below threshold",
			"triangle", top.Triangle.String(), "profit_percent", top.ProfitPercent)
		return nil
	}

	amount := trading.BaseBalance * trading.TradeFraction
	m.logger.Info("executing top opportunity",
		"triangle", top.Triangle.String(), "profit_percent", top.ProfitPercent, "amount", amount)
	result := m.service.ExecuteTriangleTrade(ctx, top.Triangle, amount, trading.DefaultExchange)
	if result.Status != model.TradeExecuted {
		m.logger.Warn("trade not executed", "trade_id", result.ID, "reason", result.Error)
	}
	return nil
}
