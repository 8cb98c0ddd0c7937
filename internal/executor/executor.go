package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"triarb/internal/config"
	"triarb/internal/database"
	"triarb/internal/exchange"
	"triarb/internal/feed"
	"triarb/internal/model"
	"triarb/internal/risk"
)

// Phase tracks where an execution is in its lifecycle.
type Phase string

const (
	PhaseStarted      Phase = "started"
	PhasePriceLookup  Phase = "price_lookup"
	PhaseRiskCheck    Phase = "risk_check"
	PhaseSimulatedRun Phase = "simulated_run"
	PhaseRealRun      Phase = "real_run"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// legPlan is one planned conversion derived from current prices.
type legPlan struct {
	pair string
	side exchange.Side
	from string
	to   string
}

// Executor turns approved opportunities into executed (or failed) trades.
// Balance-affecting work is serialized per account.
type Executor struct {
	logger  *slog.Logger
	feed    *feed.PriceFeed
	gate    *risk.Gate
	broker  exchange.Broker
	repo    database.Repository
	cfg     config.Provider
	account string

	accountMu sync.Mutex
	mu        sync.Mutex
	statuses  map[string]model.TradeExecution
}

// NewExecutor creates an executor for one trading account. broker may be nil
// when only simulated runs are configured.
func NewExecutor(logger *slog.Logger, f *feed.PriceFeed, gate *risk.Gate, broker exchange.Broker,
	repo database.Repository, cfg config.Provider, account string) *Executor {
	return &Executor{
		logger:   logger,
		feed:     f,
		gate:     gate,
		broker:   broker,
		repo:     repo,
		cfg:      cfg,
		account:  account,
		statuses: make(map[string]model.TradeExecution),
	}
}

// referenceCurrency picks the quote currency common to most of the
// triangle's pairs as the stable starting currency.
func referenceCurrency(t model.Triangle) string {
	counts := map[string]int{}
	for _, pair := range t {
		_, quote, err := model.SplitPair(pair)
		if err != nil {
			continue
		}
		counts[quote]++
	}
	best := ""
	for quote, n := range counts {
		if best == "" || n > counts[best] || (n == counts[best] && quote < best) {
			best = quote
		}
	}
	return best
}

// planLegs walks the triangle from the reference currency under current
// prices, fixing each leg's side. The rotation whose walk starts at the
// reference currency is used; a leg that does not connect from the running
// currency is a hard error.
func planLegs(t model.Triangle, start string, amount float64, prices map[string]float64) ([]legPlan, []string, float64, error) {
	var err error
	for r := 0; r < 3; r++ {
		legs, steps, final, walkErr := walkLegs(t.Rotate(r), start, amount, prices)
		if walkErr == nil {
			return legs, steps, final, nil
		}
		err = walkErr
	}
	return nil, nil, 0, err
}

func walkLegs(t model.Triangle, start string, amount float64, prices map[string]float64) ([]legPlan, []string, float64, error) {
	current := start
	amt := amount
	legs := make([]legPlan, 0, 3)
	steps := make([]string, 0, 3)
	for _, pair := range t {
		price, ok := prices[pair]
		if !ok || price <= 0 {
			return nil, nil, 0, fmt.Errorf("no live price for %s", pair)
		}
		base, quote, err := model.SplitPair(pair)
		if err != nil {
			return nil, nil, 0, err
		}
		var next float64
		leg := legPlan{pair: pair, from: current}
		switch current {
		case base:
			leg.side = exchange.Sell
			leg.to = quote
			next = amt * price
		case quote:
			leg.side = exchange.Buy
			leg.to = base
			next = amt / price
		default:
			return nil, nil, 0, fmt.Errorf("leg %s does not connect from %s", pair, current)
		}
		steps = append(steps, fmt.Sprintf("%s %s: %.8f %s -> %.8f %s @ %.8f",
			leg.side, pair, amt, current, next, leg.to, price))
		legs = append(legs, leg)
		amt = next
		current = leg.to
	}
	if current != start {
		return nil, nil, 0, fmt.Errorf("walk does not return to %s", start)
	}
	return legs, steps, amt, nil
}

// Execute runs one triangle trade: validate, price, risk-check, then either
// a simulated or a real three-leg run. Compliance rejection is an expected
// failed result, not an error.
func (x *Executor) Execute(ctx context.Context, t model.Triangle, amount float64, venue string) model.TradeExecution {
	id := uuid.NewString()
	limits := x.cfg.Limits()
	trading := x.cfg.Trading()
	real := trading.RealTrades && x.broker != nil

	result := model.TradeExecution{
		ID:        id,
		Account:   x.account,
		Triangle:  t,
		Amount:    amount,
		Exchange:  venue,
		RealTrade: real,
		Timestamp: time.Now(),
	}
	x.logger.Info("trade execution started",
		"trade_id", id, "triangle", t.String(), "amount", amount, "exchange", venue, "phase", PhaseStarted)

	if amount < limits.MinTradeAmount {
		return x.store(ctx, x.fail(result, fmt.Sprintf("amount %.2f below minimum %.2f", amount, limits.MinTradeAmount)))
	}
	if !exchange.SupportedExchange(venue) {
		return x.store(ctx, x.fail(result, fmt.Sprintf("unsupported exchange %q", venue)))
	}
	sanitized, err := model.NewTriangle(t[0], t[1], t[2])
	if err != nil {
		return x.store(ctx, x.fail(result, err.Error()))
	}
	result.Triangle = sanitized

	x.accountMu.Lock()
	defer x.accountMu.Unlock()

	x.logger.Debug("trade execution", "trade_id", id, "phase", PhasePriceLookup)
	prices := x.feed.Prices()
	reference := referenceCurrency(sanitized)
	legs, steps, final, err := planLegs(sanitized, reference, amount, prices)
	if err != nil {
		return x.store(ctx, x.fail(result, err.Error()))
	}
	expectedPct := (final - amount) / amount * 100

	x.logger.Debug("trade execution", "trade_id", id, "phase", PhaseRiskCheck)
	// When the first leg buys, the amount is already denominated in the
	// pair's quote currency and the notional is the amount itself.
	posPrice := prices[legs[0].pair]
	if legs[0].side == exchange.Buy {
		posPrice = 1
	}
	allowed, reason := x.gate.CheckTradePermission(ctx, risk.TradeRequest{
		Account: x.account,
		Pair:    legs[0].pair,
		Amount:  amount,
		Price:   posPrice,
	})
	if !allowed {
		// Rejected trades never reach execution and are not counted in the
		// daily metrics.
		return x.store(ctx, x.fail(result, reason))
	}

	x.gate.NoteTradeOpened(x.account)
	defer x.gate.NoteTradeClosed(x.account)

	volume := amount * posPrice
	if real {
		result = x.runReal(ctx, result, legs, reference, amount)
	} else {
		result = x.runSimulated(result, steps, amount, expectedPct)
	}
	x.gate.RecordExecution(ctx, x.account, volume, result.Profit)
	return x.store(ctx, result)
}

// runSimulated applies a bounded random multiplier to the expected profit to
// emulate slippage. It always completes.
func (x *Executor) runSimulated(result model.TradeExecution, steps []string, amount, expectedPct float64) model.TradeExecution {
	x.logger.Debug("trade execution", "trade_id", result.ID, "phase", PhaseSimulatedRun)
	multiplier := 0.9 + 0.2*rand.Float64()
	result.ProfitPercent = expectedPct * multiplier
	result.Profit = amount * result.ProfitPercent / 100
	result.Steps = steps
	result.Status = model.TradeExecuted
	x.logger.Info("trade execution completed",
		"trade_id", result.ID, "phase", PhaseCompleted, "profit", result.Profit,
		"profit_percent", result.ProfitPercent, "real", false)
	return result
}

// runReal executes the three conversions sequentially. The amount and
// currency after each leg come strictly from that leg's fill. A fatal error
// triggers best-effort cancellation and returns a failed result with the
// completed step log.
func (x *Executor) runReal(ctx context.Context, result model.TradeExecution, legs []legPlan, reference string, amount float64) model.TradeExecution {
	x.logger.Debug("trade execution", "trade_id", result.ID, "phase", PhaseRealRun)
	current := reference
	amt := amount
	steps := make([]string, 0, 3)
	orderIDs := make([]string, 0, 3)

	for i, leg := range legs {
		base, quote, err := model.SplitPair(leg.pair)
		if err != nil {
			x.cancelOutstanding(ctx, orderIDs)
			result.Steps = steps
			return x.fail(result, fmt.Sprintf("leg %d: %v", i+1, err))
		}
		var side exchange.Side
		switch current {
		case base:
			side = exchange.Sell
		case quote:
			side = exchange.Buy
		default:
			x.cancelOutstanding(ctx, orderIDs)
			result.Steps = steps
			return x.fail(result,
				fmt.Sprintf("leg %d: currency %s does not match %s", i+1, current, leg.pair))
		}

		callCtx, cancel := context.WithTimeout(ctx, exchange.CallTimeout)
		fill, err := x.broker.PlaceOrder(callCtx, exchange.OrderRequest{
			Pair:   leg.pair,
			Side:   side,
			Type:   exchange.Market,
			Amount: amt,
		})
		cancel()
		if err != nil {
			x.cancelOutstanding(ctx, orderIDs)
			result.Steps = steps
			return x.fail(result, fmt.Sprintf("leg %d (%s %s): %v", i+1, side, leg.pair, err))
		}
		orderIDs = append(orderIDs, fill.OrderID)

		var next float64
		var to string
		switch side {
		case exchange.Sell:
			next = fill.QuoteAmount
			to = quote
		case exchange.Buy:
			next = fill.BaseAmount
			to = base
		}
		steps = append(steps, fmt.Sprintf("%s %s: filled %.8f %s -> %.8f %s @ %.8f (order %s)",
			side, leg.pair, amt, current, next, to, fill.Price, fill.OrderID))
		amt = next
		current = to
	}

	if current != reference {
		x.cancelOutstanding(ctx, orderIDs)
		result.Steps = steps
		return x.fail(result, fmt.Sprintf("walk ended in %s, expected %s", current, reference))
	}

	result.Steps = steps
	result.Profit = amt - amount
	result.ProfitPercent = (amt - amount) / amount * 100
	result.Status = model.TradeExecuted
	x.logger.Info("trade execution completed",
		"trade_id", result.ID, "phase", PhaseCompleted, "profit", result.Profit,
		"profit_percent", result.ProfitPercent, "real", true)
	return result
}

// cancelOutstanding attempts to cancel placed orders after a fatal error.
// Cancellation is logged and not verified; no rollback is guaranteed.
func (x *Executor) cancelOutstanding(ctx context.Context, orderIDs []string) {
	if x.broker == nil {
		return
	}
	for _, id := range orderIDs {
		callCtx, cancel := context.WithTimeout(ctx, exchange.CallTimeout)
		err := x.broker.CancelOrder(callCtx, id)
		cancel()
		if err != nil {
			x.logger.Warn("best-effort cancel failed", "order_id", id, "error", err)
		} else {
			x.logger.Info("best-effort cancel requested", "order_id", id)
		}
	}
}

func (x *Executor) fail(result model.TradeExecution, reason string) model.TradeExecution {
	result.Status = model.TradeFailed
	result.Error = reason
	x.logger.Warn("trade execution failed",
		"trade_id", result.ID, "phase", PhaseFailed, "reason", reason)
	return result
}

func (x *Executor) store(ctx context.Context, result model.TradeExecution) model.TradeExecution {
	x.mu.Lock()
	x.statuses[result.ID] = result
	x.mu.Unlock()
	if x.repo != nil {
		if err := x.repo.SaveTrade(ctx, result); err != nil {
			x.logger.Error("failed to persist trade", "trade_id", result.ID, "error", err)
		}
	}
	return result
}

// GetStatus returns the last known execution for a trade id.
func (x *Executor) GetStatus(tradeID string) (model.TradeExecution, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	result, ok := x.statuses[tradeID]
	return result, ok
}
