package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"triarb/internal/config"
	"triarb/internal/database"
	"triarb/internal/model"
	"triarb/internal/notify"
)

// TradeRequest is a proposed trade submitted for permission.
type TradeRequest struct {
	Account string
	Pair    string
	Amount  float64 // base units
	Price   float64
}

// Gate decides whether a proposed trade may proceed. It combines the
// per-account circuit breaker, hard compliance limits and an advisory risk
// score.
type Gate struct {
	logger   *slog.Logger
	repo     database.Repository
	cfg      config.Provider
	notifier notify.Notifier

	mu       sync.Mutex
	breakers map[string]model.CircuitBreakerState
	open     map[string]int
}

// NewGate creates a Gate and rehydrates persisted circuit breaker states so
// a restart does not clear a safety block.
func NewGate(ctx context.Context, logger *slog.Logger, repo database.Repository, cfg config.Provider, notifier notify.Notifier) *Gate {
	g := &Gate{
		logger:   logger,
		repo:     repo,
		cfg:      cfg,
		notifier: notifier,
		breakers: make(map[string]model.CircuitBreakerState),
		open:     make(map[string]int),
	}
	if repo != nil {
		states, err := repo.LoadBreakerStates(ctx)
		if err != nil {
			logger.Error("failed to load circuit breaker states", "error", err)
		}
		for _, s := range states {
			if s.Triggered {
				g.breakers[s.AccountID] = s
				logger.Warn("circuit breaker restored from persistence",
					"account", s.AccountID, "reason", s.Reason)
			}
		}
	}
	return g
}

// TriggerBreaker blocks all trading for the account until released.
func (g *Gate) TriggerBreaker(ctx context.Context, account, reason string) {
	state := model.CircuitBreakerState{
		AccountID:   account,
		Triggered:   true,
		Reason:      reason,
		ActivatedAt: time.Now(),
	}
	g.mu.Lock()
	g.breakers[account] = state
	g.mu.Unlock()

	g.logger.Warn("circuit breaker triggered", "account", account, "reason", reason)
	if g.repo != nil {
		if err := g.repo.SaveBreakerState(ctx, state); err != nil {
			g.logger.Error("failed to persist breaker state", "account", account, "error", err)
		}
	}
	g.notifier.Alert(ctx, "circuit_breaker_triggered",
		fmt.Sprintf("account %s blocked: %s", account, reason))
}

// ReleaseBreaker clears the block for the account.
func (g *Gate) ReleaseBreaker(ctx context.Context, account string) {
	state := model.CircuitBreakerState{AccountID: account, Triggered: false}
	g.mu.Lock()
	delete(g.breakers, account)
	g.mu.Unlock()

	g.logger.Info("circuit breaker released", "account", account)
	if g.repo != nil {
		if err := g.repo.SaveBreakerState(ctx, state); err != nil {
			g.logger.Error("failed to persist breaker state", "account", account, "error", err)
		}
	}
	g.notifier.Alert(ctx, "circuit_breaker_released",
		fmt.Sprintf("account %s unblocked", account))
}

// IsBreakerTriggered reports whether the account is currently blocked.
func (g *Gate) IsBreakerTriggered(account string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.breakers[account]
	return ok && state.Triggered
}

// NoteTradeOpened counts an in-flight trade toward the concurrency cap.
func (g *Gate) NoteTradeOpened(account string) {
	g.mu.Lock()
	g.open[account]++
	g.mu.Unlock()
}

// NoteTradeClosed releases one slot of the concurrency cap.
func (g *Gate) NoteTradeClosed(account string) {
	g.mu.Lock()
	if g.open[account] > 0 {
		g.open[account]--
	}
	g.mu.Unlock()
}

func (g *Gate) openTrades(account string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open[account]
}

// CheckTradePermission evaluates the compliance rules in order and returns
// the first failing rule as the reason. An active circuit breaker
// short-circuits everything else. The advisory risk score is reported with
// every decision and never blocks on its own.
func (g *Gate) CheckTradePermission(ctx context.Context, req TradeRequest) (bool, string) {
	allowed, reason := g.evaluate(ctx, req)
	score := g.AdvisoryScore(ctx, req.Account, req.Amount*req.Price)
	if allowed {
		g.logger.Info("trade permitted",
			"account", req.Account, "pair", req.Pair, "risk_score", score)
	} else {
		g.logger.Warn("trade rejected",
			"account", req.Account, "pair", req.Pair, "reason", reason, "risk_score", score)
	}
	return allowed, reason
}

func (g *Gate) evaluate(ctx context.Context, req TradeRequest) (bool, string) {
	if g.IsBreakerTriggered(req.Account) {
		g.mu.Lock()
		reason := g.breakers[req.Account].Reason
		g.mu.Unlock()
		return false, fmt.Sprintf("circuit breaker active: %s", reason)
	}

	limits := g.cfg.Limits()
	position := req.Amount * req.Price
	if position > limits.MaxPositionSize {
		return false, fmt.Sprintf("position size %.2f exceeds limit %.2f", position, limits.MaxPositionSize)
	}

	var stats model.DailyStats
	if g.repo != nil {
		var err error
		stats, err = g.repo.DailyStats(ctx, req.Account)
		if err != nil {
			return false, fmt.Sprintf("cannot read daily stats: %v", err)
		}
	}
	if stats.TradeCount >= limits.MaxTradesPerDay {
		return false, fmt.Sprintf("daily trade count %d reached limit %d", stats.TradeCount, limits.MaxTradesPerDay)
	}
	if stats.Volume+position > limits.MaxDailyVolume {
		return false, fmt.Sprintf("daily volume %.2f plus trade %.2f exceeds limit %.2f",
			stats.Volume, position, limits.MaxDailyVolume)
	}
	if open := g.openTrades(req.Account); open >= limits.MaxOpenTrades {
		return false, fmt.Sprintf("open trades %d at concurrency cap %d", open, limits.MaxOpenTrades)
	}
	if g.IsBreakerTriggered(req.Account) {
		return false, "circuit breaker active"
	}
	return true, ""
}

// RecordExecution folds an executed (or mid-execution failed) trade into the
// daily metrics. A loss past the daily limit trips the breaker and raises a
// large-loss alert.
func (g *Gate) RecordExecution(ctx context.Context, account string, volume, pnl float64) {
	if g.repo != nil {
		if err := g.repo.AddDailyStats(ctx, account, volume, pnl); err != nil {
			g.logger.Error("failed to record daily stats", "account", account, "error", err)
		}
	}
	limits := g.cfg.Limits()
	if limits.MaxDailyLoss <= 0 {
		return
	}
	stats := model.DailyStats{}
	if g.repo != nil {
		var err error
		stats, err = g.repo.DailyStats(ctx, account)
		if err != nil {
			g.logger.Error("failed to read daily stats", "account", account, "error", err)
			return
		}
	}
	if stats.PnL <= -limits.MaxDailyLoss {
		g.notifier.Alert(ctx, "large_loss",
			fmt.Sprintf("account %s daily pnl %.2f breached loss limit %.2f", account, stats.PnL, limits.MaxDailyLoss))
		if !g.IsBreakerTriggered(account) {
			g.TriggerBreaker(ctx, account, "daily loss limit breached")
		}
	}
}

// AdvisoryScore computes the composite risk score for a proposed position
// from the account's current utilization of its limits.
func (g *Gate) AdvisoryScore(ctx context.Context, account string, position float64) float64 {
	var stats model.DailyStats
	if g.repo != nil {
		s, err := g.repo.DailyStats(ctx, account)
		if err != nil {
			g.logger.Error("failed to read daily stats for risk score",
				"account", account, "error", err)
		} else {
			stats = s
		}
	}
	return RiskScore(scoreInputsFor(stats, position, g.openTrades(account), g.cfg.Limits()))
}

// scoreInputsFor maps limit utilization onto the advisory sub-scores. Each
// input is the used fraction of its limit in percent, clamped to [0,100].
// Market has no signal source here and stays at its neutral zero.
func scoreInputsFor(stats model.DailyStats, position float64, open int, limits model.RiskLimits) ScoreInputs {
	frac := func(used, limit float64) float64 {
		if limit <= 0 || used <= 0 {
			return 0
		}
		f := used / limit * 100
		if f > 100 {
			f = 100
		}
		return f
	}
	return ScoreInputs{
		Drawdown:      frac(-stats.PnL, limits.MaxDailyLoss),
		Concentration: frac(stats.Volume+position, limits.MaxDailyVolume),
		Liquidity:     frac(position, limits.MaxPositionSize),
		Volatility:    frac(float64(stats.TradeCount), float64(limits.MaxTradesPerDay)),
		Leverage:      frac(float64(open), float64(limits.MaxOpenTrades)),
	}
}

// ScoreInputs are the six advisory sub-scores, each in [0,100].
type ScoreInputs struct {
	Drawdown      float64
	Concentration float64
	Liquidity     float64
	Volatility    float64
	Leverage      float64
	Market        float64
}

// RiskScore is the weighted composite of the sub-scores, clamped to [0,100].
// It is reported, never used to block a trade on its own.
func RiskScore(in ScoreInputs) float64 {
	score := in.Drawdown*0.25 +
		in.Concentration*0.20 +
		in.Liquidity*0.15 +
		in.Volatility*0.20 +
		in.Leverage*0.10 +
		in.Market*0.10
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
