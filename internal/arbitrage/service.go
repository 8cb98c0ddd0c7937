package arbitrage

import (
	"context"
	"log/slog"

	"triarb/internal/database"
	"triarb/internal/executor"
	"triarb/internal/model"
	"triarb/internal/risk"
)

// Service is the operation surface consumed by outer layers (CLI, API): it
// ties the engine, the risk gate and the executor together.
type Service struct {
	logger *slog.Logger
	engine *Engine
	gate   *risk.Gate
	exec   *executor.Executor
	repo   database.Repository
}

// NewService wires the facade. repo may be nil; opportunities are then not
// persisted.
func NewService(logger *slog.Logger, engine *Engine, gate *risk.Gate, exec *executor.Executor, repo database.Repository) *Service {
	return &Service{logger: logger, engine: engine, gate: gate, exec: exec, repo: repo}
}

// ScanOpportunities prices all known triangles, persists what it finds and
// returns the opportunities sorted by profit, highest first.
func (s *Service) ScanOpportunities(ctx context.Context, prices map[string]float64) []model.Opportunity {
	opportunities := s.engine.ScanOpportunities(prices)
	if s.repo != nil {
		for _, opp := range opportunities {
			if err := s.repo.SaveOpportunity(ctx, opp); err != nil {
				s.logger.Error("failed to persist opportunity",
					"triangle", opp.Triangle.String(), "error", err)
			}
		}
	}
	return opportunities
}

// ValidateTriangle pre-checks a user-supplied triangle against live prices.
func (s *Service) ValidateTriangle(t model.Triangle, prices map[string]float64) (bool, string) {
	return s.engine.ValidateTriangle(t, prices)
}

// ExecuteTriangleTrade runs one triangle trade through the executor.
func (s *Service) ExecuteTriangleTrade(ctx context.Context, t model.Triangle, amount float64, venue string) model.TradeExecution {
	return s.exec.Execute(ctx, t, amount, venue)
}

// GetTradeStatus returns the last known execution for a trade id.
func (s *Service) GetTradeStatus(tradeID string) (model.TradeExecution, bool) {
	return s.exec.GetStatus(tradeID)
}

// UpdateMinProfitThreshold changes the scan threshold at runtime.
func (s *Service) UpdateMinProfitThreshold(v float64) {
	s.engine.SetMinProfitThreshold(v)
	s.logger.Info("min profit threshold updated", "threshold", v)
}

// TriangleStatistics reports triangle count, threshold and examples.
func (s *Service) TriangleStatistics() Statistics {
	return s.engine.Stats()
}

// TriggerCircuitBreaker blocks the account until released.
func (s *Service) TriggerCircuitBreaker(ctx context.Context, account, reason string) {
	s.gate.TriggerBreaker(ctx, account, reason)
}

// ReleaseCircuitBreaker unblocks the account.
func (s *Service) ReleaseCircuitBreaker(ctx context.Context, account string) {
	s.gate.ReleaseBreaker(ctx, account)
}

// IsCircuitBreakerTriggered reports whether the account is blocked.
func (s *Service) IsCircuitBreakerTriggered(account string) bool {
	return s.gate.IsBreakerTriggered(account)
}
