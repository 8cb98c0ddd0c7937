package database

import (
	"context"

	"triarb/internal/model"
)

// Repository defines the standard interface for persistence operations.
// Opportunity and trade writes are append-only.
type Repository interface {
	SaveOpportunity(ctx context.Context, opp model.Opportunity) error
	SaveTrade(ctx context.Context, trade model.TradeExecution) error
	AddDailyStats(ctx context.Context, account string, volume, pnl float64) error
	DailyStats(ctx context.Context, account string) (model.DailyStats, error)
	SaveBreakerState(ctx context.Context, state model.CircuitBreakerState) error
	LoadBreakerStates(ctx context.Context) ([]model.CircuitBreakerState, error)
}
