package database

import (
	"context"
	"sync"
	"time"

	"triarb/internal/model"
)

// MemoryRepository is an in-process Repository for tests and one-shot runs
// without a database.
type MemoryRepository struct {
	mu            sync.Mutex
	opportunities []model.Opportunity
	trades        []model.TradeExecution
	daily         map[string]model.DailyStats // account|day
	breakers      map[string]model.CircuitBreakerState
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		daily:    make(map[string]model.DailyStats),
		breakers: make(map[string]model.CircuitBreakerState),
	}
}

func dayKey(account string) string {
	return account + "|" + time.Now().Format("2006-01-02")
}

func (r *MemoryRepository) SaveOpportunity(ctx context.Context, opp model.Opportunity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opportunities = append(r.opportunities, opp)
	return nil
}

func (r *MemoryRepository) SaveTrade(ctx context.Context, trade model.TradeExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, trade)
	return nil
}

func (r *MemoryRepository) AddDailyStats(ctx context.Context, account string, volume, pnl float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := dayKey(account)
	stats := r.daily[key]
	stats.Account = account
	stats.TradeCount++
	stats.Volume += volume
	stats.PnL += pnl
	r.daily[key] = stats
	return nil
}

func (r *MemoryRepository) DailyStats(ctx context.Context, account string) (model.DailyStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.daily[dayKey(account)]
	if !ok {
		return model.DailyStats{Account: account}, nil
	}
	return stats, nil
}

func (r *MemoryRepository) SaveBreakerState(ctx context.Context, state model.CircuitBreakerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[state.AccountID] = state
	return nil
}

func (r *MemoryRepository) LoadBreakerStates(ctx context.Context) ([]model.CircuitBreakerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.CircuitBreakerState, 0, len(r.breakers))
	for _, s := range r.breakers {
		out = append(out, s)
	}
	return out, nil
}

// Trades returns a copy of the recorded trades, for assertions in tests.
func (r *MemoryRepository) Trades() []model.TradeExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TradeExecution, len(r.trades))
	copy(out, r.trades)
	return out
}

// Opportunities returns a copy of the recorded opportunities.
func (r *MemoryRepository) Opportunities() []model.Opportunity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Opportunity, len(r.opportunities))
	copy(out, r.opportunities)
	return out
}
