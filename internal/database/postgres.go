package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"triarb/internal/model"
)

// PostgresRepository implements Repository on a pgx connection pool.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// Migrate creates the tables if they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS opportunities (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		triangle TEXT NOT NULL,
		profit_percent NUMERIC(20, 8) NOT NULL,
		steps TEXT[] NOT NULL
	);
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		triangle TEXT NOT NULL,
		amount NUMERIC(20, 8) NOT NULL,
		exchange TEXT NOT NULL,
		status TEXT NOT NULL,
		profit NUMERIC(20, 8) NOT NULL,
		profit_percent NUMERIC(20, 8) NOT NULL,
		steps TEXT[] NOT NULL,
		real_trade BOOLEAN NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS daily_stats (
		account TEXT NOT NULL,
		day DATE NOT NULL,
		trade_count INT NOT NULL DEFAULT 0,
		volume NUMERIC(20, 8) NOT NULL DEFAULT 0,
		pnl NUMERIC(20, 8) NOT NULL DEFAULT 0,
		PRIMARY KEY (account, day)
	);
	CREATE TABLE IF NOT EXISTS circuit_breakers (
		account_id TEXT PRIMARY KEY,
		triggered BOOLEAN NOT NULL,
		reason TEXT NOT NULL,
		activated_at TIMESTAMPTZ NOT NULL
	);`
	_, err := r.Pool.Exec(ctx, schema)
	return err
}

func (r *PostgresRepository) SaveOpportunity(ctx context.Context, opp model.Opportunity) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO opportunities (timestamp, triangle, profit_percent, steps)
		 VALUES ($1, $2, $3, $4)`,
		opp.Timestamp, opp.Triangle.String(), opp.ProfitPercent, opp.Steps)
	if err != nil {
		return fmt.Errorf("save opportunity: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SaveTrade(ctx context.Context, trade model.TradeExecution) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO trades (id, account, timestamp, triangle, amount, exchange, status,
		                     profit, profit_percent, steps, real_trade, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		trade.ID, trade.Account, trade.Timestamp, trade.Triangle.String(), trade.Amount,
		trade.Exchange, string(trade.Status), trade.Profit, trade.ProfitPercent,
		trade.Steps, trade.RealTrade, trade.Error)
	if err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AddDailyStats(ctx context.Context, account string, volume, pnl float64) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO daily_stats (account, day, trade_count, volume, pnl)
		 VALUES ($1, CURRENT_DATE, 1, $2, $3)
		 ON CONFLICT (account, day) DO UPDATE SET
		   trade_count = daily_stats.trade_count + 1,
		   volume = daily_stats.volume + EXCLUDED.volume,
		   pnl = daily_stats.pnl + EXCLUDED.pnl`,
		account, volume, pnl)
	if err != nil {
		return fmt.Errorf("add daily stats: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DailyStats(ctx context.Context, account string) (model.DailyStats, error) {
	stats := model.DailyStats{Account: account}
	err := r.Pool.QueryRow(ctx,
		`SELECT trade_count, volume, pnl FROM daily_stats
		 WHERE account = $1 AND day = CURRENT_DATE`,
		account).Scan(&stats.TradeCount, &stats.Volume, &stats.PnL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stats, nil
		}
		return stats, fmt.Errorf("daily stats: %w", err)
	}
	return stats, nil
}

func (r *PostgresRepository) SaveBreakerState(ctx context.Context, state model.CircuitBreakerState) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO circuit_breakers (account_id, triggered, reason, activated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id) DO UPDATE SET
		   triggered = EXCLUDED.triggered,
		   reason = EXCLUDED.reason,
		   activated_at = EXCLUDED.activated_at`,
		state.AccountID, state.Triggered, state.Reason, state.ActivatedAt)
	if err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}

func (r *PostgresRepository) LoadBreakerStates(ctx context.Context) ([]model.CircuitBreakerState, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT account_id, triggered, reason, activated_at FROM circuit_breakers`)
	if err != nil {
		return nil, fmt.Errorf("load breaker states: %w", err)
	}
	defer rows.Close()

	var states []model.CircuitBreakerState
	for rows.Next() {
		var s model.CircuitBreakerState
		if err := rows.Scan(&s.AccountID, &s.Triggered, &s.Reason, &s.ActivatedAt); err != nil {
			return nil, fmt.Errorf("scan breaker state: %w", err)
		}
		states = append(states, s)
	}
	return states, rows.Err()
}
