package database

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"triarb/internal/model"
)

var (
	pool *pgxpool.Pool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Define the PostgreSQL container request
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpassword",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}

	// Create and start the PostgreSQL container
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Fatalf("could not start postgres container: %s", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Fatalf("could not stop postgres container: %s", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Fatalf("could not get container host: %s", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("could not get mapped port: %s", err)
	}

	connStr := "postgres://testuser:testpassword@" + host + ":" + port.Port() + "/testdb"

	pool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("could not connect to database: %s", err)
	}
	defer pool.Close()

	repo := &PostgresRepository{Pool: pool}
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("could not migrate: %s", err)
	}

	code := m.Run()

	os.Exit(code)
}

func testTriangle(t *testing.T) model.Triangle {
	tri, err := model.NewTriangle("BTC/USDT", "ETH/USDT", "ETH/BTC")
	require.NoError(t, err)
	return tri
}

func TestPostgresRepository_SaveTrade(t *testing.T) {
	ctx := context.Background()
	repo := &PostgresRepository{Pool: pool}

	trade := model.TradeExecution{
		ID:            uuid.NewString(),
		Account:       "acct",
		Triangle:      testTriangle(t),
		Amount:        1000,
		Exchange:      "binance",
		Status:        model.TradeExecuted,
		Profit:        4.46,
		ProfitPercent: 0.446,
		Steps:         []string{"buy ETH/USDT", "sell ETH/BTC", "sell BTC/USDT"},
		RealTrade:     false,
		Timestamp:     time.Now(),
	}
	require.NoError(t, repo.SaveTrade(ctx, trade))

	var status, account string
	var profit float64
	err := pool.QueryRow(ctx,
		"SELECT status, account, profit FROM trades WHERE id = $1", trade.ID).
		Scan(&status, &account, &profit)
	require.NoError(t, err)
	assert.Equal(t, "executed", status)
	assert.Equal(t, "acct", account)
	assert.InDelta(t, 4.46, profit, 1e-6)
}

func TestPostgresRepository_SaveOpportunity(t *testing.T) {
	ctx := context.Background()
	repo := &PostgresRepository{Pool: pool}

	opp := model.Opportunity{
		Triangle:      testTriangle(t),
		ProfitPercent: 0.446,
		Steps:         []string{"step one", "step two", "step three"},
		Timestamp:     time.Now(),
	}
	require.NoError(t, repo.SaveOpportunity(ctx, opp))

	var count int
	err := pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM opportunities WHERE triangle = $1", opp.Triangle.String()).
		Scan(&count)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)
}

func TestPostgresRepository_DailyStats(t *testing.T) {
	ctx := context.Background()
	repo := &PostgresRepository{Pool: pool}

	stats, err := repo.DailyStats(ctx, "fresh-account")
	require.NoError(t, err)
	assert.Zero(t, stats.TradeCount, "unknown account has empty stats")

	require.NoError(t, repo.AddDailyStats(ctx, "stats-account", 1000, 4.5))
	require.NoError(t, repo.AddDailyStats(ctx, "stats-account", 500, -2.0))

	stats, err = repo.DailyStats(ctx, "stats-account")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TradeCount)
	assert.InDelta(t, 1500.0, stats.Volume, 1e-6)
	assert.InDelta(t, 2.5, stats.PnL, 1e-6)
}

func TestPostgresRepository_BreakerState(t *testing.T) {
	ctx := context.Background()
	repo := &PostgresRepository{Pool: pool}

	state := model.CircuitBreakerState{
		AccountID:   "blocked-account",
		Triggered:   true,
		Reason:      "daily loss limit breached",
		ActivatedAt: time.Now(),
	}
	require.NoError(t, repo.SaveBreakerState(ctx, state))

	states, err := repo.LoadBreakerStates(ctx)
	require.NoError(t, err)
	var found bool
	for _, s := range states {
		if s.AccountID == "blocked-account" {
			found = true
			assert.True(t, s.Triggered)
			assert.Equal(t, "daily loss limit breached", s.Reason)
		}
	}
	assert.True(t, found)

	// Releasing upserts the same row.
	state.Triggered = false
	state.Reason = ""
	require.NoError(t, repo.SaveBreakerState(ctx, state))
	states, err = repo.LoadBreakerStates(ctx)
	require.NoError(t, err)
	for _, s := range states {
		if s.AccountID == "blocked-account" {
			assert.False(t, s.Triggered)
		}
	}
}
