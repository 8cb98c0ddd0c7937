package risk

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"triarb/internal/config"
	"triarb/internal/database"
	"triarb/internal/model"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Alert(ctx context.Context, event, message string) {
	m.Called(ctx, event, message)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func testProvider() *config.StaticProvider {
	return &config.StaticProvider{
		RiskLimits: model.RiskLimits{
			MaxPositionSize:    100000,
			MaxDailyLoss:       1000,
			MaxDailyVolume:     500000,
			MaxTradesPerDay:    5,
			MaxOpenTrades:      2,
			MinProfitThreshold: 0.1,
			MinTradeAmount:     10,
		},
	}
}

func newTestGate(t *testing.T) (*Gate, *database.MemoryRepository, *MockNotifier) {
	t.Helper()
	repo := database.NewMemoryRepository()
	notifier := new(MockNotifier)
	notifier.On("Alert", mock.Anything, mock.Anything, mock.Anything).Return().Maybe()
	gate := NewGate(context.Background(), testLogger(), repo, testProvider(), notifier)
	return gate, repo, notifier
}

func TestGate_CircuitBreaker(t *testing.T) {
	ctx := context.Background()
	gate, repo, _ := newTestGate(t)

	assert.False(t, gate.IsBreakerTriggered("acct"))

	gate.TriggerBreaker(ctx, "acct", "manual kill switch")
	assert.True(t, gate.IsBreakerTriggered("acct"))

	allowed, reason := gate.CheckTradePermission(ctx, TradeRequest{
		Account: "acct", Pair: "BTC/USDT", Amount: 0.1, Price: 45000,
	})
	assert.False(t, allowed)
	assert.Contains(t, reason, "circuit breaker")
	assert.Contains(t, reason, "manual kill switch")

	gate.ReleaseBreaker(ctx, "acct")
	assert.False(t, gate.IsBreakerTriggered("acct"))
	allowed, _ = gate.CheckTradePermission(ctx, TradeRequest{
		Account: "acct", Pair: "BTC/USDT", Amount: 0.1, Price: 45000,
	})
	assert.True(t, allowed)

	// The triggered state must be persisted so a restart keeps the block.
	gate.TriggerBreaker(ctx, "acct", "persisted")
	states, err := repo.LoadBreakerStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.True(t, states[0].Triggered)

	restarted := NewGate(ctx, testLogger(), repo, testProvider(), new(MockNotifier))
	assert.True(t, restarted.IsBreakerTriggered("acct"))
}

func TestGate_CheckTradePermission_Order(t *testing.T) {
	ctx := context.Background()

	t.Run("position size is checked first", func(t *testing.T) {
		gate, _, _ := newTestGate(t)
		allowed, reason := gate.CheckTradePermission(ctx, TradeRequest{
			Account: "acct", Pair: "BTC/USDT", Amount: 10, Price: 45000,
		})
		assert.False(t, allowed)
		assert.Contains(t, reason, "position size")
	})

	t.Run("daily trade count", func(t *testing.T) {
		gate, repo, _ := newTestGate(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, repo.AddDailyStats(ctx, "acct", 100, 0))
		}
		allowed, reason := gate.CheckTradePermission(ctx, TradeRequest{
			Account: "acct", Pair: "BTC/USDT", Amount: 0.1, Price: 45000,
		})
		assert.False(t, allowed)
		assert.Contains(t, reason, "trade count")
	})

	t.Run("daily volume", func(t *testing.T) {
		gate, repo, _ := newTestGate(t)
		require.NoError(t, repo.AddDailyStats(ctx, "acct", 499000, 0))
		allowed, reason := gate.CheckTradePermission(ctx, TradeRequest{
			Account: "acct", Pair: "BTC/USDT", Amount: 0.1, Price: 45000,
		})
		assert.False(t, allowed)
		assert.Contains(t, reason, "volume")
	})

	t.Run("open trade cap", func(t *testing.T) {
		gate, _, _ := newTestGate(t)
		gate.NoteTradeOpened("acct")
		gate.NoteTradeOpened("acct")
		allowed, reason := gate.CheckTradePermission(ctx, TradeRequest{
			Account: "acct", Pair: "BTC/USDT", Amount: 0.1, Price: 45000,
		})
		assert.False(t, allowed)
		assert.Contains(t, reason, "open trades")

		gate.NoteTradeClosed("acct")
		allowed, _ = gate.CheckTradePermission(ctx, TradeRequest{
			Account: "acct", Pair: "BTC/USDT", Amount: 0.1, Price: 45000,
		})
		assert.True(t, allowed)
	})
}

func TestGate_RecordExecution_LargeLoss(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	notifier := new(MockNotifier)
	notifier.On("Alert", mock.Anything, "large_loss", mock.Anything).Return().Once()
	notifier.On("Alert", mock.Anything, "circuit_breaker_triggered", mock.Anything).Return().Once()
	gate := NewGate(ctx, testLogger(), repo, testProvider(), notifier)

	gate.RecordExecution(ctx, "acct", 50000, -1500)

	assert.True(t, gate.IsBreakerTriggered("acct"))
	notifier.AssertExpectations(t)

	stats, err := repo.DailyStats(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TradeCount)
	assert.Equal(t, -1500.0, stats.PnL)
}

func TestGate_AdvisoryScore(t *testing.T) {
	ctx := context.Background()
	gate, repo, _ := newTestGate(t)

	assert.Equal(t, 0.0, gate.AdvisoryScore(ctx, "acct", 0), "fresh account scores zero")

	require.NoError(t, repo.AddDailyStats(ctx, "acct", 250000, -500))
	gate.NoteTradeOpened("acct")

	// drawdown 50 * .25, concentration 50.9 * .20, liquidity 4.5 * .15,
	// volatility 20 * .20, leverage 50 * .10
	score := gate.AdvisoryScore(ctx, "acct", 4500)
	assert.InDelta(t, 32.355, score, 1e-9)
}

func TestGate_AdvisoryScoreReportedNotBlocking(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	repo := database.NewMemoryRepository()
	notifier := new(MockNotifier)
	notifier.On("Alert", mock.Anything, mock.Anything, mock.Anything).Return().Maybe()
	gate := NewGate(ctx, logger, repo, testProvider(), notifier)

	// Utilization near every limit without breaching any hard one.
	require.NoError(t, repo.AddDailyStats(ctx, "acct", 400000, -999))
	gate.NoteTradeOpened("acct")

	allowed, _ := gate.CheckTradePermission(ctx, TradeRequest{
		Account: "acct", Pair: "BTC/USDT", Amount: 0.1, Price: 45000,
	})
	assert.True(t, allowed, "a high advisory score never blocks on its own")
	assert.Contains(t, buf.String(), "risk_score")
	assert.Greater(t, gate.AdvisoryScore(ctx, "acct", 4500), 50.0)
}

func TestRiskScore(t *testing.T) {
	assert.Equal(t, 0.0, RiskScore(ScoreInputs{}))
	assert.Equal(t, 100.0, RiskScore(ScoreInputs{
		Drawdown: 100, Concentration: 100, Liquidity: 100,
		Volatility: 100, Leverage: 100, Market: 100,
	}))
	assert.InDelta(t, 25.0, RiskScore(ScoreInputs{Drawdown: 100}), 1e-9)
	assert.InDelta(t, 47.5,
		RiskScore(ScoreInputs{Drawdown: 50, Concentration: 50, Liquidity: 50, Volatility: 50, Leverage: 50, Market: 25}),
		1e-9)
	assert.Equal(t, 0.0, RiskScore(ScoreInputs{Drawdown: -500}), "clamped at zero")
}
