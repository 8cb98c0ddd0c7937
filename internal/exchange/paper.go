package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"triarb/internal/model"
)

// PriceLookup resolves the current price for a pair, typically backed by the
// live price feed.
type PriceLookup func(pair string) (float64, bool)

// PaperBroker fills market orders against the live price table without
// touching a venue. Order placement is rate limited like a real REST client.
type PaperBroker struct {
	name    string
	logger  *slog.Logger
	prices  PriceLookup
	feePct  float64
	limiter *rate.Limiter

	mu   sync.Mutex
	open map[string]OrderRequest
}

// NewPaperBroker creates a paper broker for the named exchange. ordersPerSec
// bounds order placement; zero means 10/s. takerFeePct is deducted from the
// received side of every fill.
func NewPaperBroker(name string, logger *slog.Logger, prices PriceLookup, ordersPerSec, takerFeePct float64) *PaperBroker {
	if ordersPerSec <= 0 {
		ordersPerSec = 10
	}
	if takerFeePct < 0 {
		takerFeePct = 0
	}
	return &PaperBroker{
		name:    name,
		logger:  logger,
		prices:  prices,
		feePct:  takerFeePct,
		limiter: rate.NewLimiter(rate.Limit(ordersPerSec), 1),
		open:    make(map[string]OrderRequest),
	}
}

func (p *PaperBroker) Name() string {
	return p.name
}

// PlaceOrder fills immediately at the table price. Amount is base units for
// a sell, quote units for a buy.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	if err := p.limiter.Wait(ctx); err != nil {
		return Fill{}, fmt.Errorf("paper: rate limit wait: %w", err)
	}

	if req.Type != Market {
		return Fill{}, fmt.Errorf("paper: unsupported order type %q", req.Type)
	}
	if req.Amount <= 0 {
		return Fill{}, fmt.Errorf("paper: non-positive amount %v", req.Amount)
	}
	pair, err := model.NormalizePair(req.Pair)
	if err != nil {
		return Fill{}, fmt.Errorf("paper: %w", err)
	}
	price, ok := p.prices(pair)
	if !ok || price <= 0 {
		return Fill{}, fmt.Errorf("paper: no price for %s", pair)
	}

	fill := Fill{
		OrderID:   uuid.NewString(),
		Pair:      pair,
		Side:      req.Side,
		Price:     price,
		Timestamp: time.Now(),
	}
	feeMult := 1 - p.feePct/100
	switch req.Side {
	case Sell:
		fill.BaseAmount = req.Amount
		fill.QuoteAmount = req.Amount * price * feeMult
	case Buy:
		fill.QuoteAmount = req.Amount
		fill.BaseAmount = req.Amount / price * feeMult
	default:
		return Fill{}, fmt.Errorf("paper: unknown side %q", req.Side)
	}

	p.logger.Debug("PaperBroker: filled order",
		"order_id", fill.OrderID, "pair", pair, "side", req.Side, "price", price)
	return fill, nil
}

// CancelOrder is a no-op for already-filled paper orders; it exists so the
// executor's best-effort cleanup path is exercised.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.open, orderID)
	p.logger.Info("PaperBroker: cancel requested", "order_id", orderID)
	return nil
}
