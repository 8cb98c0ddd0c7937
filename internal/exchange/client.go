package exchange

import (
	"context"
	"time"
)

// CallTimeout bounds every outbound market/broker call. Calls are not
// retried; only the streaming connection has a retry mechanism.
const CallTimeout = 10 * time.Second

// PriceHandler receives a batch of pair prices from a streaming client.
type PriceHandler func(source string, prices map[string]float64)

// MarketClient is the streaming market-data capability for one source.
// Stream blocks until the connection fails or the context is cancelled;
// reconnection is the caller's job.
type MarketClient interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	FetchPrices(ctx context.Context) (map[string]float64, error)
	Stream(ctx context.Context, handler PriceHandler) error
}

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType is the order style; the engine only places market orders.
type OrderType string

const Market OrderType = "market"

// OrderRequest describes one conversion. Amount is in base units for a sell
// and in quote units for a buy.
type OrderRequest struct {
	Pair   string
	Side   Side
	Type   OrderType
	Amount float64
}

// Fill is the actual result of a placed order.
type Fill struct {
	OrderID     string
	Pair        string
	Side        Side
	Price       float64
	BaseAmount  float64
	QuoteAmount float64
	Timestamp   time.Time
}

// Broker places and cancels orders. CancelOrder is best-effort.
type Broker interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error)
	CancelOrder(ctx context.Context, orderID string) error
}
