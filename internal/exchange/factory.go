package exchange

import (
	"fmt"
	"log/slog"
)

// NewMarketClient creates a streaming market client for the given source name.
func NewMarketClient(name string, logger *slog.Logger) (MarketClient, error) {
	switch name {
	case "binance":
		return NewBinanceClient(logger), nil
	default:
		return nil, fmt.Errorf("unknown market source: %s", name)
	}
}

// SupportedExchange reports whether orders can be routed to the named venue.
func SupportedExchange(name string) bool {
	switch name {
	case "binance", "paper":
		return true
	default:
		return false
	}
}
