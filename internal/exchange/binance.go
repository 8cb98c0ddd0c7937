package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"triarb/internal/model"
)

const (
	binanceWSURL   = "wss://stream.binance.com:9443/ws/!miniTicker@arr"
	binanceRESTURL = "https://api.binance.com/api/v3/ticker/price"
)

// BinanceClient implements the MarketClient interface for Binance.
type BinanceClient struct {
	logger *slog.Logger
	http   *http.Client

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewBinanceClient creates a new BinanceClient.
func NewBinanceClient(logger *slog.Logger) *BinanceClient {
	return &BinanceClient{
		logger: logger,
		http:   &http.Client{Timeout: CallTimeout},
	}
}

func (b *BinanceClient) Name() string {
	return "binance"
}

// Connect dials the all-market mini-ticker stream.
func (b *BinanceClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: CallTimeout}
	conn, _, err := dialer.DialContext(ctx, binanceWSURL, nil)
	if err != nil {
		return fmt.Errorf("binance: dial %s: %w", binanceWSURL, err)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.logger.Info("BinanceClient: connected", "url", binanceWSURL)
	return nil
}

func (b *BinanceClient) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// Ping probes liveness with a websocket control frame.
func (b *BinanceClient) Ping(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("binance: not connected")
	}
	deadline := time.Now().Add(CallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return conn.WriteControl(websocket.PingMessage, nil, deadline)
}

type binanceMiniTicker struct {
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

type binanceTickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// FetchPrices takes a one-shot REST snapshot of all ticker prices.
func (b *BinanceClient) FetchPrices(ctx context.Context) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, binanceRESTURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: fetch prices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance: fetch prices: status %d", resp.StatusCode)
	}

	var tickers []binanceTickerPrice
	if err := json.NewDecoder(resp.Body).Decode(&tickers); err != nil {
		return nil, fmt.Errorf("binance: decode prices: %w", err)
	}
	return b.toPairPrices(tickers), nil
}

func (b *BinanceClient) toPairPrices(tickers []binanceTickerPrice) map[string]float64 {
	prices := make(map[string]float64)
	for _, t := range tickers {
		pair, err := model.NormalizePair(t.Symbol)
		if err != nil {
			continue // not a supported pair
		}
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil || price <= 0 {
			b.logger.Warn("BinanceClient: bad price", "symbol", t.Symbol, "price", t.Price)
			continue
		}
		prices[pair] = price
	}
	return prices
}

// Stream reads mini-ticker batches and hands supported pairs to the handler.
// It returns on the first read error; the connection supervisor reconnects.
func (b *BinanceClient) Stream(ctx context.Context, handler PriceHandler) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("binance: not connected")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("binance: read: %w", err)
		}

		var batch []binanceMiniTicker
		if err := json.Unmarshal(message, &batch); err != nil {
			b.logger.Warn("BinanceClient: failed to parse message", "error", err)
			continue
		}

		prices := make(map[string]float64, len(batch))
		for _, t := range batch {
			pair, err := model.NormalizePair(t.Symbol)
			if err != nil {
				continue
			}
			price, err := strconv.ParseFloat(t.Close, 64)
			if err != nil || price <= 0 {
				continue
			}
			prices[pair] = price
		}
		if len(prices) > 0 {
			handler(b.Name(), prices)
		}
	}
}
