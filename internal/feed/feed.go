package feed

import (
	"log/slog"
	"sync"
	"time"

	"triarb/internal/model"
)

// UpdateFunc receives a snapshot of the full price table after an update.
// Subscribers are invoked synchronously and must not block for long.
type UpdateFunc func(quotes map[string]model.Quote)

// PriceFeed keeps the latest quote per pair and pushes updates to
// subscribers. Last write wins per pair.
type PriceFeed struct {
	logger *slog.Logger

	mu     sync.RWMutex
	quotes map[string]model.Quote

	subMu sync.Mutex
	subs  map[string]UpdateFunc
}

// NewPriceFeed creates an empty price feed.
func NewPriceFeed(logger *slog.Logger) *PriceFeed {
	return &PriceFeed{
		logger: logger,
		quotes: make(map[string]model.Quote),
		subs:   make(map[string]UpdateFunc),
	}
}

// Update normalizes and stores a batch of prices from one source, then
// notifies every subscriber with the full table. A panicking subscriber is
// logged and never interrupts the others.
func (f *PriceFeed) Update(source string, prices map[string]float64) {
	now := time.Now()

	f.mu.Lock()
	for raw, price := range prices {
		pair, err := model.NormalizePair(raw)
		if err != nil {
			f.logger.Warn("PriceFeed: skipping malformed pair", "pair", raw, "error", err)
			continue
		}
		if price <= 0 {
			f.logger.Warn("PriceFeed: skipping non-positive price", "pair", pair, "price", price)
			continue
		}
		f.quotes[pair] = model.Quote{Pair: pair, Price: price, Source: source, Timestamp: now}
	}
	f.mu.Unlock()

	snapshot := f.All()
	f.subMu.Lock()
	subs := make(map[string]UpdateFunc, len(f.subs))
	for name, fn := range f.subs {
		subs[name] = fn
	}
	f.subMu.Unlock()

	for name, fn := range subs {
		f.notify(name, fn, snapshot)
	}
}

func (f *PriceFeed) notify(name string, fn UpdateFunc, snapshot map[string]model.Quote) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("PriceFeed: subscriber panicked", "subscriber", name, "panic", r)
		}
	}()
	fn(snapshot)
}

// Subscribe registers a named subscriber. Re-subscribing the same name
// replaces the callback; registration is idempotent.
func (f *PriceFeed) Subscribe(name string, fn UpdateFunc) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	f.subs[name] = fn
}

// Unsubscribe removes a subscriber; unknown names are a no-op.
func (f *PriceFeed) Unsubscribe(name string) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	delete(f.subs, name)
}

// Get returns the latest quote for a pair, false when none is known.
func (f *PriceFeed) Get(pair string) (model.Quote, bool) {
	normalized, err := model.NormalizePair(pair)
	if err != nil {
		return model.Quote{}, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[normalized]
	return q, ok
}

// All returns a copy of the full quote table.
func (f *PriceFeed) All() map[string]model.Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]model.Quote, len(f.quotes))
	for pair, q := range f.quotes {
		out[pair] = q
	}
	return out
}

// Prices returns pair -> price for the detector.
func (f *PriceFeed) Prices() map[string]float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]float64, len(f.quotes))
	for pair, q := range f.quotes {
		out[pair] = q.Price
	}
	return out
}
