package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SupportedCurrencies is the closed set of currency codes the engine trades.
var SupportedCurrencies = map[string]bool{
	"BTC":  true,
	"ETH":  true,
	"BNB":  true,
	"SOL":  true,
	"XRP":  true,
	"ADA":  true,
	"DOGE": true,
	"USDT": true,
	"USDC": true,
	"EUR":  true,
	"USD":  true,
}

// quoteSuffixes is checked longest-first when splitting a concatenated pair
// such as BTCUSDT into its two currencies.
var quoteSuffixes = []string{"USDT", "USDC", "DOGE", "BTC", "ETH", "BNB", "SOL", "XRP", "ADA", "EUR", "USD"}

// NormalizePair converts alternate textual pair forms (BTCUSDT, btc-usdt,
// BTC//USDT) into the canonical BASE/QUOTE form. Both currencies must be
// supported and distinct.
func NormalizePair(s string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '/' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	for strings.Contains(cleaned, "//") {
		cleaned = strings.ReplaceAll(cleaned, "//", "/")
	}
	cleaned = strings.Trim(cleaned, "/")
	if cleaned == "" {
		return "", fmt.Errorf("empty pair %q", s)
	}

	var base, quote string
	if strings.Contains(cleaned, "/") {
		parts := strings.Split(cleaned, "/")
		if len(parts) != 2 {
			return "", fmt.Errorf("malformed pair %q", s)
		}
		base, quote = parts[0], parts[1]
	} else {
		for _, suf := range quoteSuffixes {
			if strings.HasSuffix(cleaned, suf) && len(cleaned) > len(suf) {
				base, quote = cleaned[:len(cleaned)-len(suf)], suf
				break
			}
		}
		if base == "" {
			return "", fmt.Errorf("cannot split concatenated pair %q", s)
		}
	}

	if !SupportedCurrencies[base] || !SupportedCurrencies[quote] {
		return "", fmt.Errorf("unsupported currency in pair %q", s)
	}
	if base == quote {
		return "", fmt.Errorf("pair %q has identical base and quote", s)
	}
	return base + "/" + quote, nil
}

// SplitPair returns the base and quote of a canonical BASE/QUOTE pair.
func SplitPair(pair string) (string, string, error) {
	parts := strings.Split(pair, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed pair %q", pair)
	}
	return parts[0], parts[1], nil
}

// Quote is the latest known price for a pair from one source. Quotes are
// replaced, never mutated, on update.
type Quote struct {
	Pair      string
	Price     float64
	Source    string
	Timestamp time.Time
}

// Triangle is an ordered sequence of three pairs spanning exactly three
// distinct currencies.
type Triangle [3]string

// NewTriangle normalizes the three pairs and validates the currency set.
func NewTriangle(a, b, c string) (Triangle, error) {
	var t Triangle
	for i, raw := range []string{a, b, c} {
		p, err := NormalizePair(raw)
		if err != nil {
			return Triangle{}, err
		}
		t[i] = p
	}
	if t[0] == t[1] || t[1] == t[2] || t[0] == t[2] {
		return Triangle{}, fmt.Errorf("triangle %v repeats a pair", t)
	}
	if len(t.Currencies()) != 3 {
		return Triangle{}, fmt.Errorf("triangle %v does not span exactly 3 currencies", t)
	}
	return t, nil
}

// Currencies returns the distinct currency codes across the three pairs.
func (t Triangle) Currencies() []string {
	seen := map[string]bool{}
	for _, p := range t {
		base, quote, err := SplitPair(p)
		if err != nil {
			continue
		}
		seen[base] = true
		seen[quote] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Rotate returns the triangle with its pairs cyclically shifted by n.
func (t Triangle) Rotate(n int) Triangle {
	n = ((n % 3) + 3) % 3
	return Triangle{t[n], t[(n+1)%3], t[(n+2)%3]}
}

// Key identifies a triangle by its unordered pair set, for de-duplication.
func (t Triangle) Key() string {
	pairs := []string{t[0], t[1], t[2]}
	sort.Strings(pairs)
	return strings.Join(pairs, "|")
}

func (t Triangle) String() string {
	return strings.Join([]string{t[0], t[1], t[2]}, " -> ")
}

// Opportunity is one profitable rotation found during a scan. Immutable.
type Opportunity struct {
	Triangle      Triangle
	ProfitPercent float64
	Steps         []string
	PriceSnapshot map[string]float64
	Timestamp     time.Time
}

// RiskLimits are the hard compliance limits supplied by configuration.
type RiskLimits struct {
	MaxPositionSize    float64 `mapstructure:"max_position_size"`
	MaxDailyLoss       float64 `mapstructure:"max_daily_loss"`
	MaxDailyVolume     float64 `mapstructure:"max_daily_volume"`
	MaxTradesPerDay    int     `mapstructure:"max_trades_per_day"`
	MaxOpenTrades      int     `mapstructure:"max_open_trades"`
	MinProfitThreshold float64 `mapstructure:"min_profit_threshold"`
	MinTradeAmount     float64 `mapstructure:"min_trade_amount"`
}

// CircuitBreakerState is the per-account kill switch state.
type CircuitBreakerState struct {
	AccountID   string    `db:"account_id"`
	Triggered   bool      `db:"triggered"`
	Reason      string    `db:"reason"`
	ActivatedAt time.Time `db:"activated_at"`
}

// TradeStatus is the terminal state of a trade execution.
type TradeStatus string

const (
	TradeExecuted TradeStatus = "executed"
	TradeFailed   TradeStatus = "failed"
)

// TradeExecution records one execution attempt. Created once, never mutated.
type TradeExecution struct {
	ID            string      `db:"id"`
	Account       string      `db:"account"`
	Triangle      Triangle    `db:"triangle"`
	Amount        float64     `db:"amount"`
	Exchange      string      `db:"exchange"`
	Status        TradeStatus `db:"status"`
	Profit        float64     `db:"profit"`
	ProfitPercent float64     `db:"profit_percent"`
	Steps         []string    `db:"steps"`
	RealTrade     bool        `db:"real_trade"`
	Error         string      `db:"error"`
	Timestamp     time.Time   `db:"timestamp"`
}

// DailyStats are today's per-account trade metrics read back from persistence.
type DailyStats struct {
	Account    string
	TradeCount int
	Volume     float64
	PnL        float64
}
