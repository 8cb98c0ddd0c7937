package arbitrage

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"triarb/internal/model"
)

// manualTriangles is the fallback list used when graph enumeration finds
// nothing; each entry is included only if all of its pairs are available.
var manualTriangles = [][3]string{
	{"BTC/USDT", "ETH/BTC", "ETH/USDT"},
	{"BTC/USDT", "BNB/BTC", "BNB/USDT"},
	{"BTC/USDT", "SOL/BTC", "SOL/USDT"},
	{"BTC/USDT", "XRP/BTC", "XRP/USDT"},
	{"BTC/USDT", "ADA/BTC", "ADA/USDT"},
}

// Engine holds the logic for finding triangles and pricing their rotations.
type Engine struct {
	logger *slog.Logger

	mu        sync.RWMutex
	minProfit float64
	triangles []model.Triangle
}

// NewEngine creates a new Engine with the given minimum profit threshold
// (in percent).
func NewEngine(logger *slog.Logger, minProfitThreshold float64) *Engine {
	return &Engine{logger: logger, minProfit: minProfitThreshold}
}

// MinProfitThreshold returns the current threshold in percent.
func (e *Engine) MinProfitThreshold() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.minProfit
}

// SetMinProfitThreshold updates the threshold used by scans.
func (e *Engine) SetMinProfitThreshold(v float64) {
	e.mu.Lock()
	e.minProfit = v
	e.mu.Unlock()
}

// Triangles returns the triangles known from the last FindTriangles call.
func (e *Engine) Triangles() []model.Triangle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Triangle, len(e.triangles))
	copy(out, e.triangles)
	return out
}

// FindTriangles builds an undirected currency graph from the available pairs
// and enumerates closed walks of length 3 through distinct currencies,
// de-duplicated by their unordered pair set. Falls back to the manual list
// when enumeration yields nothing.
func (e *Engine) FindTriangles(availablePairs []string) []model.Triangle {
	available := make(map[string]bool, len(availablePairs))
	adjacency := make(map[string]map[string]string) // currency -> currency -> pair
	for _, raw := range availablePairs {
		pair, err := model.NormalizePair(raw)
		if err != nil {
			e.logger.Debug("skipping unusable pair", "pair", raw, "error", err)
			continue
		}
		available[pair] = true
		base, quote, _ := model.SplitPair(pair)
		if adjacency[base] == nil {
			adjacency[base] = make(map[string]string)
		}
		if adjacency[quote] == nil {
			adjacency[quote] = make(map[string]string)
		}
		adjacency[base][quote] = pair
		adjacency[quote][base] = pair
	}

	currencies := make([]string, 0, len(adjacency))
	for c := range adjacency {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	neighbors := func(currency string) []string {
		out := make([]string, 0, len(adjacency[currency]))
		for c := range adjacency[currency] {
			out = append(out, c)
		}
		sort.Strings(out)
		return out
	}

	seen := make(map[string]bool)
	var found []model.Triangle
	for _, a := range currencies {
		for _, b := range neighbors(a) {
			pairAB := adjacency[a][b]
			for _, c := range neighbors(b) {
				if c == a {
					continue
				}
				pairBC := adjacency[b][c]
				pairCA, ok := adjacency[c][a]
				if !ok {
					continue
				}
				t, err := model.NewTriangle(pairAB, pairBC, pairCA)
				if err != nil {
					continue
				}
				if seen[t.Key()] {
					continue
				}
				seen[t.Key()] = true
				found = append(found, t)
			}
		}
	}

	if len(found) == 0 {
		for _, m := range manualTriangles {
			if !available[m[0]] || !available[m[1]] || !available[m[2]] {
				continue
			}
			t, err := model.NewTriangle(m[0], m[1], m[2])
			if err != nil || seen[t.Key()] {
				continue
			}
			seen[t.Key()] = true
			found = append(found, t)
		}
		if len(found) > 0 {
			e.logger.Info("no triangles enumerated, using manual fallback", "count", len(found))
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Key() < found[j].Key() })

	e.mu.Lock()
	e.triangles = found
	e.mu.Unlock()
	return found
}

// walkCycle runs one unit of the start currency through the three legs.
// Base -> quote multiplies by price, quote -> base divides. Returns the final
// amount and the conversion log; ok is false when a leg does not connect or
// the walk does not close back on the start currency.
func walkCycle(t model.Triangle, start string, prices map[string]float64) (float64, []string, bool) {
	amount := 1.0
	current := start
	steps := make([]string, 0, 3)
	for _, pair := range t {
		price, ok := prices[pair]
		if !ok || price <= 0 {
			return 0, nil, false
		}
		base, quote, err := model.SplitPair(pair)
		if err != nil {
			return 0, nil, false
		}
		var next float64
		var to string
		switch current {
		case base:
			next = amount * price
			to = quote
		case quote:
			next = amount / price
			to = base
		default:
			return 0, nil, false
		}
		steps = append(steps, fmt.Sprintf("%.8f %s -> %.8f %s via %s @ %.8f",
			amount, current, next, to, pair, price))
		amount = next
		current = to
	}
	if current != start {
		return 0, nil, false
	}
	return amount, steps, true
}

// CalculateArbitrage tries all 3 rotations x both starting currencies of the
// first pair and returns the most profitable closed walk meeting the
// threshold. Ties keep the first combination found, in enumeration order.
func (e *Engine) CalculateArbitrage(t model.Triangle, prices map[string]float64) (model.Opportunity, bool) {
	sanitized, err := sanitizeTriangle(t)
	if err != nil {
		e.logger.Debug("unusable triangle", "triangle", t.String(), "error", err)
		return model.Opportunity{}, false
	}
	for _, pair := range sanitized {
		if p, ok := prices[pair]; !ok || p <= 0 {
			return model.Opportunity{}, false
		}
	}

	threshold := e.MinProfitThreshold()
	best := model.Opportunity{}
	foundAny := false
	for r := 0; r < 3; r++ {
		rot := sanitized.Rotate(r)
		base, quote, _ := model.SplitPair(rot[0])
		for _, start := range []string{base, quote} {
			final, steps, ok := walkCycle(rot, start, prices)
			if !ok {
				continue
			}
			profit := (final - 1.0) * 100
			if profit < threshold {
				continue
			}
			if !foundAny || profit > best.ProfitPercent {
				snapshot := map[string]float64{
					rot[0]: prices[rot[0]],
					rot[1]: prices[rot[1]],
					rot[2]: prices[rot[2]],
				}
				best = model.Opportunity{
					Triangle:      rot,
					ProfitPercent: profit,
					Steps:         steps,
					PriceSnapshot: snapshot,
					Timestamp:     time.Now(),
				}
				foundAny = true
			}
		}
	}
	return best, foundAny
}

// ValidateTriangle reports whether any rotation/start-currency combination
// closes the cycle under the given prices, with a human-readable reason.
func (e *Engine) ValidateTriangle(t model.Triangle, prices map[string]float64) (bool, string) {
	sanitized, err := sanitizeTriangle(t)
	if err != nil {
		return false, err.Error()
	}
	for _, pair := range sanitized {
		if p, ok := prices[pair]; !ok || p <= 0 {
			return false, fmt.Sprintf("no live price for %s", pair)
		}
	}
	for r := 0; r < 3; r++ {
		rot := sanitized.Rotate(r)
		base, quote, _ := model.SplitPair(rot[0])
		for _, start := range []string{base, quote} {
			if _, _, ok := walkCycle(rot, start, prices); ok {
				return true, fmt.Sprintf("closed walk starting at %s via %s", start, rot.String())
			}
		}
	}
	return false, "no rotation closes the cycle"
}

// ScanOpportunities prices every known triangle and returns the
// opportunities sorted by profit percentage, highest first.
func (e *Engine) ScanOpportunities(prices map[string]float64) []model.Opportunity {
	triangles := e.Triangles()
	if len(triangles) == 0 {
		pairs := make([]string, 0, len(prices))
		for pair := range prices {
			pairs = append(pairs, pair)
		}
		triangles = e.FindTriangles(pairs)
	}

	opportunities := make([]model.Opportunity, 0, len(triangles))
	for _, t := range triangles {
		// Rotations of one pair ordering only ever walk one direction of
		// the currency cycle; the reversed ordering covers the other.
		opp, ok := e.CalculateArbitrage(t, prices)
		reversed := model.Triangle{t[0], t[2], t[1]}
		if ropp, rok := e.CalculateArbitrage(reversed, prices); rok && (!ok || ropp.ProfitPercent > opp.ProfitPercent) {
			opp, ok = ropp, rok
		}
		if !ok {
			continue
		}
		opportunities = append(opportunities, opp)
	}
	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].ProfitPercent > opportunities[j].ProfitPercent
	})
	return opportunities
}

// Statistics summarizes the known triangles for reporting.
type Statistics struct {
	Count     int
	Threshold float64
	Examples  []string
}

// Stats returns the triangle count, current threshold and a few examples.
func (e *Engine) Stats() Statistics {
	triangles := e.Triangles()
	examples := make([]string, 0, 5)
	for _, t := range triangles {
		if len(examples) == 5 {
			break
		}
		examples = append(examples, t.String())
	}
	return Statistics{Count: len(triangles), Threshold: e.MinProfitThreshold(), Examples: examples}
}

func sanitizeTriangle(t model.Triangle) (model.Triangle, error) {
	return model.NewTriangle(t[0], t[1], t[2])
}
