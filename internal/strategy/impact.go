package strategy

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// tradeSample is one recorded fill, used both for the trade-frequency risk
// check and the market-impact sizing check.
type tradeSample struct {
	size decimal.Decimal
	at   time.Time
}

// priceSample is one recorded mark/spot observation, used for the
// volatility risk check.
type priceSample struct {
	price decimal.Decimal
	at    time.Time
}

// ImpactTracker maintains rolling per-symbol windows of recent trade sizes
// and prices, evicting stale samples the way the toxic-flow window does:
// append, then drop everything before the cutoff.
type ImpactTracker struct {
	mu sync.Mutex

	tradeWindow time.Duration
	priceWindow time.Duration

	trades map[string][]tradeSample
	prices map[string][]priceSample
}

// NewImpactTracker creates a tracker. tradeWindow bounds the trade-frequency
// and mean-trade-size windows (typically 1h); priceWindow bounds the
// volatility window (typically a few minutes).
func NewImpactTracker(tradeWindow, priceWindow time.Duration) *ImpactTracker {
	return &ImpactTracker{
		tradeWindow: tradeWindow,
		priceWindow: priceWindow,
		trades:      make(map[string][]tradeSample),
		prices:      make(map[string][]priceSample),
	}
}

// RecordTrade appends a fill size for symbol and evicts samples older than
// tradeWindow.
func (t *ImpactTracker) RecordTrade(symbol string, size decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	samples := append(t.trades[symbol], tradeSample{size: size, at: time.Now()})
	t.trades[symbol] = evictTrades(samples, t.tradeWindow)
}

func evictTrades(samples []tradeSample, window time.Duration) []tradeSample {
	cutoff := time.Now().Add(-window)
	validIdx := len(samples)
	for i, s := range samples {
		if s.at.After(cutoff) {
			validIdx = i
			break
		}
	}
	return samples[validIdx:]
}

// RecordPrice appends a price observation for symbol and evicts samples
// older than priceWindow.
func (t *ImpactTracker) RecordPrice(symbol string, price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	samples := append(t.prices[symbol], priceSample{price: price, at: time.Now()})
	t.prices[symbol] = evictPrices(samples, t.priceWindow)
}

func evictPrices(samples []priceSample, window time.Duration) []priceSample {
	cutoff := time.Now().Add(-window)
	validIdx := len(samples)
	for i, s := range samples {
		if s.at.After(cutoff) {
			validIdx = i
			break
		}
	}
	return samples[validIdx:]
}

// TradeCount returns the number of trades recorded for symbol within the
// trade window, the input to the trade-frequency risk check.
func (t *ImpactTracker) TradeCount(symbol string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trades[symbol] = evictTrades(t.trades[symbol], t.tradeWindow)
	return len(t.trades[symbol])
}

// MeanTradeSize returns the mean fill size recorded for symbol within the
// trade window. Zero if no trades are recorded.
func (t *ImpactTracker) MeanTradeSize(symbol string) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	samples := evictTrades(t.trades[symbol], t.tradeWindow)
	t.trades[symbol] = samples
	if len(samples) == 0 {
		return decimal.Zero
	}

	sum := decimal.Zero
	for _, s := range samples {
		sum = sum.Add(s.size)
	}
	return sum.Div(decimal.NewFromInt(int64(len(samples))))
}

// Volatility returns the standard deviation of log returns over the price
// window, the input to the high-volatility risk check. Zero with fewer
// than two samples.
func (t *ImpactTracker) Volatility(symbol string) float64 {
	t.mu.Lock()
	samples := evictPrices(t.prices[symbol], t.priceWindow)
	t.prices[symbol] = samples
	t.mu.Unlock()

	if len(samples) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		prev, _ := samples[i-1].price.Float64()
		cur, _ := samples[i].price.Float64()
		if prev <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) == 0 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}
