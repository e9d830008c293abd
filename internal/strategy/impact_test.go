package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestRecordTradeAndTradeCount(t *testing.T) {
	t.Parallel()
	tr := NewImpactTracker(time.Hour, time.Minute)

	tr.RecordTrade("BTCUSDT", decimal.NewFromInt(1))
	tr.RecordTrade("BTCUSDT", decimal.NewFromInt(2))

	if got := tr.TradeCount("BTCUSDT"); got != 2 {
		t.Errorf("TradeCount = %d, want 2", got)
	}
}

func TestMeanTradeSizeAveragesRecentTrades(t *testing.T) {
	t.Parallel()
	tr := NewImpactTracker(time.Hour, time.Minute)

	tr.RecordTrade("BTCUSDT", decimal.NewFromInt(10))
	tr.RecordTrade("BTCUSDT", decimal.NewFromInt(20))

	mean := tr.MeanTradeSize("BTCUSDT")
	if !mean.Equal(decimal.NewFromInt(15)) {
		t.Errorf("MeanTradeSize = %v, want 15", mean)
	}
}

func TestMeanTradeSizeZeroWithNoTrades(t *testing.T) {
	t.Parallel()
	tr := NewImpactTracker(time.Hour, time.Minute)
	if !tr.MeanTradeSize("BTCUSDT").IsZero() {
		t.Error("expected zero mean trade size with no trades")
	}
}

func TestTradeCountEvictsStaleTrades(t *testing.T) {
	t.Parallel()
	tr := NewImpactTracker(20*time.Millisecond, time.Minute)

	tr.RecordTrade("BTCUSDT", decimal.NewFromInt(1))
	time.Sleep(40 * time.Millisecond)

	if got := tr.TradeCount("BTCUSDT"); got != 0 {
		t.Errorf("TradeCount after window expiry = %d, want 0", got)
	}
}

func TestVolatilityZeroWithFewerThanTwoSamples(t *testing.T) {
	t.Parallel()
	tr := NewImpactTracker(time.Hour, time.Minute)
	tr.RecordPrice("BTCUSDT", decimal.NewFromInt(100))

	if got := tr.Volatility("BTCUSDT"); got != 0 {
		t.Errorf("Volatility = %v, want 0 with one sample", got)
	}
}

func TestVolatilityPositiveWithPriceMovement(t *testing.T) {
	t.Parallel()
	tr := NewImpactTracker(time.Hour, time.Minute)

	tr.RecordPrice("BTCUSDT", decimal.NewFromInt(100))
	tr.RecordPrice("BTCUSDT", decimal.NewFromInt(110))
	tr.RecordPrice("BTCUSDT", decimal.NewFromInt(95))

	if got := tr.Volatility("BTCUSDT"); got <= 0 {
		t.Errorf("Volatility = %v, want > 0 with moving prices", got)
	}
}

func TestVolatilityZeroWithConstantPrice(t *testing.T) {
	t.Parallel()
	tr := NewImpactTracker(time.Hour, time.Minute)

	tr.RecordPrice("BTCUSDT", decimal.NewFromInt(100))
	tr.RecordPrice("BTCUSDT", decimal.NewFromInt(100))
	tr.RecordPrice("BTCUSDT", decimal.NewFromInt(100))

	if got := tr.Volatility("BTCUSDT"); got != 0 {
		t.Errorf("Volatility = %v, want 0 with constant price", got)
	}
}
