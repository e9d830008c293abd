package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/pkg/types"
)

// DataSource is the narrow read surface the Scanner needs from the
// Exchange Adapter: the tradable symbol universe and enough price/volume
// data to build one Instrument Snapshot per symbol.
type DataSource interface {
	ListSymbols(ctx context.Context) ([]string, error)
	GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetSpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetNextFundingTime(ctx context.Context, symbol string) (time.Time, error)
	Get24hVolume(ctx context.Context, symbol string) (float64, error)
	GetBestBidAsk(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error)
}

// Scanner builds fresh Instrument Snapshots each tick and ranks them by
// |funding_rate| so the Strategy Engine can focus on the top_n candidates
// most worth checking for a pre-funding window.
type Scanner struct {
	source DataSource
	logger *slog.Logger
}

// NewScanner creates a Scanner over source.
func NewScanner(source DataSource, logger *slog.Logger) *Scanner {
	return &Scanner{source: source, logger: logger.With("component", "scanner")}
}

// Scan builds an Instrument Snapshot for every tradable symbol. A symbol
// that errors during snapshot construction is logged and skipped rather
// than aborting the whole scan.
func (s *Scanner) Scan(ctx context.Context) ([]types.InstrumentSnapshot, error) {
	symbols, err := s.source.ListSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}

	snapshots := make([]types.InstrumentSnapshot, 0, len(symbols))
	for _, symbol := range symbols {
		snap, err := s.buildSnapshot(ctx, symbol)
		if err != nil {
			s.logger.Warn("skip symbol: snapshot build failed", "symbol", symbol, "error", err)
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

func (s *Scanner) buildSnapshot(ctx context.Context, symbol string) (types.InstrumentSnapshot, error) {
	fundingRate, err := s.source.GetFundingRate(ctx, symbol)
	if err != nil {
		return types.InstrumentSnapshot{}, fmt.Errorf("funding rate: %w", err)
	}
	mark, err := s.source.GetMarkPrice(ctx, symbol)
	if err != nil {
		return types.InstrumentSnapshot{}, fmt.Errorf("mark price: %w", err)
	}
	spot, err := s.source.GetSpotPrice(ctx, symbol)
	if err != nil {
		return types.InstrumentSnapshot{}, fmt.Errorf("spot price: %w", err)
	}
	nextFunding, err := s.source.GetNextFundingTime(ctx, symbol)
	if err != nil {
		return types.InstrumentSnapshot{}, fmt.Errorf("next funding time: %w", err)
	}
	volume, err := s.source.Get24hVolume(ctx, symbol)
	if err != nil {
		return types.InstrumentSnapshot{}, fmt.Errorf("24h volume: %w", err)
	}
	bid, ask, err := s.source.GetBestBidAsk(ctx, symbol)
	if err != nil {
		return types.InstrumentSnapshot{}, fmt.Errorf("best bid/ask: %w", err)
	}

	snap := types.InstrumentSnapshot{
		Symbol:          symbol,
		SpotPrice:       spot,
		FuturesPrice:    mark,
		FundingRate:     fundingRate,
		NextFundingTime: nextFunding,
		Volume24h:       volume,
		BestBid:         bid,
		BestAsk:         ask,
		TakenAt:         time.Now(),
	}
	snap.LiquidityScore = liquidityScore(snap)
	return snap, nil
}

// liquidityScore derives a [0,1] score from spread tightness and volume,
// saturating at a 1e7 USD 24h volume.
func liquidityScore(snap types.InstrumentSnapshot) float64 {
	if snap.SpotPrice.IsZero() {
		return 0
	}
	spreadRatio, _ := snap.Spread().Div(snap.SpotPrice).Float64()
	if spreadRatio < 0 {
		spreadRatio = 0
	}
	tightness := 1.0 / (1.0 + spreadRatio*1000)
	volumeFactor := snap.Volume24h / 1e7
	if volumeFactor > 1 {
		volumeFactor = 1
	}
	score := tightness * volumeFactor
	if score > 1 {
		score = 1
	}
	return score
}

// RankByFundingRate sorts snapshots descending by |funding_rate|, breaking
// ties lexicographically by symbol, and truncates to topN.
func RankByFundingRate(snapshots []types.InstrumentSnapshot, topN int) []types.InstrumentSnapshot {
	ranked := make([]types.InstrumentSnapshot, len(snapshots))
	copy(ranked, snapshots)

	sort.Slice(ranked, func(i, j int) bool {
		ai := ranked[i].FundingRate.Abs()
		aj := ranked[j].FundingRate.Abs()
		if ai.Equal(aj) {
			return ranked[i].Symbol < ranked[j].Symbol
		}
		return ai.GreaterThan(aj)
	})

	if topN > 0 && len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}
