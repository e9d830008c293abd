package monitor

import (
	"testing"
	"time"

	"fundingarb/internal/config"
)

type fakeProvider struct {
	pairs []PairStatus
	risk  RiskSnapshot
	evts  chan DashboardEvent
}

func (f *fakeProvider) PairStatuses() []PairStatus        { return f.pairs }
func (f *fakeProvider) RiskSnapshot() RiskSnapshot         { return f.risk }
func (f *fakeProvider) DashboardEvents() <-chan DashboardEvent { return f.evts }

func TestBuildSnapshotSumsPnLAcrossPairs(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		pairs: []PairStatus{
			{
				Symbol: "BTCUSDT",
				Open:   true,
				Spot:   LegStatus{RealizedPnL: 10, UnrealizedPnL: 5},
				Futures: LegStatus{RealizedPnL: -2, UnrealizedPnL: 3},
			},
			{
				Symbol: "ETHUSDT",
				Open:   true,
				Spot:   LegStatus{RealizedPnL: 1, UnrealizedPnL: 1},
				Futures: LegStatus{RealizedPnL: 1, UnrealizedPnL: 1},
			},
		},
		risk: RiskSnapshot{PeakEquity: 1000},
	}

	cfg := &config.Config{}
	snap := BuildSnapshot(p, cfg)

	if snap.TotalRealized != 10 {
		t.Errorf("TotalRealized = %v, want 10", snap.TotalRealized)
	}
	if snap.TotalUnrealized != 10 {
		t.Errorf("TotalUnrealized = %v, want 10", snap.TotalUnrealized)
	}
	if snap.TotalPnL != 20 {
		t.Errorf("TotalPnL = %v, want 20", snap.TotalPnL)
	}
	if len(snap.Pairs) != 2 {
		t.Errorf("len(Pairs) = %d, want 2", len(snap.Pairs))
	}
	if snap.Risk.PeakEquity != 1000 {
		t.Errorf("Risk.PeakEquity = %v, want 1000", snap.Risk.PeakEquity)
	}
}

func TestBuildSnapshotEmptyPairs(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	cfg := &config.Config{}
	snap := BuildSnapshot(p, cfg)

	if snap.TotalPnL != 0 {
		t.Errorf("TotalPnL = %v, want 0", snap.TotalPnL)
	}
	if len(snap.Pairs) != 0 {
		t.Errorf("expected no pairs, got %d", len(snap.Pairs))
	}
	if snap.Timestamp.After(time.Now()) {
		t.Error("Timestamp should not be in the future")
	}
}

func TestNewConfigSummaryCopiesTunables(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{DryRun: true}
	cfg.Strategy.FundingArbitrage.TopNInstruments = 5
	cfg.Strategy.FundingArbitrage.PositionSizeUSD = 1000
	cfg.Risk.Limits.MaxPositionSize = 5000

	summary := NewConfigSummary(cfg)
	if summary.TopNInstruments != 5 {
		t.Errorf("TopNInstruments = %d, want 5", summary.TopNInstruments)
	}
	if summary.PositionSizeUSD != 1000 {
		t.Errorf("PositionSizeUSD = %v, want 1000", summary.PositionSizeUSD)
	}
	if summary.MaxPositionSize != 5000 {
		t.Errorf("MaxPositionSize = %v, want 5000", summary.MaxPositionSize)
	}
	if !summary.DryRun {
		t.Error("expected DryRun true")
	}
}
