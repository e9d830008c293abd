package monitor

import (
	"time"

	"fundingarb/internal/config"
)

// DashboardSnapshot is the complete point-in-time state pushed to connected
// dashboard clients and served from /api/snapshot.
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Pairs []PairStatus `json:"pairs"`

	TotalRealized   float64 `json:"total_realized"`
	TotalUnrealized float64 `json:"total_unrealized"`
	TotalPnL        float64 `json:"total_pnl"`

	Risk   RiskSnapshot  `json:"risk"`
	Config ConfigSummary `json:"config"`
}

// LegStatus is one side (spot or futures) of an open pair.
type LegStatus struct {
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
	Leverage      int     `json:"leverage"`
}

// PairStatus is the dashboard's view of one symbol's funding-arbitrage pair,
// open or not.
type PairStatus struct {
	Symbol            string    `json:"symbol"`
	Open              bool      `json:"open"`
	Spot              LegStatus `json:"spot"`
	Futures           LegStatus `json:"futures"`
	EntryBasis        float64   `json:"entry_basis"`
	CurrentBasis      float64   `json:"current_basis"`
	FundingRate       float64   `json:"funding_rate"`
	NextFundingTime   time.Time `json:"next_funding_time"`
	TargetFundingTime time.Time `json:"target_funding_time,omitempty"`
	OpenedAt          time.Time `json:"opened_at,omitempty"`
	Imbalance         float64   `json:"imbalance"`
}

// RiskSnapshot is the dashboard's view of aggregate risk state.
type RiskSnapshot struct {
	EmergencyActive bool    `json:"emergency_active"`
	PeakEquity      float64 `json:"peak_equity"`
	CurrentDrawdown float64 `json:"current_drawdown"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	MaxDrawdownGate float64 `json:"max_drawdown_gate"`

	RecentEvents []RiskEventInfo `json:"recent_events"`
}

// RiskEventInfo is one Risk Event, JSON-friendly.
type RiskEventInfo struct {
	Kind      string    `json:"kind"`
	Symbol    string    `json:"symbol"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// ConfigSummary surfaces the tunables an operator watching the dashboard
// cares about, without leaking credentials.
type ConfigSummary struct {
	TopNInstruments      int     `json:"top_n_instruments"`
	MinFundingRate       float64 `json:"min_funding_rate"`
	MinBasisRatio        float64 `json:"min_basis_ratio"`
	PositionSizeUSD      float64 `json:"position_size_usd"`
	MaxPositionPerSymbol float64 `json:"max_position_per_symbol"`
	MaxTotalPosition     float64 `json:"max_total_position"`
	StopLossRatio        float64 `json:"stop_loss_ratio"`
	ProfitTakeRatio      float64 `json:"profit_take_ratio"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	TickInterval         string  `json:"tick_interval"`

	MaxPositionSize    float64 `json:"max_position_size"`
	MaxTotalPositions  float64 `json:"max_total_positions"`
	MaxFundingExposure float64 `json:"max_funding_exposure"`
	MaxDailyLoss       float64 `json:"max_daily_loss"`

	DryRun bool `json:"dry_run"`
}

// NewConfigSummary builds a ConfigSummary from the loaded configuration.
func NewConfigSummary(cfg *config.Config) ConfigSummary {
	fa := cfg.Strategy.FundingArbitrage
	return ConfigSummary{
		TopNInstruments:      fa.TopNInstruments,
		MinFundingRate:       fa.MinFundingRate,
		MinBasisRatio:        fa.MinBasisRatio,
		PositionSizeUSD:      fa.PositionSizeUSD,
		MaxPositionPerSymbol: fa.MaxPositionPerSymbol,
		MaxTotalPosition:     fa.MaxTotalPosition,
		StopLossRatio:        fa.StopLossRatio,
		ProfitTakeRatio:      fa.ProfitTakeRatio,
		MaxDrawdown:          fa.MaxDrawdown,
		TickInterval:         fa.TickInterval.String(),

		MaxPositionSize:    cfg.Risk.Limits.MaxPositionSize,
		MaxTotalPositions:  cfg.Risk.Limits.MaxTotalPositions,
		MaxFundingExposure: cfg.Risk.Limits.MaxFundingExposure,
		MaxDailyLoss:       cfg.Risk.Limits.MaxDailyLoss,

		DryRun: cfg.DryRun,
	}
}
