// Package risk implements the Risk Controller: conjunctive pre-trade
// approval, continuous risk-metrics recomputation with Risk Event emission,
// emergency de-risking actions, and hourly-rolling-PnL drawdown tracking.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/pkg/types"
)

const drawdownSeriesLength = 24

// ApprovalRequest carries every input ApproveNewPosition's six conjunctive
// checks need. Symbol/Size/FundingRate are the caller's proposed trade;
// the remaining fields are the account- and market-wide context the
// Strategy Engine gathers from the Position Manager, Exchange Adapter, and
// market-impact tracker before asking for approval.
type ApprovalRequest struct {
	Symbol              string
	Size                decimal.Decimal // proposed USD notional
	FundingRate         decimal.Decimal
	RequiredMargin      decimal.Decimal
	AvailableBalance    decimal.Decimal
	OtherPositionsTotal decimal.Decimal // sum of |other open positions| in USD
	Volatility          float64
	TradeCountLastHour  int
}

// EmergencyActions lets the Risk Controller de-risk without importing the
// Position Manager directly.
type EmergencyActions interface {
	ReducePosition(ctx context.Context, symbol string, ratio float64) error
	HalveLeverage(ctx context.Context, symbol string) error
}

// Controller enforces the Risk Controller contract.
type Controller struct {
	limits           config.RiskLimits
	control          config.RiskControl
	maxDrawdownLimit float64
	actions          EmergencyActions
	logger           *slog.Logger

	mu            sync.Mutex
	emergencyMode bool

	pnlMu       sync.Mutex
	hourlyPnL   []decimal.Decimal
	peakEquity  decimal.Decimal
	curDrawdown float64
	maxDrawdown float64

	eventsMu sync.Mutex
	events   []types.RiskEvent
}

// NewController creates a Risk Controller. maxDrawdown is the fraction
// (e.g. 0.2 for 20%) from strategy.funding_arbitrage.max_drawdown at which
// Evaluate engages emergency mode. actions may be nil if emergency
// de-risking should only be logged, not executed (e.g. dry-run mode).
func NewController(limits config.RiskLimits, control config.RiskControl, maxDrawdown float64, actions EmergencyActions, logger *slog.Logger) *Controller {
	return &Controller{
		limits:           limits,
		control:          control,
		maxDrawdownLimit: maxDrawdown,
		actions:          actions,
		logger:           logger.With("component", "risk_controller"),
	}
}

// ApproveNewPosition runs the six conjunctive pre-trade checks from §4.7.
// While emergency mode is active it always returns false regardless of the
// checks, until an operator clears it via ClearEmergency.
func (c *Controller) ApproveNewPosition(req ApprovalRequest) bool {
	c.mu.Lock()
	emergency := c.emergencyMode
	c.mu.Unlock()
	if emergency {
		return false
	}

	if req.Size.GreaterThan(decimal.NewFromFloat(c.limits.MaxPositionSize)) {
		return false
	}
	if req.Size.Add(req.OtherPositionsTotal).GreaterThan(decimal.NewFromFloat(c.limits.MaxTotalPositions)) {
		return false
	}
	if req.RequiredMargin.GreaterThan(req.AvailableBalance) {
		return false
	}
	fundingExposure := req.FundingRate.Abs().Mul(req.Size)
	if fundingExposure.GreaterThan(decimal.NewFromFloat(c.limits.MaxFundingExposure)) {
		return false
	}
	if req.Volatility > c.limits.VolatilityThreshold {
		return false
	}
	if req.TradeCountLastHour >= c.limits.MaxTradesPerHour {
		return false
	}
	return true
}

// RecordHourlyPnL appends the latest hourly-bucket PnL to the rolling
// series (capped at 24 entries, oldest dropped) and recomputes
// peak_equity, current_drawdown, and max_drawdown.
func (c *Controller) RecordHourlyPnL(equity decimal.Decimal) {
	c.pnlMu.Lock()
	defer c.pnlMu.Unlock()

	c.hourlyPnL = append(c.hourlyPnL, equity)
	if len(c.hourlyPnL) > drawdownSeriesLength {
		c.hourlyPnL = c.hourlyPnL[len(c.hourlyPnL)-drawdownSeriesLength:]
	}

	peak := c.hourlyPnL[0]
	for _, v := range c.hourlyPnL {
		if v.GreaterThan(peak) {
			peak = v
		}
	}
	c.peakEquity = peak

	if peak.Sign() > 0 {
		c.curDrawdown, _ = peak.Sub(equity).Div(peak).Float64()
	} else {
		c.curDrawdown = 0
	}
	if c.curDrawdown > c.maxDrawdown {
		c.maxDrawdown = c.curDrawdown
	}
}

// DrawdownSnapshot returns the current peak equity, current drawdown, and
// max drawdown.
func (c *Controller) DrawdownSnapshot() (peakEquity decimal.Decimal, currentDrawdown, maxDrawdown float64) {
	c.pnlMu.Lock()
	defer c.pnlMu.Unlock()
	return c.peakEquity, c.curDrawdown, c.maxDrawdown
}

// HourlySeries returns a copy of the rolling hourly-PnL series, for
// persistence.
func (c *Controller) HourlySeries() []decimal.Decimal {
	c.pnlMu.Lock()
	defer c.pnlMu.Unlock()
	out := make([]decimal.Decimal, len(c.hourlyPnL))
	copy(out, c.hourlyPnL)
	return out
}

// RestoreHourlySeries replaces the rolling hourly-PnL series with a
// previously-persisted one and recomputes peak/current/max drawdown, for
// startup restore. A nil or empty series is a no-op.
func (c *Controller) RestoreHourlySeries(series []decimal.Decimal) {
	if len(series) == 0 {
		return
	}
	c.pnlMu.Lock()
	c.hourlyPnL = nil
	c.maxDrawdown = 0
	c.pnlMu.Unlock()
	for _, v := range series {
		c.RecordHourlyPnL(v)
	}
}

// MetricsInput is the continuous-monitoring snapshot fed to Evaluate every
// tick, gathered from the Position Manager and market-impact tracker.
type MetricsInput struct {
	Symbol             string
	PositionSize       decimal.Decimal
	MarginRatio        float64
	FundingRate        decimal.Decimal
	Volatility         float64
	TradeCountLastHour int
	HourlyPnL          decimal.Decimal
	DailyPnL           decimal.Decimal
	LiquidationBuffer  float64 // fraction distance from mark price to liquidation price
}

// Evaluate recomputes risk metrics for one symbol against configured
// thresholds, emits a Risk Event per breach, and triggers emergency
// de-risking for the severe kinds (liquidation warning, drawdown limit
// breach, daily-loss limit breach).
func (c *Controller) Evaluate(ctx context.Context, m MetricsInput) []types.RiskEvent {
	var triggered []types.RiskEvent
	now := time.Now()

	if m.PositionSize.GreaterThan(decimal.NewFromFloat(c.limits.MaxPositionSize)) {
		size, _ := m.PositionSize.Float64()
		triggered = append(triggered, c.emit(types.PositionLimitBreach, m.Symbol, size, c.limits.MaxPositionSize, now))
	}
	if m.MarginRatio > 0 && m.MarginRatio < c.limits.MinMarginRatio {
		triggered = append(triggered, c.emit(types.MarginCall, m.Symbol, m.MarginRatio, c.limits.MinMarginRatio, now))
	}
	if m.LiquidationBuffer > 0 && m.LiquidationBuffer < 0.05 {
		triggered = append(triggered, c.emit(types.LiquidationWarning, m.Symbol, m.LiquidationBuffer, 0.05, now))
		c.triggerEmergency(ctx, m.Symbol, "liquidation warning")
	}
	if m.Volatility > c.limits.VolatilityThreshold {
		triggered = append(triggered, c.emit(types.HighVolatility, m.Symbol, m.Volatility, c.limits.VolatilityThreshold, now))
	}
	fundingExposure, _ := m.FundingRate.Abs().Mul(m.PositionSize).Float64()
	if fundingExposure > c.limits.MaxFundingExposure {
		triggered = append(triggered, c.emit(types.FundingRateWarning, m.Symbol, fundingExposure, c.limits.MaxFundingExposure, now))
	}
	if m.TradeCountLastHour >= c.limits.MaxTradesPerHour {
		triggered = append(triggered, c.emit(types.TradeFrequencyWarn, m.Symbol, float64(m.TradeCountLastHour), float64(c.limits.MaxTradesPerHour), now))
	}

	hourlyLoss, _ := m.HourlyPnL.Float64()
	if hourlyLoss < -c.limits.MaxHourlyLoss {
		triggered = append(triggered, c.emit(types.DailyLossLimitBreach, m.Symbol, hourlyLoss, -c.limits.MaxHourlyLoss, now))
	}
	dailyLoss, _ := m.DailyPnL.Float64()
	if dailyLoss < -c.limits.MaxDailyLoss {
		e := c.emit(types.DailyLossLimitBreach, m.Symbol, dailyLoss, -c.limits.MaxDailyLoss, now)
		triggered = append(triggered, e)
		c.triggerEmergency(ctx, m.Symbol, "daily loss limit breached")
	}

	_, curDD, _ := c.DrawdownSnapshot()
	if c.maxDrawdownLimit > 0 && curDD > c.maxDrawdownLimit {
		triggered = append(triggered, c.emit(types.DrawdownLimitBreach, m.Symbol, curDD, c.maxDrawdownLimit, now))
		c.triggerEmergency(ctx, m.Symbol, "max drawdown limit breached")
	}

	return triggered
}

func (c *Controller) emit(kind types.RiskEventKind, symbol string, value, threshold float64, at time.Time) types.RiskEvent {
	evt := types.RiskEvent{Kind: kind, Symbol: symbol, Value: value, Threshold: threshold, At: at}
	c.eventsMu.Lock()
	c.events = append(c.events, evt)
	cutoff := at.Add(-24 * time.Hour)
	kept := c.events[:0]
	for _, e := range c.events {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	c.events = kept
	c.eventsMu.Unlock()

	c.logger.Warn("risk event", "kind", kind, "symbol", symbol, "value", value, "threshold", threshold)
	return evt
}

// Events returns every Risk Event emitted in the last 24 hours.
func (c *Controller) Events() []types.RiskEvent {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	out := make([]types.RiskEvent, len(c.events))
	copy(out, c.events)
	return out
}

// triggerEmergency sets the persistent emergency-mode flag and, if
// configured, executes the emergency de-risking actions. Emergency mode
// forces ApproveNewPosition to return false until ClearEmergency is called.
func (c *Controller) triggerEmergency(ctx context.Context, symbol, reason string) {
	c.mu.Lock()
	alreadyActive := c.emergencyMode
	c.emergencyMode = true
	c.mu.Unlock()

	c.logger.Error("emergency mode engaged", "symbol", symbol, "reason", reason)
	if alreadyActive || c.actions == nil {
		return
	}

	if c.control.AutoReducePosition {
		ratio := c.control.PositionReductionRatio
		if ratio <= 0 {
			ratio = 0.5
		}
		if err := c.actions.ReducePosition(ctx, symbol, ratio); err != nil {
			c.logger.Error("emergency position reduction failed", "symbol", symbol, "error", err)
		}
	}
	if c.control.AutoAdjustLeverage {
		if err := c.actions.HalveLeverage(ctx, symbol); err != nil {
			c.logger.Error("emergency leverage reduction failed", "symbol", symbol, "error", err)
		}
	}
}

// IsEmergencyActive reports whether the persistent emergency-mode flag is
// set.
func (c *Controller) IsEmergencyActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emergencyMode
}

// ClearEmergency is the operator-only escape hatch that resets emergency
// mode, re-enabling ApproveNewPosition.
func (c *Controller) ClearEmergency() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emergencyMode = false
	c.logger.Info("emergency mode cleared by operator")
}
