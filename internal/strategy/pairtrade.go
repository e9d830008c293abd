// Package strategy implements the funding-rate-arbitrage control loop: a
// fixed-cadence tick that selects, validates, sizes, and executes spot +
// perpetual-futures pair trades around funding settlement, then monitors
// and rebalances every open pair.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/internal/market"
	"fundingarb/internal/risk"
	"fundingarb/pkg/types"
)

const (
	minNotionalUSD  = 100
	minSizeFraction = 0.1 // floor for repeated market-impact halving
)

// PositionSource is the narrow Position Manager surface the engine needs.
type PositionSource interface {
	Open(ctx context.Context, symbol string, size decimal.Decimal, side types.Side, isSpot bool) (string, error)
	Close(ctx context.Context, symbol string) error
	Adjust(ctx context.Context, symbol string, targetSize decimal.Decimal, isSpot bool) error
	Imbalance(symbol string) decimal.Decimal
	PairSnapshot(symbol string) types.PairState
	SpotRecord(symbol string) (types.PositionRecord, bool)
	FuturesRecord(symbol string) (types.PositionRecord, bool)
}

// OrderSource lets the engine wait out and cancel an individual leg fill,
// the operations TWAP slice execution needs beyond order submission.
type OrderSource interface {
	WaitForFill(ctx context.Context, orderID string, timeout time.Duration) (types.OrderRecord, error)
	Cancel(ctx context.Context, symbol, orderID string) error
}

// RiskSource is the narrow Risk Controller surface the engine needs.
type RiskSource interface {
	ApproveNewPosition(req risk.ApprovalRequest) bool
}

// DepthSource supplies order-book depth and account balance for sizing and
// validation.
type DepthSource interface {
	GetOrderBookDepth(ctx context.Context, symbol string, isSpot bool) ([]types.PriceLevel, []types.PriceLevel, error)
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// EventSink receives pair lifecycle notifications for external observers
// (the Monitor's dashboard). A nil sink is valid; the engine works without
// one.
type EventSink interface {
	PairOpened(symbol string, spotSize, futuresSize, entryBasis float64)
	PairClosed(symbol, reason string, entryBasis, exitBasis float64)
}

// Engine runs the fixed-cadence funding-arbitrage tick.
type Engine struct {
	cfg    config.FundingArbitrageConfig
	cache  *market.Cache
	scan   *market.Scanner
	pos    PositionSource
	orders OrderSource
	riskC  RiskSource
	depth  DepthSource
	impact *ImpactTracker
	logger *slog.Logger
	events EventSink

	stateMu sync.Mutex
	pairs   map[string]types.PairState // engine-tracked open-pair bookkeeping
}

// SetEventSink wires an observer to receive pair-opened/pair-closed
// notifications. Intended to be called once at startup by the orchestrator
// wiring the Monitor.
func (e *Engine) SetEventSink(sink EventSink) {
	e.events = sink
}

// OpenPairs returns a defensive copy of the engine's open-pair bookkeeping,
// for dashboard snapshots and store persistence.
func (e *Engine) OpenPairs() map[string]types.PairState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	out := make(map[string]types.PairState, len(e.pairs))
	for k, v := range e.pairs {
		out[k] = v
	}
	return out
}

// RestorePairs replaces the engine's open-pair bookkeeping with
// previously-persisted state, for startup restore before the first tick.
func (e *Engine) RestorePairs(pairs map[string]types.PairState) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	for k, v := range pairs {
		e.pairs[k] = v
	}
}

// NewEngine creates a Strategy Engine.
func NewEngine(cfg config.FundingArbitrageConfig, cache *market.Cache, scan *market.Scanner, pos PositionSource, orders OrderSource, riskC RiskSource, depth DepthSource, impact *ImpactTracker, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		cache:  cache,
		scan:   scan,
		pos:    pos,
		orders: orders,
		riskC:  riskC,
		depth:  depth,
		impact: impact,
		logger: logger.With("component", "strategy_engine"),
		pairs:  make(map[string]types.PairState),
	}
}

// Run executes one tick every cfg.TickInterval until ctx is cancelled.
// Exceptions during a tick are logged, the tick is abandoned, and a fixed
// 5s backoff is applied before the next tick fires.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				e.logger.Error("tick failed, backing off", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}
	}
}

// tick refreshes market state, opens pair trades for top-ranked instruments
// entering their pre-funding window, then monitors/closes/rebalances every
// currently open pair — regardless of whether it is still top-ranked, since
// a pair's |funding_rate| routinely drops out of top_n right after the
// settlement it was opened to collect.
func (e *Engine) tick(ctx context.Context) error {
	snapshots, err := e.scan.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	for _, snap := range snapshots {
		e.cache.Put(snap)
		e.impact.RecordPrice(snap.Symbol, snap.SpotPrice)
	}

	ranked := market.RankByFundingRate(snapshots, e.cfg.TopNInstruments)
	now := time.Now()

	for _, snap := range ranked {
		if snap.InWindow(now, time.Duration(e.cfg.PreFundingMinutes)*time.Minute) {
			if err := e.tryOpenPair(ctx, snap); err != nil {
				e.logger.Warn("open pair failed", "symbol", snap.Symbol, "error", err)
			}
		}
	}

	e.stateMu.Lock()
	openSymbols := make([]string, 0, len(e.pairs))
	for symbol := range e.pairs {
		openSymbols = append(openSymbols, symbol)
	}
	e.stateMu.Unlock()

	for _, symbol := range openSymbols {
		snap, ok := e.cache.Get(symbol)
		if !ok {
			e.logger.Warn("no cached snapshot for open pair, skipping monitor", "symbol", symbol)
			continue
		}
		if err := e.monitorAndClose(ctx, snap); err != nil {
			e.logger.Warn("monitor/close failed", "symbol", symbol, "error", err)
		}
		if err := e.rebalance(ctx, symbol); err != nil {
			e.logger.Warn("rebalance failed", "symbol", symbol, "error", err)
		}
	}
	return nil
}

// validateInstrument runs the six conjunctive checks from §4.5.
func (e *Engine) validateInstrument(ctx context.Context, snap types.InstrumentSnapshot) (bool, error) {
	if snap.FundingRate.Abs().LessThan(decimal.NewFromFloat(e.cfg.MinFundingRate)) {
		return false, nil
	}
	if snap.Basis().Abs().LessThan(decimal.NewFromFloat(e.cfg.MinBasisRatio)) {
		return false, nil
	}
	if snap.SpotPrice.IsZero() {
		return false, nil
	}
	spreadRatio, _ := snap.Spread().Div(snap.SpotPrice).Float64()
	if spreadRatio > e.cfg.MaxSpreadRatio {
		return false, nil
	}
	if snap.Volume24h < e.cfg.MinVolumeUSD {
		return false, nil
	}

	targetNotional := decimal.NewFromFloat(e.cfg.PositionSizeUSD)
	bids, asks, err := e.depth.GetOrderBookDepth(ctx, snap.Symbol, false)
	if err != nil {
		return false, fmt.Errorf("order book depth: %w", err)
	}
	if depthNotional(bids).LessThan(targetNotional.Mul(decimal.NewFromInt(3))) &&
		depthNotional(asks).LessThan(targetNotional.Mul(decimal.NewFromInt(3))) {
		return false, nil
	}

	meanTrade := e.impact.MeanTradeSize(snap.Symbol)
	if !meanTrade.IsZero() {
		proposedSize := targetNotional.Div(snap.SpotPrice)
		if proposedSize.GreaterThan(meanTrade.Mul(decimal.NewFromInt(3))) {
			return false, nil
		}
	}

	return true, nil
}

// depthNotional sums price*qty across book levels.
func depthNotional(levels []types.PriceLevel) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Price.Mul(l.Qty))
	}
	return total
}

// sizePosition computes the base size, clamps it to liquidity and
// per-symbol exposure constraints, and halves repeatedly if the proposed
// notional still implies excess market impact, down to a 10% floor or
// zero below the minimum notional.
func (e *Engine) sizePosition(ctx context.Context, snap types.InstrumentSnapshot, totalEquity decimal.Decimal) (decimal.Decimal, error) {
	base := decimal.NewFromFloat(e.cfg.PositionSizeUSD).Div(snap.SpotPrice)

	bids, asks, err := e.depth.GetOrderBookDepth(ctx, snap.Symbol, false)
	if err != nil {
		return decimal.Zero, fmt.Errorf("order book depth: %w", err)
	}
	liquidityMax := decimal.Min(sumQty(bids), sumQty(asks))
	if liquidityMax.GreaterThan(decimal.Zero) && base.GreaterThan(liquidityMax) {
		base = liquidityMax
	}

	symbolCap := decimal.NewFromFloat(e.cfg.MaxPositionPerSymbol).Mul(totalEquity).Div(snap.SpotPrice)
	if symbolCap.GreaterThan(decimal.Zero) && base.GreaterThan(symbolCap) {
		base = symbolCap
	}

	meanTrade := e.impact.MeanTradeSize(snap.Symbol)
	size := base
	floor := base.Mul(decimal.NewFromFloat(minSizeFraction))
	for !meanTrade.IsZero() && size.GreaterThan(meanTrade.Mul(decimal.NewFromInt(3))) {
		size = size.Div(decimal.NewFromInt(2))
		if size.LessThanOrEqual(floor) {
			size = floor
			break
		}
	}

	notional := size.Mul(snap.SpotPrice)
	if notional.LessThan(decimal.NewFromInt(minNotionalUSD)) {
		return decimal.Zero, nil
	}
	return size, nil
}

func sumQty(levels []types.PriceLevel) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Qty)
	}
	return total
}

// tryOpenPair validates, sizes, and executes a new pair trade for snap if
// no pair is already open on its symbol.
func (e *Engine) tryOpenPair(ctx context.Context, snap types.InstrumentSnapshot) error {
	e.stateMu.Lock()
	_, alreadyOpen := e.pairs[snap.Symbol]
	e.stateMu.Unlock()
	if alreadyOpen {
		return nil
	}

	ok, err := e.validateInstrument(ctx, snap)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	totalEquity, err := e.depth.GetBalance(ctx, "USDT")
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}

	size, err := e.sizePosition(ctx, snap, totalEquity)
	if err != nil {
		return err
	}
	if size.IsZero() {
		return nil
	}

	estimatedProfit := snap.Basis().Abs().Mul(size).Mul(snap.SpotPrice)
	fees := decimal.NewFromFloat(2 * e.cfg.TradingFee).Mul(size).Mul(snap.SpotPrice)
	if estimatedProfit.LessThanOrEqual(fees) {
		return nil
	}

	approved := e.riskC.ApproveNewPosition(risk.ApprovalRequest{
		Symbol:           snap.Symbol,
		Size:             size.Mul(snap.SpotPrice),
		FundingRate:      snap.FundingRate,
		RequiredMargin:   size.Mul(snap.SpotPrice),
		AvailableBalance: totalEquity,
	})
	if !approved {
		e.logger.Info("pair trade rejected by risk controller", "symbol", snap.Symbol)
		return nil
	}

	return e.executePairTrade(ctx, snap, size)
}

// executePairTrade determines leg direction from the futures/spot price
// comparison, then TWAP-slices both legs, placing each slice's spot and
// futures orders concurrently.
func (e *Engine) executePairTrade(ctx context.Context, snap types.InstrumentSnapshot, size decimal.Decimal) error {
	futuresSide := types.Sell
	spotSide := types.Buy
	if snap.FuturesPrice.LessThan(snap.SpotPrice) {
		futuresSide = types.Buy
		spotSide = types.Sell
	}

	if err := e.executeTWAP(ctx, snap.Symbol, spotSide, futuresSide, size); err != nil {
		return err
	}

	e.stateMu.Lock()
	e.pairs[snap.Symbol] = types.PairState{
		Symbol:            snap.Symbol,
		EntryBasis:        snap.Basis(),
		OpenedAt:          time.Now(),
		TargetFundingTime: snap.NextFundingTime,
	}
	e.stateMu.Unlock()

	if e.events != nil {
		signedSize, _ := size.Float64()
		spotSize, futuresSize := signedSize, -signedSize
		if spotSide == types.Sell {
			spotSize = -spotSize
			futuresSize = -futuresSize
		}
		entryBasis, _ := snap.Basis().Float64()
		e.events.PairOpened(snap.Symbol, spotSize, futuresSize, entryBasis)
	}
	return nil
}

const defaultExecutionTimeout = 30 * time.Second

// executeTWAP splits size into cfg.TWAPIntervals slices, placing one every
// 2s. Each slice places its spot and futures orders concurrently and waits
// for both to fill, subject to cfg.ExecutionTimeoutSeconds. Prior slices'
// fills are preserved if a later slice fails; no rollback is attempted.
func (e *Engine) executeTWAP(ctx context.Context, symbol string, spotSide, futuresSide types.Side, size decimal.Decimal) error {
	intervals := e.cfg.TWAPIntervals
	if !e.cfg.UseTWAP || intervals <= 1 {
		intervals = 1
	}
	sliceSize := size.Div(decimal.NewFromInt(int64(intervals)))

	timeout := time.Duration(e.cfg.ExecutionTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultExecutionTimeout
	}

	for i := 0; i < intervals; i++ {
		if err := e.executeSliceConcurrently(ctx, symbol, spotSide, futuresSide, sliceSize, timeout); err != nil {
			return fmt.Errorf("slice %d/%d: %w", i+1, intervals, err)
		}
		e.impact.RecordTrade(symbol, sliceSize)
		if i < intervals-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
	return nil
}

// legOutcome is one leg's result from a concurrent slice execution.
type legOutcome struct {
	isSpot  bool
	orderID string
	err     error
}

// executeSliceConcurrently places one slice's spot and futures orders at
// the same time and waits for both fills, each bounded by timeout. If
// either leg fails to place or fill in time, the other leg's order (if
// still outstanding) is cancelled and rebalance is invoked to flatten
// whatever partial fill resulted, so the pair never carries an unbounded
// one-sided exposure.
func (e *Engine) executeSliceConcurrently(ctx context.Context, symbol string, spotSide, futuresSide types.Side, size decimal.Decimal, timeout time.Duration) error {
	run := func(side types.Side, isSpot bool) legOutcome {
		orderID, err := e.pos.Open(ctx, symbol, size, side, isSpot)
		if err != nil {
			return legOutcome{isSpot: isSpot, err: fmt.Errorf("place order: %w", err)}
		}
		if _, err := e.orders.WaitForFill(ctx, orderID, timeout); err != nil {
			return legOutcome{isSpot: isSpot, orderID: orderID, err: fmt.Errorf("wait for fill: %w", err)}
		}
		return legOutcome{isSpot: isSpot, orderID: orderID}
	}

	outcomes := make([]legOutcome, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); outcomes[0] = run(spotSide, true) }()
	go func() { defer wg.Done(); outcomes[1] = run(futuresSide, false) }()
	wg.Wait()

	spotOutcome, futuresOutcome := outcomes[0], outcomes[1]
	if spotOutcome.err == nil && futuresOutcome.err == nil {
		return nil
	}

	for _, o := range outcomes {
		if o.err != nil && o.orderID != "" {
			if cancelErr := e.orders.Cancel(ctx, symbol, o.orderID); cancelErr != nil {
				e.logger.Warn("cancel timed-out leg failed", "symbol", symbol, "spot", o.isSpot, "error", cancelErr)
			}
		}
	}
	if rebalanceErr := e.rebalance(ctx, symbol); rebalanceErr != nil {
		e.logger.Warn("rebalance after asymmetric leg timeout failed", "symbol", symbol, "error", rebalanceErr)
	}

	if spotOutcome.err != nil {
		return spotOutcome.err
	}
	return futuresOutcome.err
}

// monitorAndClose closes an open pair once the funding settlement it was
// opened to collect has passed, or once its combined unrealized PnL clears
// the configured profit-take or stop-loss ratio of position_size_usd.
func (e *Engine) monitorAndClose(ctx context.Context, snap types.InstrumentSnapshot) error {
	e.stateMu.Lock()
	pair, ok := e.pairs[snap.Symbol]
	e.stateMu.Unlock()
	if !ok {
		return nil
	}

	now := time.Now()
	fundingSettled := !pair.TargetFundingTime.IsZero() && now.After(pair.TargetFundingTime)

	spot, _ := e.pos.SpotRecord(snap.Symbol)
	futures, _ := e.pos.FuturesRecord(snap.Symbol)
	unrealized := spot.UnrealizedPnL.Add(futures.UnrealizedPnL)

	positionSize := decimal.NewFromFloat(e.cfg.PositionSizeUSD)
	var pnlRatio float64
	if !positionSize.IsZero() {
		pnlRatio, _ = unrealized.Div(positionSize).Float64()
	}

	profitTake := pnlRatio >= e.cfg.ProfitTakeRatio
	stopLoss := pnlRatio <= -e.cfg.StopLossRatio

	if fundingSettled || profitTake || stopLoss {
		if err := e.pos.Close(ctx, snap.Symbol); err != nil {
			return fmt.Errorf("close %s: %w", snap.Symbol, err)
		}
		e.stateMu.Lock()
		delete(e.pairs, snap.Symbol)
		e.stateMu.Unlock()

		if e.events != nil {
			reason := "funding_settled"
			if stopLoss {
				reason = "stop_loss"
			} else if profitTake {
				reason = "profit_take"
			}
			entryBasis, _ := pair.EntryBasis.Float64()
			exitBasis, _ := snap.Basis().Float64()
			e.events.PairClosed(snap.Symbol, reason, entryBasis, exitBasis)
		}
	}
	return nil
}

// rebalance issues a single reduce/increase order for half the imbalance
// on the over-weighted side when a pair's |spot+futures| exceeds the
// configured tolerance. It does not itself trigger further rebalancing.
func (e *Engine) rebalance(ctx context.Context, symbol string) error {
	imbalance := e.pos.Imbalance(symbol)
	tolerance := decimal.NewFromFloat(e.cfg.PositionImbalanceTol)
	if imbalance.LessThanOrEqual(tolerance) {
		return nil
	}

	state := e.pos.PairSnapshot(symbol)
	half := imbalance.Div(decimal.NewFromInt(2))

	if state.SpotSize.Abs().GreaterThan(state.FuturesSize.Abs()) {
		target := state.SpotSize.Sub(sign(state.SpotSize).Mul(half))
		return e.pos.Adjust(ctx, symbol, target, true)
	}
	target := state.FuturesSize.Sub(sign(state.FuturesSize).Mul(half))
	return e.pos.Adjust(ctx, symbol, target, false)
}

func sign(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}
