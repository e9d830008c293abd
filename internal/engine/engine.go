// Package engine wires the Exchange Adapter, Market Scanner, Order
// Manager, Position Manager, Risk Controller, Strategy Engine, and Monitor
// into one runnable system, restoring persisted pair/drawdown state before
// the first tick and persisting it again once a minute and on shutdown.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/internal/exchange"
	"fundingarb/internal/market"
	"fundingarb/internal/monitor"
	"fundingarb/internal/order"
	"fundingarb/internal/position"
	"fundingarb/internal/ratelimit"
	"fundingarb/internal/risk"
	"fundingarb/internal/store"
	"fundingarb/internal/strategy"
	"fundingarb/pkg/types"
)

// Engine is the top-level orchestrator. It implements monitor.Provider as
// a read-only view over its own components, so the Monitor never holds a
// reference capable of mutating trading state.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	client   *exchange.Client
	streamC  *exchange.Stream
	cache    *market.Cache
	scanner  *market.Scanner
	orders   *order.Manager
	posMgr   *position.Manager
	riskC    *risk.Controller
	strategy *strategy.Engine
	impact   *strategy.ImpactTracker
	st       *store.Store

	dashboardEvents chan monitor.DashboardEvent

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires every component from cfg. dataDir must already exist or be
// creatable; see store.Open.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	limiter := ratelimit.NewLimiter(cfg.API.Binance.RateLimit.RequestsPerSecond, cfg.API.Binance.RateLimit.OrdersPerSecond)
	client := exchange.NewClient(*cfg, limiter, logger)

	cache := market.NewCache()
	scanner := market.NewScanner(client, logger)

	slippage := decimal.NewFromFloat(cfg.Strategy.FundingArbitrage.MaxSlippage)
	orders := order.NewManager(client, slippage, cfg.Strategy.FundingArbitrage.UsePostOnly, logger)
	posMgr := position.NewManager(orders, client, logger)

	riskC := risk.NewController(cfg.Risk.Limits, cfg.Risk.Control, cfg.Strategy.FundingArbitrage.MaxDrawdown, posMgr, logger)

	impactWindow := time.Duration(cfg.Strategy.FundingArbitrage.MinMarketImpactMinutes) * time.Minute
	if impactWindow <= 0 {
		impactWindow = time.Hour
	}
	impact := strategy.NewImpactTracker(impactWindow, 5*time.Minute)

	strat := strategy.NewEngine(cfg.Strategy.FundingArbitrage, cache, scanner, posMgr, orders, riskC, client, impact, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	streamC := exchange.NewStream(
		cfg.API.Binance.WebSocket.URL,
		time.Duration(cfg.API.Binance.WebSocket.PingIntervalSec)*time.Second,
		time.Duration(cfg.API.Binance.WebSocket.PongTimeoutSec)*time.Second,
		logger,
	)
	streamC.AddSubscriber(orders)
	streamC.AddSubscriber(posMgr)

	e := &Engine{
		cfg:             cfg,
		logger:          logger.With("component", "engine"),
		client:          client,
		streamC:         streamC,
		cache:           cache,
		scanner:         scanner,
		orders:          orders,
		posMgr:          posMgr,
		riskC:           riskC,
		strategy:        strat,
		impact:          impact,
		st:              st,
		dashboardEvents: make(chan monitor.DashboardEvent, 256),
	}
	strat.SetEventSink(e)
	return e, nil
}

// Start restores persisted state, then launches the stream receiver, the
// strategy tick loop, and the periodic risk-evaluation loop. It returns
// once every goroutine has been launched; it does not block.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.restore(); err != nil {
		e.logger.Error("restore from store failed, continuing with empty state", "error", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.streamC.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("stream run exited", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.strategy.Run(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.riskLoop(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.persistLoop(ctx)
	}()

	return nil
}

// Stop cancels every engine goroutine, waits for them to exit, persists
// final state, and closes the store.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.persist()
	close(e.dashboardEvents)
	return e.st.Close()
}

// restore loads persisted pair state and the hourly-PnL series before the
// first tick, per §4.10.
func (e *Engine) restore() error {
	symbols, err := e.st.ListPairSymbols()
	if err != nil {
		return fmt.Errorf("list persisted pair symbols: %w", err)
	}
	for _, symbol := range symbols {
		pair, err := e.st.LoadPairState(symbol)
		if err != nil {
			return fmt.Errorf("load pair state %s: %w", symbol, err)
		}
		if pair != nil {
			e.strategy.RestorePairs(map[string]types.PairState{symbol: *pair})
		}
	}

	series, err := e.st.LoadHourlyPnL()
	if err != nil {
		return fmt.Errorf("load hourly pnl: %w", err)
	}
	e.riskC.RestoreHourlySeries(series)
	return nil
}

// persist writes every open pair's state and the hourly-PnL series to the
// store.
func (e *Engine) persist() {
	for symbol, pair := range e.strategy.OpenPairs() {
		if err := e.st.SavePairState(symbol, pair); err != nil {
			e.logger.Error("persist pair state failed", "symbol", symbol, "error", err)
		}
	}
	if err := e.st.SaveHourlyPnL(e.riskC.HourlySeries()); err != nil {
		e.logger.Error("persist hourly pnl failed", "error", err)
	}
}

// persistLoop periodically flushes state to the store, so a crash between
// ticks loses at most one interval of bookkeeping.
func (e *Engine) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.persist()
		}
	}
}

// riskLoop recomputes risk metrics once per tick interval for every symbol
// with an open pair, feeding the Risk Controller's continuous monitoring.
func (e *Engine) riskLoop(ctx context.Context) {
	interval := e.cfg.Strategy.FundingArbitrage.TickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluateRisk(ctx)
		}
	}
}

func (e *Engine) evaluateRisk(ctx context.Context) {
	for symbol := range e.strategy.OpenPairs() {
		snap, ok := e.cache.Get(symbol)
		if !ok {
			continue
		}
		imbalance := e.posMgr.Imbalance(symbol)
		events := e.riskC.Evaluate(ctx, risk.MetricsInput{
			Symbol:       symbol,
			PositionSize: imbalance.Mul(snap.SpotPrice),
			FundingRate:  snap.FundingRate,
			Volatility:   e.impact.Volatility(symbol),
		})
		for _, evt := range events {
			e.pushEvent(monitor.NewRiskEvent(string(evt.Kind), evt.Symbol, evt.Value, evt.Threshold))
		}
		e.refreshMetrics(symbol)
	}
}

// refreshMetrics pushes one symbol's current position size and unrealized
// PnL to the Prometheus gauges.
func (e *Engine) refreshMetrics(symbol string) {
	spot, _ := e.posMgr.SpotRecord(symbol)
	futures, _ := e.posMgr.FuturesRecord(symbol)
	notional, _ := spot.Size.Mul(spot.MarkPrice).Abs().Float64()
	unrealized, _ := spot.UnrealizedPnL.Add(futures.UnrealizedPnL).Float64()
	monitor.SetPositionSize(symbol, notional)
	monitor.SetUnrealizedPnL(symbol, unrealized)
}

// PairOpened implements strategy.EventSink.
func (e *Engine) PairOpened(symbol string, spotSize, futuresSize, entryBasis float64) {
	monitor.AddTotalTrades(2) // one fill per leg
	e.pushEvent(monitor.NewPairOpenedEvent(symbol, spotSize, futuresSize, entryBasis))
}

// PairClosed implements strategy.EventSink.
func (e *Engine) PairClosed(symbol, reason string, entryBasis, exitBasis float64) {
	if err := e.st.DeletePairState(symbol); err != nil {
		e.logger.Error("delete persisted pair state failed", "symbol", symbol, "error", err)
	}
	monitor.ClearPosition(symbol)
	spot, _ := e.posMgr.SpotRecord(symbol)
	futures, _ := e.posMgr.FuturesRecord(symbol)
	realized, _ := spot.RealizedPnL.Add(futures.RealizedPnL).Float64()
	e.pushEvent(monitor.NewPairClosedEvent(symbol, reason, entryBasis, exitBasis, realized))
}

func (e *Engine) pushEvent(evt monitor.DashboardEvent) {
	select {
	case e.dashboardEvents <- evt:
	default:
		e.logger.Warn("dashboard event channel full, dropping event", "type", evt.Type)
	}
}

// PairStatuses implements monitor.Provider.
func (e *Engine) PairStatuses() []monitor.PairStatus {
	pairs := e.strategy.OpenPairs()
	symbols := e.posMgr.AllSymbols()
	seen := make(map[string]bool, len(symbols))
	statuses := make([]monitor.PairStatus, 0, len(symbols))

	for _, symbol := range symbols {
		seen[symbol] = true
		statuses = append(statuses, e.buildPairStatus(symbol, pairs[symbol]))
	}
	for symbol, pair := range pairs {
		if !seen[symbol] {
			statuses = append(statuses, e.buildPairStatus(symbol, pair))
		}
	}
	return statuses
}

func (e *Engine) buildPairStatus(symbol string, pair types.PairState) monitor.PairStatus {
	spot, spotOK := e.posMgr.SpotRecord(symbol)
	futures, futOK := e.posMgr.FuturesRecord(symbol)
	snap, _ := e.cache.Get(symbol)

	entryBasis, _ := pair.EntryBasis.Float64()
	currentBasis, _ := snap.Basis().Float64()
	fundingRate, _ := snap.FundingRate.Float64()
	imbalance, _ := e.posMgr.Imbalance(symbol).Float64()

	return monitor.PairStatus{
		Symbol:            symbol,
		Open:              spotOK && futOK && !pair.OpenedAt.IsZero(),
		Spot:              toLegStatus(spot),
		Futures:           toLegStatus(futures),
		EntryBasis:        entryBasis,
		CurrentBasis:      currentBasis,
		FundingRate:       fundingRate,
		NextFundingTime:   snap.NextFundingTime,
		TargetFundingTime: pair.TargetFundingTime,
		OpenedAt:          pair.OpenedAt,
		Imbalance:         imbalance,
	}
}

func toLegStatus(r types.PositionRecord) monitor.LegStatus {
	size, _ := r.Size.Float64()
	entry, _ := r.EntryPrice.Float64()
	mark, _ := r.MarkPrice.Float64()
	unrealized, _ := r.UnrealizedPnL.Float64()
	realized, _ := r.RealizedPnL.Float64()
	return monitor.LegStatus{
		Size:          size,
		EntryPrice:    entry,
		MarkPrice:     mark,
		UnrealizedPnL: unrealized,
		RealizedPnL:   realized,
		Leverage:      r.Leverage,
	}
}

// RiskSnapshot implements monitor.Provider.
func (e *Engine) RiskSnapshot() monitor.RiskSnapshot {
	peak, curDD, maxDD := e.riskC.DrawdownSnapshot()
	peakF, _ := peak.Float64()

	events := e.riskC.Events()
	recent := make([]monitor.RiskEventInfo, 0, len(events))
	for _, evt := range events {
		recent = append(recent, monitor.RiskEventInfo{
			Kind:      string(evt.Kind),
			Symbol:    evt.Symbol,
			Value:     evt.Value,
			Threshold: evt.Threshold,
			At:        evt.At,
		})
	}

	return monitor.RiskSnapshot{
		EmergencyActive: e.riskC.IsEmergencyActive(),
		PeakEquity:      peakF,
		CurrentDrawdown: curDD,
		MaxDrawdown:     maxDD,
		MaxDrawdownGate: e.cfg.Strategy.FundingArbitrage.MaxDrawdown,
		RecentEvents:    recent,
	}
}

// DashboardEvents implements monitor.Provider.
func (e *Engine) DashboardEvents() <-chan monitor.DashboardEvent {
	return e.dashboardEvents
}
