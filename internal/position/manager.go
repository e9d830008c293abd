// Package position implements the Position Manager: one spot leg and one
// futures leg per symbol, tracked with weighted-average-cost accounting and
// realized PnL taken on size reduction, refreshed from POSITION_UPDATE
// stream events and, when Reconcile is called, from the exchange's open
// positions. Nothing in this module calls Reconcile on a schedule.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
	"fundingarb/pkg/types"
)

// OrderPlacer is the narrow Order Manager surface Adjust/Close need.
type OrderPlacer interface {
	Place(ctx context.Context, req types.OrderRequest) (string, error)
}

// Adapter is the narrow Exchange Adapter surface used for leverage control
// and Reconcile's comparison against the exchange's own view.
type Adapter interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetOpenPositions(ctx context.Context) ([]types.PositionRecord, error)
}

// leg is the weighted-average-cost accounting state for one side (spot or
// futures) of one symbol.
type leg struct {
	size          decimal.Decimal
	avgEntryPrice decimal.Decimal
	realizedPnL   decimal.Decimal
	unrealizedPnL decimal.Decimal
	markPrice     decimal.Decimal
	leverage      int
	updatedAt     time.Time
}

func (l *leg) record(symbol string) types.PositionRecord {
	return types.PositionRecord{
		Symbol:        symbol,
		Size:          l.size,
		EntryPrice:    l.avgEntryPrice,
		MarkPrice:     l.markPrice,
		UnrealizedPnL: l.unrealizedPnL,
		RealizedPnL:   l.realizedPnL,
		Leverage:      l.leverage,
		UpdatedAt:     l.updatedAt,
	}
}

// Manager tracks the spot and futures leg of every open pair, keyed by
// symbol. Open places a new order on every call. Close and Adjust size
// their orders from the tracked leg at the time of the call, and that leg
// changes only when fills or position updates arrive, so a repeated call
// before then places another order.
type Manager struct {
	orders  OrderPlacer
	adapter Adapter
	logger  *slog.Logger

	mu      sync.RWMutex
	spot    map[string]*leg
	futures map[string]*leg
}

// NewManager creates a Position Manager.
func NewManager(orders OrderPlacer, adapter Adapter, logger *slog.Logger) *Manager {
	return &Manager{
		orders:  orders,
		adapter: adapter,
		logger:  logger.With("component", "position_manager"),
		spot:    make(map[string]*leg),
		futures: make(map[string]*leg),
	}
}

func (m *Manager) legMap(isSpot bool) map[string]*leg {
	if isSpot {
		return m.spot
	}
	return m.futures
}

func (m *Manager) legFor(isSpot bool, symbol string) *leg {
	lm := m.legMap(isSpot)
	l, ok := lm[symbol]
	if !ok {
		l = &leg{}
		lm[symbol] = l
	}
	return l
}

// OnFill applies a single execution to the weighted-average-cost state for
// one leg. A fill on the same side as the current position increases size
// and blends entry price; a fill against the current position reduces size
// and realizes PnL on the reduced quantity, generalizing the binary
// increase/reduce pattern to a signed single-instrument position.
func (m *Manager) OnFill(symbol string, isSpot bool, side types.Side, price, size decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.legFor(isSpot, symbol)
	signedDelta := size
	if side == types.Sell {
		signedDelta = size.Neg()
	}

	increasing := l.size.Sign() == 0 || l.size.Sign() == signedDelta.Sign()
	if increasing {
		totalCost := l.avgEntryPrice.Mul(l.size.Abs()).Add(price.Mul(size))
		l.size = l.size.Add(signedDelta)
		if !l.size.IsZero() {
			l.avgEntryPrice = totalCost.Div(l.size.Abs())
		}
	} else {
		reduceQty := decimal.Min(size, l.size.Abs())
		pnlPerUnit := price.Sub(l.avgEntryPrice)
		if l.size.Sign() < 0 {
			pnlPerUnit = l.avgEntryPrice.Sub(price)
		}
		l.realizedPnL = l.realizedPnL.Add(pnlPerUnit.Mul(reduceQty))
		l.size = l.size.Add(signedDelta)
		if l.size.IsZero() {
			l.avgEntryPrice = decimal.Zero
		}
	}
	l.updatedAt = time.Now()
}

// UpdateMarkToMarket recomputes unrealized PnL for one leg against a fresh
// mark price, without altering size or realized PnL.
func (m *Manager) UpdateMarkToMarket(symbol string, isSpot bool, markPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.legFor(isSpot, symbol)
	l.markPrice = markPrice
	l.unrealizedPnL = l.size.Mul(markPrice.Sub(l.avgEntryPrice))
}

// Open places an order that increases exposure on one leg. The resulting
// fill updates the cached leg once the stream delivers a POSITION_UPDATE;
// Open itself only submits the order.
func (m *Manager) Open(ctx context.Context, symbol string, size decimal.Decimal, side types.Side, isSpot bool) (string, error) {
	return m.orders.Place(ctx, types.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     types.Market,
		Quantity: size,
		IsSpot:   isSpot,
	})
}

// Close flattens both legs of symbol's pair with market orders, one per
// non-zero leg; the futures order is reduce-only, the spot order is not.
// It is a no-op for a leg already at zero.
func (m *Manager) Close(ctx context.Context, symbol string) error {
	for _, isSpot := range []bool{true, false} {
		m.mu.RLock()
		l, ok := m.legMap(isSpot)[symbol]
		m.mu.RUnlock()
		if !ok || l.size.IsZero() {
			continue
		}

		side := types.Sell
		if l.size.Sign() < 0 {
			side = types.Buy
		}
		_, err := m.orders.Place(ctx, types.OrderRequest{
			Symbol:     symbol,
			Side:       side,
			Type:       types.Market,
			Quantity:   l.size.Abs(),
			ReduceOnly: !isSpot,
			IsSpot:     isSpot,
		})
		if err != nil {
			return fmt.Errorf("close %s leg (spot=%v): %w", symbol, isSpot, err)
		}
	}
	return nil
}

// CloseAll flattens every symbol with a non-zero leg.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.RLock()
	symbols := make(map[string]bool)
	for s := range m.spot {
		symbols[s] = true
	}
	for s := range m.futures {
		symbols[s] = true
	}
	m.mu.RUnlock()

	for symbol := range symbols {
		if err := m.Close(ctx, symbol); err != nil {
			return err
		}
	}
	return nil
}

// Adjust moves one leg's size toward targetSize, placing a single
// reduce-only or increasing order for the delta. Calling Adjust again with
// the same targetSize after the first order has filled is a no-op.
func (m *Manager) Adjust(ctx context.Context, symbol string, targetSize decimal.Decimal, isSpot bool) error {
	m.mu.RLock()
	l := m.legMap(isSpot)[symbol]
	current := decimal.Zero
	if l != nil {
		current = l.size
	}
	m.mu.RUnlock()

	delta := targetSize.Sub(current)
	if delta.IsZero() {
		return nil
	}

	side := types.Buy
	if delta.Sign() < 0 {
		side = types.Sell
	}
	reduceOnly := !isSpot && delta.Abs().LessThanOrEqual(current.Abs()) && current.Sign() != 0 && current.Sign() != delta.Sign()

	_, err := m.orders.Place(ctx, types.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       types.Market,
		Quantity:   delta.Abs(),
		ReduceOnly: reduceOnly,
		IsSpot:     isSpot,
	})
	return err
}

// SetLeverage sets exchange-side leverage for symbol's futures leg and
// records it locally.
func (m *Manager) SetLeverage(ctx context.Context, symbol string, n int) error {
	if err := m.adapter.SetLeverage(ctx, symbol, n); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	m.mu.Lock()
	m.legFor(false, symbol).leverage = n
	m.mu.Unlock()
	return nil
}

// Imbalance returns |spot_size + futures_size| for symbol, the quantity
// Pair Rebalancing acts on.
func (m *Manager) Imbalance(symbol string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spotSize := decimal.Zero
	if l, ok := m.spot[symbol]; ok {
		spotSize = l.size
	}
	futuresSize := decimal.Zero
	if l, ok := m.futures[symbol]; ok {
		futuresSize = l.size
	}
	return spotSize.Add(futuresSize).Abs()
}

// PairSnapshot returns a PairState combining both legs' current size and
// entry price for symbol.
func (m *Manager) PairSnapshot(symbol string) types.PairState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := types.PairState{Symbol: symbol}
	if l, ok := m.spot[symbol]; ok {
		state.SpotSize = l.size
		state.EntryPrices.Spot = l.avgEntryPrice
	}
	if l, ok := m.futures[symbol]; ok {
		state.FuturesSize = l.size
		state.EntryPrices.Futures = l.avgEntryPrice
	}
	return state
}

// SpotRecord and FuturesRecord expose a leg's current PositionRecord view,
// used by the monitor and risk controller.
func (m *Manager) SpotRecord(symbol string) (types.PositionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.spot[symbol]
	if !ok {
		return types.PositionRecord{}, false
	}
	return l.record(symbol), true
}

func (m *Manager) FuturesRecord(symbol string) (types.PositionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.futures[symbol]
	if !ok {
		return types.PositionRecord{}, false
	}
	return l.record(symbol), true
}

// AllSymbols returns every symbol with a tracked leg, spot or futures.
func (m *Manager) AllSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for s := range m.spot {
		seen[s] = true
	}
	for s := range m.futures {
		seen[s] = true
	}
	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	return symbols
}

// OnStreamEvent implements exchange.Subscriber. A POSITION_UPDATE carries
// the exchange's authoritative post-fill view of one leg, so it replaces
// the cached leg's size and entry price rather than blending into it.
func (m *Manager) OnStreamEvent(evt exchange.StreamEvent) {
	if evt.Kind != exchange.EventPositionUpdate {
		return
	}
	record, isSpot, err := exchange.DecodePositionUpdate(evt.Raw)
	if err != nil {
		m.logger.Warn("decode position update failed", "error", err)
		return
	}

	m.mu.Lock()
	l := m.legFor(isSpot, record.Symbol)
	l.size = record.Size
	l.avgEntryPrice = record.EntryPrice
	l.markPrice = record.MarkPrice
	l.unrealizedPnL = record.UnrealizedPnL
	l.updatedAt = time.Now()
	m.mu.Unlock()
}

// ReducePosition cuts both legs of symbol's pair down by ratio (e.g. 0.5
// halves each leg), implementing risk.EmergencyActions for the Risk
// Controller's emergency de-risking sweep.
func (m *Manager) ReducePosition(ctx context.Context, symbol string, ratio float64) error {
	factor := decimal.NewFromFloat(1 - ratio)
	for _, isSpot := range []bool{true, false} {
		m.mu.RLock()
		l, ok := m.legMap(isSpot)[symbol]
		m.mu.RUnlock()
		if !ok || l.size.IsZero() {
			continue
		}
		target := l.size.Mul(factor)
		if err := m.Adjust(ctx, symbol, target, isSpot); err != nil {
			return fmt.Errorf("reduce %s leg (spot=%v): %w", symbol, isSpot, err)
		}
	}
	return nil
}

// HalveLeverage cuts symbol's futures leverage in half, implementing
// risk.EmergencyActions.
func (m *Manager) HalveLeverage(ctx context.Context, symbol string) error {
	m.mu.RLock()
	l, ok := m.futures[symbol]
	current := 0
	if ok {
		current = l.leverage
	}
	m.mu.RUnlock()
	if current <= 1 {
		return nil
	}
	return m.SetLeverage(ctx, symbol, current/2)
}

// Reconcile refreshes futures-leg state from the exchange's own open
// positions list, correcting drift from missed stream events.
func (m *Manager) Reconcile(ctx context.Context) error {
	records, err := m.adapter.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		l := m.legFor(false, r.Symbol)
		l.size = r.Size
		l.avgEntryPrice = r.EntryPrice
		l.markPrice = r.MarkPrice
		l.unrealizedPnL = r.UnrealizedPnL
		l.leverage = r.Leverage
		l.updatedAt = time.Now()
	}
	return nil
}
