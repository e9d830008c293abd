// Package order implements the Order Manager: request validation,
// slippage-adjusted pricing, placement through the rate-limited Exchange
// Adapter, fill tracking via streamed order-update events, and
// terminal-state eviction from the active-orders index.
package order

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

// Adapter is the narrow Exchange Adapter surface the Order Manager needs.
type Adapter interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (types.OrderRecord, error)
}

// Manager places and tracks orders. It caches active (non-terminal)
// records in memory, keyed by order id, and updates them in place as
// ORDER_UPDATE stream events arrive.
type Manager struct {
	adapter Adapter
	logger  *slog.Logger

	slippage   decimal.Decimal
	usePostOnly bool

	mu     sync.Mutex
	active map[string]types.OrderRecord // orderID -> record, non-terminal only

	waitersMu sync.Mutex
	waiters   map[string][]chan types.OrderRecord // orderID -> channels notified on terminal update
}

// NewManager creates an Order Manager. slippage is the deviation
// threshold (default 0.001) applied to non-market reference prices.
func NewManager(adapter Adapter, slippage decimal.Decimal, usePostOnly bool, logger *slog.Logger) *Manager {
	return &Manager{
		adapter:     adapter,
		logger:      logger.With("component", "order_manager"),
		slippage:    slippage,
		usePostOnly: usePostOnly,
		active:      make(map[string]types.OrderRecord),
		waiters:     make(map[string][]chan types.OrderRecord),
	}
}

// Place validates req, applies slippage pricing and the post-only
// promotion, places the order through the adapter, and caches the
// resulting record.
func (m *Manager) Place(ctx context.Context, req types.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	priced := m.applySlippage(req)

	orderID, err := m.adapter.PlaceOrder(ctx, priced)
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}

	record := types.OrderRecord{
		OrderRequest: priced,
		OrderID:      orderID,
		Status:       types.StatusNew,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	m.mu.Lock()
	m.active[orderID] = record
	m.mu.Unlock()

	m.logger.Info("order placed", "order_id", orderID, "symbol", req.Symbol, "side", req.Side, "qty", req.Quantity)
	return orderID, nil
}

// applySlippage computes the slippage-adjusted limit price for
// non-market orders and promotes LIMIT to POST_ONLY when configured.
func (m *Manager) applySlippage(req types.OrderRequest) types.OrderRequest {
	if req.Type == types.Market || req.Price.IsZero() {
		return req
	}

	adjusted := req
	one := decimal.NewFromInt(1)
	if req.Side == types.Buy {
		adjusted.Price = req.Price.Mul(one.Add(m.slippage))
	} else {
		adjusted.Price = req.Price.Mul(one.Sub(m.slippage))
	}

	if m.usePostOnly && req.Type == types.Limit {
		adjusted.Type = types.PostOnly
	}
	return adjusted
}

// Cancel transitions an active order to CANCELED.
func (m *Manager) Cancel(ctx context.Context, symbol, orderID string) error {
	if err := m.adapter.CancelOrder(ctx, symbol, orderID); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	m.applyUpdate(types.OrderRecord{OrderID: orderID, Status: types.StatusCanceled, UpdatedAt: time.Now()})
	return nil
}

// Status returns the cached record if present, else queries the adapter.
func (m *Manager) Status(ctx context.Context, symbol, orderID string) (types.OrderRecord, error) {
	m.mu.Lock()
	record, ok := m.active[orderID]
	m.mu.Unlock()
	if ok {
		return record, nil
	}
	return m.adapter.GetOrderStatus(ctx, symbol, orderID)
}

// WaitForFill blocks until orderID reaches FILLED or a terminal
// non-FILLED status, or timeout elapses.
func (m *Manager) WaitForFill(ctx context.Context, orderID string, timeout time.Duration) (types.OrderRecord, error) {
	m.mu.Lock()
	if record, ok := m.active[orderID]; ok && record.Status.Terminal() {
		m.mu.Unlock()
		return record, nil
	}
	m.mu.Unlock()

	ch := make(chan types.OrderRecord, 1)
	m.waitersMu.Lock()
	m.waiters[orderID] = append(m.waiters[orderID], ch)
	m.waitersMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case record := <-ch:
		return record, nil
	case <-timer.C:
		return types.OrderRecord{}, fmt.Errorf("wait for fill: timeout after %s for order %s", timeout, orderID)
	case <-ctx.Done():
		return types.OrderRecord{}, ctx.Err()
	}
}

// OnStreamEvent implements exchange.Subscriber. It only acts on
// ORDER_UPDATE events; every other kind is ignored.
func (m *Manager) OnStreamEvent(evt exchange.StreamEvent) {
	if evt.Kind != exchange.EventOrderUpdate {
		return
	}
	record, err := exchange.DecodeOrderUpdate(evt.Raw)
	if err != nil {
		m.logger.Warn("decode order update failed", "error", err)
		return
	}
	m.applyUpdate(record)
}

// applyUpdate merges an incoming record into the active index, validating
// the transition against the order status DAG, then evicts and notifies
// waiters if the new status is terminal.
func (m *Manager) applyUpdate(update types.OrderRecord) {
	m.mu.Lock()
	existing, ok := m.active[update.OrderID]
	if ok && !types.CanTransition(existing.Status, update.Status) && existing.Status != update.Status {
		m.mu.Unlock()
		m.logger.Warn("ignoring illegal order status transition",
			"order_id", update.OrderID, "from", existing.Status, "to", update.Status)
		return
	}

	merged := existing
	merged.OrderID = update.OrderID
	merged.Status = update.Status
	if !update.ExecutedQuantity.IsZero() {
		merged.ExecutedQuantity = update.ExecutedQuantity
	}
	if !update.AvgFillPrice.IsZero() {
		merged.AvgFillPrice = update.AvgFillPrice
	}
	merged.UpdatedAt = time.Now()

	if merged.Status.Terminal() {
		delete(m.active, update.OrderID)
	} else {
		m.active[update.OrderID] = merged
	}
	m.mu.Unlock()

	if merged.Status.Terminal() {
		m.notifyWaiters(update.OrderID, merged)
	}
}

func (m *Manager) notifyWaiters(orderID string, record types.OrderRecord) {
	m.waitersMu.Lock()
	chans := m.waiters[orderID]
	delete(m.waiters, orderID)
	m.waitersMu.Unlock()

	for _, ch := range chans {
		ch <- record
	}
}

// ActiveCount returns the number of non-terminal orders currently cached.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
