// Package types holds the shared data model for the funding-rate
// arbitrage engine: instrument snapshots, order requests/records, position
// records, pair state, and risk metrics/events. Every other package in this
// module reads and writes these plain structs; none of them carry behavior
// beyond small enum helpers.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is one of the defined sides.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType is the execution style of an order.
type OrderType string

const (
	Market        OrderType = "MARKET"
	Limit         OrderType = "LIMIT"
	PostOnly      OrderType = "POST_ONLY"
	StopMarket    OrderType = "STOP_MARKET"
	StopLimit     OrderType = "STOP_LIMIT"
	TakeProfit    OrderType = "TAKE_PROFIT"
	LiquidationOT OrderType = "LIQUIDATION"
)

// TimeInForce controls how long an order rests on the book.
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
	GTX TimeInForce = "GTX" // post-only, Binance-style
)

// PositionSide distinguishes one-way vs. hedge-mode position legs.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionBoth  PositionSide = "BOTH"
)

// MarginType is the isolation mode of a futures position.
type MarginType string

const (
	Isolated MarginType = "ISOLATED"
	Cross    MarginType = "CROSS"
)

// OrderStatus is a node in the order lifecycle DAG.
//
//	NEW -> {PARTIALLY_FILLED, FILLED, CANCELED, REJECTED, EXPIRED}
//	PARTIALLY_FILLED -> {FILLED, CANCELED, PENDING_CANCEL}
//	terminal: {FILLED, CANCELED, REJECTED, EXPIRED}
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusPendingCancel   OrderStatus = "PENDING_CANCEL"
)

// Terminal reports whether the status is a DAG sink.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// validOrderTransitions enumerates the allowed DAG edges.
var validOrderTransitions = map[OrderStatus]map[OrderStatus]bool{
	StatusNew: {
		StatusPartiallyFilled: true,
		StatusFilled:          true,
		StatusCanceled:        true,
		StatusRejected:        true,
		StatusExpired:         true,
	},
	StatusPartiallyFilled: {
		StatusFilled:        true,
		StatusCanceled:      true,
		StatusPendingCancel: true,
	},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal edge
// in the order status DAG.
func CanTransition(from, to OrderStatus) bool {
	edges, ok := validOrderTransitions[from]
	return ok && edges[to]
}

// InstrumentSnapshot is a point-in-time view of a tradable symbol, built
// fresh each control tick and never mutated after construction.
type InstrumentSnapshot struct {
	Symbol          string
	SpotPrice       decimal.Decimal
	FuturesPrice    decimal.Decimal
	FundingRate     decimal.Decimal // signed fraction, |r| <= 0.0075 typically
	NextFundingTime time.Time
	Volume24h       float64
	BestBid         decimal.Decimal
	BestAsk         decimal.Decimal
	LiquidityScore  float64 // in [0,1]
	TakenAt         time.Time
}

// Basis returns (futures - spot) / spot. Zero spot price yields zero basis.
func (s InstrumentSnapshot) Basis() decimal.Decimal {
	if s.SpotPrice.IsZero() {
		return decimal.Zero
	}
	return s.FuturesPrice.Sub(s.SpotPrice).Div(s.SpotPrice)
}

// Spread returns BestAsk - BestBid.
func (s InstrumentSnapshot) Spread() decimal.Decimal {
	return s.BestAsk.Sub(s.BestBid)
}

// InWindow reports whether now falls within the pre-funding window of
// length preFundingWindow ending at NextFundingTime. The window is
// half-open on the far edge: exactly preFundingWindow before funding is in
// window, exactly at funding time is not.
func (s InstrumentSnapshot) InWindow(now time.Time, preFundingWindow time.Duration) bool {
	remaining := s.NextFundingTime.Sub(now)
	return remaining > 0 && remaining <= preFundingWindow
}

// OrderRequest is the caller-supplied intent to place an order.
type OrderRequest struct {
	Symbol         string
	Side           Side
	Type           OrderType
	Quantity       decimal.Decimal
	Price          decimal.Decimal // required when Type != Market
	StopPrice      decimal.Decimal
	TimeInForce    TimeInForce
	ReduceOnly     bool
	ClosePosition  bool
	PositionSide   PositionSide
	MarginType     MarginType
	IsSpot         bool // selects the spot vs. perpetual-futures order surface
	ExtraParams    map[string]string
}

// Validate applies the local validation rules from the Order Manager
// contract. It does not check exchange-side filters.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "empty"}
	}
	if r.Quantity.Sign() <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be > 0"}
	}
	if r.Type != Market && r.Price.Sign() <= 0 {
		return &ValidationError{Field: "price", Reason: "required when type != MARKET"}
	}
	return nil
}

// ValidationError reports a single local-validation failure on an
// OrderRequest. Its presence, rather than a bare error string, lets callers
// classify it as INVALID_REQUEST without string matching.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Field + " " + e.Reason
}

// OrderRecord is an OrderRequest plus exchange-assigned execution state.
type OrderRecord struct {
	OrderRequest
	OrderID           string
	Status            OrderStatus
	ExecutedQuantity  decimal.Decimal
	AvgFillPrice      decimal.Decimal
	Commission        decimal.Decimal
	CommissionAsset   string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Remaining returns the original minus executed quantity.
func (o OrderRecord) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.ExecutedQuantity)
}

// PositionRecord is the exchange's view of an open position on one symbol.
type PositionRecord struct {
	Symbol           string
	Size             decimal.Decimal // signed: positive long, negative short
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	RealizedPnL      decimal.Decimal
	LiquidationPrice decimal.Decimal
	Margin           decimal.Decimal
	Leverage         int
	MarginMode       MarginType
	UpdatedAt        time.Time
}

// PairState is the Strategy Engine's record of one open funding-arbitrage
// pair: a spot leg and an offsetting futures leg on the same symbol.
type PairState struct {
	Symbol            string
	SpotSize          decimal.Decimal // signed
	FuturesSize       decimal.Decimal // signed, ideally ~ -SpotSize
	EntryBasis        decimal.Decimal
	EntryPrices       EntryPrices
	OpenedAt          time.Time
	TargetFundingTime time.Time
}

// EntryPrices captures the per-leg fill price recorded at pair-open time.
type EntryPrices struct {
	Spot    decimal.Decimal
	Futures decimal.Decimal
}

// Imbalance returns |SpotSize + FuturesSize|, the quantity Pair Rebalancing
// acts on.
func (p PairState) Imbalance() decimal.Decimal {
	return p.SpotSize.Add(p.FuturesSize).Abs()
}

// RiskMetrics are the rolling aggregates the Risk Controller maintains.
type RiskMetrics struct {
	TotalExposure      decimal.Decimal
	LargestPosition    decimal.Decimal
	HourlyPnL          decimal.Decimal
	DailyPnL           decimal.Decimal
	CurrentDrawdown    float64
	PeakEquity         decimal.Decimal
	TradeCountLastHour int
	UpdatedAt          time.Time
}

// RiskEventKind enumerates the tagged Risk Event variants.
type RiskEventKind string

const (
	MarginCall           RiskEventKind = "MARGIN_CALL"
	LiquidationWarning   RiskEventKind = "LIQUIDATION_WARNING"
	DrawdownLimitBreach  RiskEventKind = "DRAWDOWN_LIMIT_BREACH"
	DailyLossLimitBreach RiskEventKind = "DAILY_LOSS_LIMIT_BREACH"
	PositionLimitBreach  RiskEventKind = "POSITION_LIMIT_BREACH"
	HighVolatility       RiskEventKind = "HIGH_VOLATILITY"
	FundingRateWarning   RiskEventKind = "FUNDING_RATE_WARNING"
	TradeFrequencyWarn   RiskEventKind = "TRADE_FREQUENCY_WARNING"
)

// RiskEvent is a single breach record, retained for 24 hours then evicted.
type RiskEvent struct {
	Kind      RiskEventKind
	Symbol    string
	Value     float64
	Threshold float64
	At        time.Time
}

// PriceLevel is one level of an order-book depth snapshot.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}
