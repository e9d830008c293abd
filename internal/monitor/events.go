package monitor

import "time"

// DashboardEvent is the envelope for everything pushed to connected
// dashboard clients over the WebSocket hub.
type DashboardEvent struct {
	Type      string      `json:"type"` // "snapshot", "pair_opened", "pair_closed", "risk_event"
	Timestamp time.Time   `json:"timestamp"`
	Symbol    string      `json:"symbol,omitempty"`
	Data      interface{} `json:"data"`
}

// PairOpenedEvent is emitted when the Strategy Engine opens a new pair.
type PairOpenedEvent struct {
	Symbol      string  `json:"symbol"`
	SpotSize    float64 `json:"spot_size"`
	FuturesSize float64 `json:"futures_size"`
	EntryBasis  float64 `json:"entry_basis"`
}

// PairClosedEvent is emitted when a pair closes, whichever the reason.
type PairClosedEvent struct {
	Symbol       string  `json:"symbol"`
	Reason       string  `json:"reason"` // "stop_loss", "profit_take", "funding_settled"
	EntryBasis   float64 `json:"entry_basis"`
	ExitBasis    float64 `json:"exit_basis"`
	RealizedPnL  float64 `json:"realized_pnl"`
}

// RiskEventPayload mirrors types.RiskEvent for dashboard consumption.
type RiskEventPayload struct {
	Kind      string  `json:"kind"`
	Symbol    string  `json:"symbol"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// NewPairOpenedEvent builds a PairOpenedEvent wrapper.
func NewPairOpenedEvent(symbol string, spotSize, futuresSize, entryBasis float64) DashboardEvent {
	return DashboardEvent{
		Type:      "pair_opened",
		Timestamp: time.Now(),
		Symbol:    symbol,
		Data: PairOpenedEvent{
			Symbol:      symbol,
			SpotSize:    spotSize,
			FuturesSize: futuresSize,
			EntryBasis:  entryBasis,
		},
	}
}

// NewPairClosedEvent builds a PairClosedEvent wrapper.
func NewPairClosedEvent(symbol, reason string, entryBasis, exitBasis, realizedPnL float64) DashboardEvent {
	return DashboardEvent{
		Type:      "pair_closed",
		Timestamp: time.Now(),
		Symbol:    symbol,
		Data: PairClosedEvent{
			Symbol:      symbol,
			Reason:      reason,
			EntryBasis:  entryBasis,
			ExitBasis:   exitBasis,
			RealizedPnL: realizedPnL,
		},
	}
}

// NewRiskEvent builds a risk_event wrapper.
func NewRiskEvent(kind, symbol string, value, threshold float64) DashboardEvent {
	return DashboardEvent{
		Type:      "risk_event",
		Timestamp: time.Now(),
		Symbol:    symbol,
		Data: RiskEventPayload{
			Kind:      kind,
			Symbol:    symbol,
			Value:     value,
			Threshold: threshold,
		},
	}
}
