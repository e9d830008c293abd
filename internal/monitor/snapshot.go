package monitor

import (
	"time"

	"fundingarb/internal/config"
)

// Provider is the Monitor's read-only observer handle into the rest of the
// system. It never lets the Monitor mutate state, breaking the cyclic
// reference the Strategy Engine, Position Manager, and Risk Controller
// would otherwise have back to it.
type Provider interface {
	PairStatuses() []PairStatus
	RiskSnapshot() RiskSnapshot
	DashboardEvents() <-chan DashboardEvent
}

// BuildSnapshot aggregates state from the Provider into a DashboardSnapshot.
func BuildSnapshot(provider Provider, cfg *config.Config) DashboardSnapshot {
	pairs := provider.PairStatuses()

	var totalRealized, totalUnrealized float64
	for _, p := range pairs {
		totalRealized += p.Spot.RealizedPnL + p.Futures.RealizedPnL
		totalUnrealized += p.Spot.UnrealizedPnL + p.Futures.UnrealizedPnL
	}

	return DashboardSnapshot{
		Timestamp:       time.Now(),
		Pairs:           pairs,
		TotalRealized:   totalRealized,
		TotalUnrealized: totalUnrealized,
		TotalPnL:        totalRealized + totalUnrealized,
		Risk:            provider.RiskSnapshot(),
		Config:          NewConfigSummary(cfg),
	}
}
