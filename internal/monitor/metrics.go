package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry is the custom Prometheus registry the /metrics handler
	// exposes, kept separate from the default global registry so this
	// binary never picks up collectors another imported package happens
	// to register against prometheus.DefaultRegisterer.
	Registry = prometheus.NewRegistry()

	mu sync.Mutex

	// systemMetrics exposes host resource usage: trading_system_metrics{type="memory_usage"|"cpu_usage"}.
	systemMetrics = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "trading",
			Name:      "system_metrics",
			Help:      "Host resource usage, labeled by type (memory_usage, cpu_usage)",
		},
		[]string{"type"},
	)

	// positionMetrics exposes per-symbol position state: trading_position_metrics{type="position_size"|"unrealized_pnl"}.
	positionMetrics = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "trading",
			Name:      "position_metrics",
			Help:      "Open position state, labeled by type (position_size, unrealized_pnl) and symbol",
		},
		[]string{"type", "symbol"},
	)

	// cumulativeMetrics is a monotonic counter family: trading_cumulative_metrics{type="total_trades"|"funding_earned"}.
	cumulativeMetrics = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trading",
			Name:      "cumulative_metrics",
			Help:      "Monotonically increasing totals, labeled by type (total_trades, funding_earned)",
		},
		[]string{"type"},
	)
)

// Init registers the Go runtime and process collectors against Registry.
// Call once at startup before the server begins serving /metrics.
func Init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}

// SetMemoryUsage records current resident memory usage in bytes.
func SetMemoryUsage(bytes float64) {
	mu.Lock()
	defer mu.Unlock()
	systemMetrics.WithLabelValues("memory_usage").Set(bytes)
}

// SetCPUUsage records current process CPU usage as a fraction of one core.
func SetCPUUsage(fraction float64) {
	mu.Lock()
	defer mu.Unlock()
	systemMetrics.WithLabelValues("cpu_usage").Set(fraction)
}

// SetPositionSize records a symbol's net pair-size exposure in USD notional.
func SetPositionSize(symbol string, usd float64) {
	mu.Lock()
	defer mu.Unlock()
	positionMetrics.WithLabelValues("position_size", symbol).Set(usd)
}

// SetUnrealizedPnL records a symbol's unrealized PnL across both legs.
func SetUnrealizedPnL(symbol string, usd float64) {
	mu.Lock()
	defer mu.Unlock()
	positionMetrics.WithLabelValues("unrealized_pnl", symbol).Set(usd)
}

// ClearPosition removes a closed symbol's gauges so stale series don't
// linger in the exposition after a pair closes.
func ClearPosition(symbol string) {
	mu.Lock()
	defer mu.Unlock()
	positionMetrics.DeleteLabelValues("position_size", symbol)
	positionMetrics.DeleteLabelValues("unrealized_pnl", symbol)
}

// AddTotalTrades increments the cumulative trade counter by n.
func AddTotalTrades(n int) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	cumulativeMetrics.WithLabelValues("total_trades").Add(float64(n))
}

// AddFundingEarned increments the cumulative funding-income counter by the
// given USD amount. Negative amounts (net funding paid) are not recorded,
// since Prometheus counters must be monotonic; net funding PnL belongs in
// the unrealized/realized PnL gauges instead.
func AddFundingEarned(usd float64) {
	if usd <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	cumulativeMetrics.WithLabelValues("funding_earned").Add(usd)
}
