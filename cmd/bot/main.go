// Funding-rate arbitrage bot — scans perpetual-futures markets for
// persistent funding-rate/basis dislocations and runs a delta-neutral
// spot-vs-futures pair trade through each funding settlement.
//
// Architecture:
//
//	main.go                  — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	internal/engine          — orchestrator: wires exchange, market, order, position, risk, strategy, monitor
//	internal/strategy        — the funding-arbitrage tick: select, validate, size, execute, monitor, rebalance
//	internal/market          — scans the instrument universe, ranks by |funding rate|
//	internal/exchange        — REST client + authenticated order/position WebSocket stream
//	internal/order           — slippage-limited order placement and fill tracking
//	internal/position        — weighted-average-cost spot/futures leg accounting
//	internal/risk            — pre-trade approval, continuous risk-metric evaluation, emergency de-risking
//	internal/store           — JSON file persistence for open pairs and the hourly-PnL series
//	internal/monitor         — Prometheus metrics and a read-only WebSocket dashboard
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"fundingarb/internal/config"
	"fundingarb/internal/engine"
	"fundingarb/internal/monitor"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("FUNDARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	monitor.Init()

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var monSrv *monitor.Server
	if cfg.Monitor.General.DashboardEnabled {
		monSrv = monitor.NewServer(cfg.Monitor, eng, cfg, logger)
		go func() {
			if err := monSrv.Start(); err != nil {
				logger.Error("monitor server failed", "error", err)
			}
		}()
		logger.Info("monitor started", "port", cfg.Monitor.General.DashboardPort)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("funding arbitrage engine started",
		"top_n_instruments", cfg.Strategy.FundingArbitrage.TopNInstruments,
		"position_size_usd", cfg.Strategy.FundingArbitrage.PositionSizeUSD,
		"max_total_position", cfg.Strategy.FundingArbitrage.MaxTotalPosition,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()

	if monSrv != nil {
		if err := monSrv.Stop(); err != nil {
			logger.Error("failed to stop monitor", "error", err)
		}
	}

	if err := eng.Stop(); err != nil {
		logger.Error("failed to stop engine cleanly", "error", err)
	}
}

// newLogger builds a structured logger writing to stdout and, when
// logging.dir is set, to a rotated log file.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.Dir != "" {
		name := cfg.LoggerName
		if name == "" {
			name = "fundingarb"
		}
		rotator := &lumberjack.Logger{
			Filename:   fmt.Sprintf("%s/%s.log", cfg.Dir, name),
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, rotator)
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
