// Package monitor exposes the system's observable state: a Prometheus
// metrics endpoint and a read-only WebSocket dashboard fed by periodic
// snapshots and event pushes from the Strategy Engine, Position Manager,
// and Risk Controller. It holds only read-only observer handles into those
// components, never a reference that would let it mutate trading state.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"fundingarb/internal/config"
)

// Server runs the HTTP/WebSocket monitor.
type Server struct {
	cfg      config.MonitorConfig
	provider Provider
	fullCfg  *config.Config
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	promSrv  *http.Server
	logger   *slog.Logger
}

// NewServer creates a new monitor server bound to cfg.General.DashboardPort,
// serving /health, /api/snapshot, /ws, and /metrics.
func NewServer(cfg config.MonitorConfig, provider Provider, fullCfg *config.Config, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, fullCfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/metrics", handlers.HandleMetrics())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.General.DashboardPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s := &Server{
		cfg:      cfg,
		provider: provider,
		fullCfg:  fullCfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "monitor-server"),
	}

	if cfg.Prometheus.Enabled && cfg.Prometheus.BindAddress != "" {
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", handlers.HandleMetrics())
		s.promSrv = &http.Server{
			Addr:         cfg.Prometheus.BindAddress,
			Handler:      promMux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
	}

	return s
}

// Start launches the WebSocket hub, the dashboard-event consumer, and the
// periodic snapshot pusher, then blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()
	go s.pushSnapshots()

	if s.promSrv != nil {
		go func() {
			s.logger.Info("prometheus exposition starting", "addr", s.promSrv.Addr)
			if err := s.promSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("prometheus server error", "error", err)
			}
		}()
	}

	s.logger.Info("monitor server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("monitor server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down, giving in-flight requests 10s to
// complete.
func (s *Server) Stop() error {
	s.logger.Info("stopping monitor server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.promSrv != nil {
		s.promSrv.Shutdown(ctx)
	}
	return s.server.Shutdown(ctx)
}

// consumeEvents relays pair-opened/pair-closed/risk events from the engine
// to every connected dashboard client.
func (s *Server) consumeEvents() {
	ch := s.provider.DashboardEvents()
	if ch == nil {
		return
	}
	for evt := range ch {
		s.hub.BroadcastEvent(evt)
	}
}

// pushSnapshots broadcasts a full DashboardSnapshot every
// cfg.General.SnapshotInterval, independent of the event stream, so a
// client that misses an event still converges on the true state.
func (s *Server) pushSnapshots() {
	interval := s.cfg.General.SnapshotInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		s.hub.BroadcastSnapshot(BuildSnapshot(s.provider, s.fullCfg))
	}
}
