// Package hub is the composition root that wires storage, auth, the realtime
// relay and the HTTP API together and owns the process lifecycle.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/taskpulse/taskpulse/internal/api"
	"github.com/taskpulse/taskpulse/internal/auth"
	"github.com/taskpulse/taskpulse/internal/config"
	"github.com/taskpulse/taskpulse/internal/metrics"
	"github.com/taskpulse/taskpulse/internal/realtime"
	"github.com/taskpulse/taskpulse/internal/store"
)

// shutdownTimeout bounds the graceful part of shutdown.
const shutdownTimeout = 30 * time.Second

// Hub is the relay process.
type Hub struct {
	cfg      *config.Config
	store    store.Store
	registry *realtime.Registry
	monitor  *realtime.Monitor
	gateway  *realtime.Gateway
	bridge   *realtime.Bridge
	api      *api.Server
	logger   *slog.Logger
}

// New creates a hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	tokens, err := auth.NewTokenValidator(cfg.Auth.ServiceTokens)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init service tokens: %w", err)
	}

	var (
		m              *metrics.Metrics
		metricsHandler http.Handler
	)
	if !cfg.Metrics.Disabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.MustNewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// One registry shared by the gateway, the monitor and the bridge.
	registry := realtime.NewRegistry()
	rt := cfg.Realtime
	gateway := realtime.NewGateway(registry, auth.NewSessionValidator(cfg.Auth.SessionSecret, nil), tokens, logger, m, realtime.GatewayOptions{
		SessionCookie:     cfg.Auth.SessionCookie,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		WriteTimeout:      rt.WriteTimeout.Duration,
		SendQueue:         rt.SendQueue,
		MaxMessageBytes:   rt.MaxMessageBytes,
		MessagesPerSecond: rt.MessagesPerSecond,
		MessageBurst:      rt.MessageBurst,
	})
	bridge := realtime.NewBridge(registry, logger, m)
	monitor := realtime.NewMonitor(registry, rt.HeartbeatInterval.Duration, logger, m)

	apiSrv, err := api.NewServer(db, bridge, gateway, cfg, api.ServerOptions{
		Tokens:         tokens,
		Metrics:        m,
		MetricsHandler: metricsHandler,
		Connections:    registry.Len,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init api: %w", err)
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return &Hub{
		cfg:      cfg,
		store:    db,
		registry: registry,
		monitor:  monitor,
		gateway:  gateway,
		bridge:   bridge,
		api:      apiSrv,
		logger:   logger.With("component", "hub"),
	}, nil
}

// Handler returns the HTTP handler serving every route.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run listens on the configured address and serves until ctx is canceled.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Server.Addr)
	if err != nil {
		_ = h.store.Close()
		return fmt.Errorf("listen %s: %w", h.cfg.Server.Addr, err)
	}
	return h.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down in order: stop
// the heartbeat monitor, close every realtime connection with 1001, stop the
// HTTP server, close the store.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	monitorDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(monitorDone)
		h.monitor.Run(monitorCtx)
		return nil
	})

	g.Go(func() error {
		h.logger.Info("hub listening", "addr", ln.Addr().String())
		var err error
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			err = srv.ServeTLS(ln, h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		h.logger.Info("shutting down hub gracefully")

		stopMonitor()
		<-monitorDone
		h.logger.Info("heartbeat monitor stopped")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := h.gateway.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("closing realtime connections timed out", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}
		return nil
	})

	err := g.Wait()

	h.logger.Info("closing store")
	_ = h.store.Close()
	h.logger.Info("shutdown complete")

	if err != nil {
		return err
	}
	return ctx.Err()
}
