// Package api provides the HTTP surface of the relay: the agent webhook, the
// dashboard read API, health checks and the WebSocket route.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/taskpulse/taskpulse/internal/auth"
	"github.com/taskpulse/taskpulse/internal/config"
	"github.com/taskpulse/taskpulse/internal/metrics"
	"github.com/taskpulse/taskpulse/internal/store"
	"github.com/taskpulse/taskpulse/pkg/protocol"
)

// Broadcaster relays an accepted status update to live subscribers and
// returns how many connections it was queued for.
type Broadcaster interface {
	Broadcast(status protocol.AgentTaskRealtimeStatus) int
}

// ServerOptions contains optional dependencies for the API server.
type ServerOptions struct {
	Tokens         auth.TokenValidator // bearer tokens on the read API; nil disables
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler // mounted at /metrics when non-nil
	Connections    func() int   // reported by /readyz
	Now            func() time.Time
}

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	bridge        Broadcaster
	verifier      *auth.WebhookVerifier
	sessions      *auth.SessionValidator
	tokens        auth.TokenValidator
	sessionCookie string
	schema        *jsonschema.Schema
	dedupe        *lru.Cache[string, time.Time]
	metrics       *metrics.Metrics
	connections   func() int
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	now           func() time.Time
	webhookRL     *rateLimiter
	taskLocks     taskLocks
}

// NewServer creates a new API server. ws serves GET /ws.
func NewServer(s store.Store, bridge Broadcaster, ws http.Handler, cfg *config.Config, opts ServerOptions, logger *slog.Logger) (*Server, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	schema, err := compileWebhookSchema()
	if err != nil {
		return nil, err
	}
	dedupe, err := lru.New[string, time.Time](cfg.Webhook.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}

	srv := &Server{
		store:         s,
		bridge:        bridge,
		verifier:      auth.NewWebhookVerifier(cfg.Auth.WebhookSecret, now),
		sessions:      auth.NewSessionValidator(cfg.Auth.SessionSecret, now),
		tokens:        opts.Tokens,
		sessionCookie: cfg.Auth.SessionCookie,
		schema:        schema,
		dedupe:        dedupe,
		metrics:       opts.Metrics,
		connections:   opts.Connections,
		logger:        logger.With("component", "api"),
		startTime:     now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		now:           now,
		webhookRL:     newRateLimiter(cfg.Webhook.RequestsPerSecond, cfg.Webhook.Burst),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	if opts.MetricsHandler != nil {
		mux.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	// Agent callbacks (signature checked inside, rate-limited by IP)
	mux.With(ipRateLimitMiddleware(srv.webhookRL, func() {
		srv.metrics.ObserveWebhook(metrics.ResultRateLimited, 0)
	})).Post("/api/agent-tasks/{taskID}/webhook", srv.handleWebhook)

	// WebSocket route (auth handled inside)
	if ws != nil {
		mux.Get("/ws", ws.ServeHTTP)
	}

	// Dashboard read API
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Get("/api/agent-tasks/{taskID}/status", srv.handleGetStatus)
		r.Get("/api/agent-tasks/{taskID}/logs", srv.handleListLogs)
	})

	srv.mux = mux
	return srv, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": s.now().Sub(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	resp := map[string]any{"status": "ready"}
	if s.connections != nil {
		resp["connections"] = s.connections()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
