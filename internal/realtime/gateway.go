package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/taskpulse/taskpulse/internal/auth"
	"github.com/taskpulse/taskpulse/internal/metrics"
	"github.com/taskpulse/taskpulse/pkg/protocol"
)

// Application close codes.
const (
	CloseUnauthorized = 4001
)

// closeGrace bounds how long a rejected connection waits for the client's
// close reply.
const closeGrace = time.Second

// SessionValidator reports whether a session cookie value is acceptable.
type SessionValidator interface {
	Validate(token string) bool
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	SessionCookie     string   // default "session"
	AllowedOrigins    []string // nil or ["*"] allows any origin
	WriteTimeout      time.Duration
	SendQueue         int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
}

func (o *GatewayOptions) applyDefaults() {
	if o.SessionCookie == "" {
		o.SessionCookie = "session"
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendQueue == 0 {
		o.SendQueue = 64
	}
	if o.MaxMessageBytes == 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.MessagesPerSecond == 0 {
		o.MessagesPerSecond = 30
	}
	if o.MessageBurst == 0 {
		o.MessageBurst = 50
	}
}

// Gateway accepts dashboard WebSocket connections, authenticates them and
// applies their subscription messages to the Registry.
type Gateway struct {
	registry *Registry
	sessions SessionValidator
	tokens   auth.TokenValidator // optional
	opts     GatewayOptions
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Metrics
	closing  atomic.Bool

	afterUpgrade func() // test hook
}

// NewGateway creates a Gateway. tokens may be nil to accept cookies only.
func NewGateway(reg *Registry, sessions SessionValidator, tokens auth.TokenValidator, logger *slog.Logger, m *metrics.Metrics, opts GatewayOptions) *Gateway {
	opts.applyDefaults()
	return &Gateway{
		registry: reg,
		sessions: sessions,
		tokens:   tokens,
		opts:     opts,
		upgrader: makeUpgrader(opts.AllowedOrigins),
		logger:   logger.With("component", "gateway"),
		metrics:  m,
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the client disconnects or the connection is evicted.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if g.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	authorized := g.authenticate(req)

	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if g.afterUpgrade != nil {
		g.afterUpgrade()
	}

	if !authorized {
		g.logger.Info("rejected unauthenticated connection", "remote_addr", req.RemoteAddr)
		g.reject(conn)
		return
	}

	connID := uuid.New().String()
	peer := newWSPeer(connID, conn, g.opts.SendQueue, g.opts.WriteTimeout, func(id string) {
		if _, ok := g.registry.Remove(id); ok {
			g.logger.Info("dropped connection after transport failure", "conn_id", id)
		}
	})
	go peer.writeLoop()

	g.registry.Register(connID, peer)
	if g.closing.Load() {
		// Shutdown drained the registry while this handshake was in flight.
		g.registry.Remove(connID)
		peer.Close(websocket.CloseGoingAway, "going away")
		return
	}
	g.metrics.ConnectionOpened()
	g.logger.Info("client connected", "conn_id", connID, "remote_addr", req.RemoteAddr)

	defer func() {
		g.registry.Remove(connID)
		peer.Close(websocket.CloseNormalClosure, "")
		g.metrics.ConnectionClosed()
		g.logger.Info("client disconnected", "conn_id", connID)
	}()

	g.send(peer, protocol.ConnectionStatus{Connected: true})

	conn.SetReadLimit(g.opts.MaxMessageBytes)
	conn.SetPongHandler(func(string) error {
		g.registry.MarkAlive(connID)
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(g.opts.MessagesPerSecond), g.opts.MessageBurst)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.logger.Debug("client read error", "conn_id", connID, "error", err)
			return
		}

		msg, err := protocol.Decode(data)
		if limited(msg) && !limiter.Allow() {
			g.logger.Debug("client message rate limited", "conn_id", connID)
			continue
		}
		if err != nil {
			g.logger.Warn("invalid message from client", "conn_id", connID, "error", err)
			continue
		}
		g.handleMessage(connID, peer, msg)
	}
}

// limited reports whether msg counts against the per-connection message rate.
// Registry changes are never dropped: a reconnecting client may resubscribe
// to many tasks at once. Undecodable frames are limited.
func limited(msg protocol.Message) bool {
	switch msg.(type) {
	case protocol.Subscribe, protocol.Unsubscribe:
		return false
	}
	return true
}

func (g *Gateway) handleMessage(connID string, peer *wsPeer, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Subscribe:
		if g.registry.Subscribe(connID, m.TaskID) {
			g.metrics.Subscribed()
			g.logger.Debug("subscribed", "conn_id", connID, "task_id", m.TaskID)
		}
	case protocol.Unsubscribe:
		g.registry.Unsubscribe(connID, m.TaskID)
		g.logger.Debug("unsubscribed", "conn_id", connID, "task_id", m.TaskID)
	case protocol.Ping:
		g.registry.MarkAlive(connID)
		g.send(peer, protocol.Pong{})
	default:
		g.logger.Warn("unexpected message type from client", "conn_id", connID, "type", msg.Type())
	}
}

func (g *Gateway) send(peer *wsPeer, msg protocol.Message) {
	frame, err := protocol.Encode(msg, time.Now())
	if err != nil {
		g.logger.Error("encode message", "type", msg.Type(), "error", err)
		return
	}
	peer.Send(frame)
}

// authenticate prefers the session cookie. Without one, a bearer token is
// accepted when a token validator is configured.
func (g *Gateway) authenticate(req *http.Request) bool {
	if c, err := req.Cookie(g.opts.SessionCookie); err == nil && c.Value != "" {
		return g.sessions.Validate(c.Value)
	}
	if g.tokens == nil {
		return false
	}

	// Browsers cannot set headers on the WebSocket handshake, so the token
	// may also arrive as a query parameter.
	token := req.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return false
	}
	id, err := g.tokens.ValidateToken(req.Context(), token)
	if err != nil {
		g.logger.Debug("service token rejected", "provider", g.tokens.Name(), "error", err)
		return false
	}
	g.logger.Debug("service token accepted", "provider", g.tokens.Name(), "subject", id.Subject)
	return true
}

// reject closes conn with 4001 and waits briefly for the client's reply.
func (g *Gateway) reject(conn *websocket.Conn) {
	defer conn.Close()
	deadline := time.Now().Add(closeGrace)
	if err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseUnauthorized, "Unauthorized"), deadline); err != nil {
		return
	}
	_ = conn.SetReadDeadline(deadline)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Shutdown stops accepting connections, sends every registered connection a
// 1001 close frame and empties the Registry.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closing.Store(true)

	peers := g.registry.Drain()
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, p := range peers {
			wg.Go(func() { p.Close(websocket.CloseGoingAway, "going away") })
		}
		wg.Wait()
	}()

	select {
	case <-done:
		g.logger.Info("realtime connections closed", "count", len(peers))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
