// Package watch follows task status updates from a taskpulse server over the
// realtime WebSocket, reconnecting and re-subscribing as needed.
package watch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskpulse/taskpulse/internal/realtime"
	"github.com/taskpulse/taskpulse/pkg/protocol"
)

// ErrUnauthorized is returned by Run when the server rejects the credentials.
// Reconnecting with the same credentials cannot succeed.
var ErrUnauthorized = errors.New("server rejected credentials")

// Credentials authenticate a watch client. Exactly one of Session or Token
// is normally set.
type Credentials struct {
	CookieName string // default "session"
	Session    string
	Token      string
}

func (c Credentials) apply(h http.Header) {
	if c.Session != "" {
		name := c.CookieName
		if name == "" {
			name = "session"
		}
		h.Set("Cookie", name+"="+c.Session)
	}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
}

// Options configures a Client.
type Options struct {
	URL            string // ws:// or wss:// URL of the /ws endpoint
	Credentials    Credentials
	TaskIDs        []string
	ReconnectDelay time.Duration // first retry delay; default 1s
	MaxDelay       time.Duration // backoff cap; default 30s
	PingInterval   time.Duration // application PING cadence; default 15s
	TLSSkipVerify  bool
}

// Event is delivered to the handler for every state change.
type Event interface{ isEvent() }

// Connected is sent once the server has accepted the connection and every
// task has been subscribed.
type Connected struct{}

// Disconnected is sent when a connection ends. Retry is the delay before
// the next attempt, zero when Run is returning.
type Disconnected struct {
	Err   error
	Retry time.Duration
}

// Update carries one status update for a subscribed task.
type Update struct {
	Status protocol.AgentTaskRealtimeStatus
}

func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (Update) isEvent()       {}

// Client is a reconnecting realtime subscriber.
type Client struct {
	opts    Options
	handler func(Event)
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a client. handler is called from the client goroutine.
func NewClient(opts Options, handler func(Event), logger *slog.Logger) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	return &Client{
		opts:    opts,
		handler: handler,
		logger:  logger.With("component", "watch-client"),
	}
}

// Run connects and delivers events until ctx is canceled or the server
// rejects the credentials.
func (c *Client) Run(ctx context.Context) error {
	delay := c.opts.ReconnectDelay
	for {
		connected, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			c.handler(Disconnected{Err: ctx.Err()})
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			c.handler(Disconnected{Err: err})
			return err
		}
		if connected {
			delay = c.opts.ReconnectDelay
		}

		c.logger.Info("reconnecting", "delay", delay, "error", err)
		c.handler(Disconnected{Err: err, Retry: delay})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, c.opts.MaxDelay)
	}
}

// connectOnce runs one connection. connected reports whether the server
// accepted it, which resets the backoff.
func (c *Client) connectOnce(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if c.opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	header := http.Header{}
	c.opts.Credentials.apply(header)

	conn, _, err := dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		_ = conn.Close()
	})
	defer func() {
		stop()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	// The server greets with CONNECTION_STATUS, or closes with 4001.
	msg, err := readMessage(conn)
	if err != nil {
		return false, err
	}
	if cs, ok := msg.(protocol.ConnectionStatus); !ok || !cs.Connected {
		return false, fmt.Errorf("unexpected greeting %s", msg.Type())
	}

	// Subscriptions are per connection and must be renewed every time.
	for _, id := range c.opts.TaskIDs {
		if err := c.send(protocol.Subscribe{TaskID: id}); err != nil {
			return true, fmt.Errorf("subscribe %s: %w", id, err)
		}
	}
	c.logger.Info("connected", "url", c.opts.URL, "tasks", len(c.opts.TaskIDs))
	c.handler(Connected{})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(pingDone)

	for {
		msg, err := readMessage(conn)
		if err != nil {
			return true, err
		}
		switch m := msg.(type) {
		case protocol.TaskStatusUpdate:
			c.handler(Update{Status: m.Status})
		case protocol.Pong, protocol.ConnectionStatus:
		default:
			c.logger.Debug("ignoring message", "type", msg.Type())
		}
	}
}

func (c *Client) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.send(protocol.Ping{}); err != nil {
				return
			}
		}
	}
}

func (c *Client) send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg, time.Now())
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// readMessage reads the next decodable frame, mapping a 4001 close to
// ErrUnauthorized.
func readMessage(conn *websocket.Conn) (protocol.Message, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, realtime.CloseUnauthorized) {
				return nil, ErrUnauthorized
			}
			return nil, fmt.Errorf("read: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		return msg, nil
	}
}
