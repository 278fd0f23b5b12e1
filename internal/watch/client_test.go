package watch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskpulse/taskpulse/internal/auth"
	"github.com/taskpulse/taskpulse/internal/realtime"
	"github.com/taskpulse/taskpulse/pkg/protocol"
)

const testSessionSecret = "watch-session-secret-at-least-32-chars"

type relay struct {
	registry *realtime.Registry
	bridge   *realtime.Bridge
	wsURL    string
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	reg := realtime.NewRegistry()
	gw := realtime.NewGateway(reg, auth.NewSessionValidator(testSessionSecret, nil), nil, slog.Default(), nil, realtime.GatewayOptions{})
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &relay{
		registry: reg,
		bridge:   realtime.NewBridge(reg, slog.Default(), nil),
		wsURL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func session(t *testing.T, ttl time.Duration) string {
	t.Helper()
	token, err := auth.MintSession(auth.SessionClaims{ExpiresAt: time.Now().Add(ttl).UnixMilli()}, []byte(testSessionSecret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextUpdate(t *testing.T, events <-chan Event) protocol.AgentTaskRealtimeStatus {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if u, ok := ev.(Update); ok {
				return u.Status
			}
		case <-timeout:
			t.Fatal("no update received")
		}
	}
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	r := newRelay(t)
	events := make(chan Event, 64)
	c := NewClient(Options{
		URL:            r.wsURL,
		Credentials:    Credentials{Session: session(t, time.Hour)},
		TaskIDs:        []string{"task-a", "task-b"},
		ReconnectDelay: 10 * time.Millisecond,
	}, func(ev Event) { events <- ev }, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, func() bool {
		return len(r.registry.SubscribersOf("task-a")) == 1 && len(r.registry.SubscribersOf("task-b")) == 1
	})
	r.bridge.Broadcast(protocol.AgentTaskRealtimeStatus{TaskID: "task-a", Phase: protocol.PhaseRunning, Progress: 10})
	if st := nextUpdate(t, events); st.TaskID != "task-a" || st.Progress != 10 {
		t.Fatalf("first update: got %+v", st)
	}

	// Server drops every connection; subscriptions are gone with them.
	for _, p := range r.registry.Drain() {
		p.Close(websocket.CloseGoingAway, "going away")
	}

	waitFor(t, func() bool {
		return len(r.registry.SubscribersOf("task-a")) == 1 && len(r.registry.SubscribersOf("task-b")) == 1
	})
	r.bridge.Broadcast(protocol.AgentTaskRealtimeStatus{TaskID: "task-b", Phase: protocol.PhaseCompleted, Progress: 100})
	if st := nextUpdate(t, events); st.TaskID != "task-b" || st.Phase != protocol.PhaseCompleted {
		t.Fatalf("update after reconnect: got %+v", st)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run: got %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	waitFor(t, func() bool { return r.registry.Len() == 0 })
}

func TestClientStopsOnUnauthorized(t *testing.T) {
	r := newRelay(t)
	var sawDisconnect bool
	c := NewClient(Options{
		URL:            r.wsURL,
		Credentials:    Credentials{Session: session(t, -time.Minute)},
		TaskIDs:        []string{"task-a"},
		ReconnectDelay: 10 * time.Millisecond,
	}, func(ev Event) {
		if d, ok := ev.(Disconnected); ok && d.Retry == 0 {
			sawDisconnect = true
		}
	}, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Run(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Run: got %v, want ErrUnauthorized", err)
	}
	if !sawDisconnect {
		t.Error("final Disconnected event not delivered")
	}
}

func TestClientBacksOffWhenServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	var retries []time.Duration
	c := NewClient(Options{
		URL:            url,
		ReconnectDelay: 5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
	}, func(ev Event) {
		if d, ok := ev.(Disconnected); ok && d.Retry > 0 {
			retries = append(retries, d.Retry)
		}
	}, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)

	if len(retries) < 4 {
		t.Fatalf("expected several retries, got %v", retries)
	}
	want := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond}
	for i, w := range want {
		if retries[i] != w {
			t.Errorf("retry %d: got %v, want %v", i, retries[i], w)
		}
	}
}
