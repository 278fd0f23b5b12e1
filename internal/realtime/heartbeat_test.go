package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestMonitorEvictsAfterOneSilentInterval(t *testing.T) {
	r := NewRegistry()
	m := NewMonitor(r, time.Minute, slog.Default(), nil)

	silent := newFakePeer("silent")
	r.Register("silent", silent)

	m.Tick()
	_, pings, closed, _ := silent.snapshot()
	if pings != 1 || closed {
		t.Fatalf("after first tick: pings=%d closed=%v, want 1 ping and open", pings, closed)
	}
	if r.Len() != 1 {
		t.Fatal("connection evicted before a full interval of silence")
	}

	m.Tick()
	_, pings, closed, code := silent.snapshot()
	if !closed || code != CloseHeartbeatTimeout {
		t.Fatalf("after second tick: closed=%v code=%d", closed, code)
	}
	if pings != 1 {
		t.Errorf("evicted connection was pinged again: %d pings", pings)
	}
	if r.Len() != 0 {
		t.Error("silent connection still registered")
	}
}

func TestMonitorKeepsResponsiveConnection(t *testing.T) {
	r := NewRegistry()
	m := NewMonitor(r, time.Minute, slog.Default(), nil)

	p := newFakePeer("live")
	r.Register("live", p)
	r.Subscribe("live", "A")

	for i := 0; i < 5; i++ {
		m.Tick()
		r.MarkAlive("live")
	}

	_, pings, closed, _ := p.snapshot()
	if closed {
		t.Fatal("responsive connection was evicted")
	}
	if pings != 5 {
		t.Errorf("pings: got %d, want 5", pings)
	}
	if len(r.SubscribersOf("A")) != 1 {
		t.Error("subscription lost across heartbeats")
	}
}

func TestMonitorRemovesOnPingFailure(t *testing.T) {
	r := NewRegistry()
	m := NewMonitor(r, time.Minute, slog.Default(), nil)

	p := newFakePeer("broken")
	p.pingErr = errPingFailed
	r.Register("broken", p)

	m.Tick()
	if r.Len() != 0 {
		t.Error("connection with failed ping still registered")
	}
	if _, _, closed, _ := p.snapshot(); !closed {
		t.Error("connection with failed ping not closed")
	}
}

func TestMonitorStalledPeerDoesNotDelayOthers(t *testing.T) {
	r := NewRegistry()
	m := NewMonitor(r, time.Minute, slog.Default(), nil)

	stalled := newFakePeer("stalled")
	stalled.stall = make(chan struct{})
	healthy := newFakePeer("healthy")
	r.Register("stalled", stalled)
	r.Register("healthy", healthy)

	done := make(chan struct{})
	go func() {
		m.Tick()
		close(done)
	}()

	waitFor(t, func() bool {
		_, pings, _, _ := healthy.snapshot()
		return pings == 1
	})
	select {
	case <-done:
		t.Fatal("Tick returned while a ping was still blocked")
	default:
	}

	close(stalled.stall)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Tick did not return after the stalled ping finished")
	}
}

func TestMonitorStalledPeerDoesNotDelayEvictions(t *testing.T) {
	r := NewRegistry()
	m := NewMonitor(r, time.Minute, slog.Default(), nil)

	stalled := newFakePeer("stalled")
	silent := newFakePeer("silent")
	r.Register("stalled", stalled)
	r.Register("silent", silent)
	m.Tick()

	r.MarkAlive("stalled")
	stalled.stall = make(chan struct{})
	done := make(chan struct{})
	go func() {
		m.Tick()
		close(done)
	}()

	waitFor(t, func() bool {
		_, _, closed, code := silent.snapshot()
		return closed && code == CloseHeartbeatTimeout
	})
	close(stalled.stall)
	<-done
}

func TestMonitorRun(t *testing.T) {
	r := NewRegistry()
	m := NewMonitor(r, 10*time.Millisecond, slog.Default(), nil)
	p := newFakePeer("silent")
	r.Register("silent", p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool {
		_, _, closed, _ := p.snapshot()
		return closed
	})
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewMonitorDefaultInterval(t *testing.T) {
	m := NewMonitor(NewRegistry(), 0, slog.Default(), nil)
	if m.interval != DefaultHeartbeatInterval {
		t.Errorf("interval: got %v, want %v", m.interval, DefaultHeartbeatInterval)
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
