package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskpulse/taskpulse/internal/metrics"
)

// DefaultHeartbeatInterval is the probe period; a connection that answers
// no probe for one full interval is evicted.
const DefaultHeartbeatInterval = 30 * time.Second

// CloseHeartbeatTimeout is sent to connections evicted for silence.
const CloseHeartbeatTimeout = 4000

// Monitor periodically probes registered connections and evicts the silent
// ones.
type Monitor struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewMonitor creates a Monitor. A zero interval uses DefaultHeartbeatInterval.
func NewMonitor(reg *Registry, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Monitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Monitor{
		registry: reg,
		interval: interval,
		logger:   logger.With("component", "heartbeat"),
		metrics:  m,
	}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick performs one sweep: evict connections that stayed silent since the
// previous tick and ping the rest. Every peer is handled on its own goroutine
// so a connection stuck in a write cannot delay the others; Tick returns once
// all of them finished.
func (m *Monitor) Tick() {
	res := m.registry.Sweep()

	var wg sync.WaitGroup
	for _, d := range res.Dead {
		m.logger.Info("evicting silent connection",
			"conn_id", d.Peer.ID(),
			"silent_for", time.Since(d.LastSeen).Round(time.Second))
		wg.Go(func() { d.Peer.Close(CloseHeartbeatTimeout, "heartbeat timeout") })
	}
	m.metrics.Evicted(len(res.Dead))

	for _, p := range res.Probe {
		wg.Go(func() {
			if err := p.Ping(); err != nil {
				m.logger.Debug("ping failed", "conn_id", p.ID(), "error", err)
				m.registry.Remove(p.ID())
				p.Close(CloseHeartbeatTimeout, "ping failed")
			}
		})
	}
	wg.Wait()
}
