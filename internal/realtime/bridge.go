package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/taskpulse/taskpulse/internal/metrics"
	"github.com/taskpulse/taskpulse/pkg/protocol"
)

// Bridge fans status updates out to the connections subscribed to a task.
type Bridge struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// mu serializes broadcasts so every subscriber queues frames in the
	// order Broadcast was called. Callers order calls per task.
	mu sync.Mutex
}

// NewBridge creates a Bridge over reg.
func NewBridge(reg *Registry, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{
		registry: reg,
		logger:   logger.With("component", "bridge"),
		metrics:  m,
		now:      time.Now,
	}
}

// Broadcast enqueues a TASK_STATUS_UPDATE to every live subscriber of
// status.TaskID and returns how many accepted it. No subscribers is not an
// error. Delivery is fire-and-forget.
func (b *Bridge) Broadcast(status protocol.AgentTaskRealtimeStatus) int {
	frame, err := protocol.Encode(protocol.TaskStatusUpdate{TaskID: status.TaskID, Status: status}, b.now())
	if err != nil {
		b.logger.Error("encode status update", "task_id", status.TaskID, "error", err)
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for _, p := range b.registry.SubscribersOf(status.TaskID) {
		if p.Send(frame) {
			delivered++
		} else {
			b.logger.Debug("dropped update for unwritable connection", "conn_id", p.ID(), "task_id", status.TaskID)
		}
	}
	b.metrics.Delivered(delivered)
	b.logger.Debug("status broadcast", "task_id", status.TaskID, "phase", status.Phase, "delivered", delivered)
	return delivered
}
