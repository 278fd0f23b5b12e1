package protocol

import "time"

// Phase is the lifecycle phase reported by an agent.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Phases lists every valid phase in lifecycle order.
var Phases = []Phase{PhasePending, PhaseRunning, PhaseCompleted, PhaseFailed, PhaseCancelled}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhasePending, PhaseRunning, PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further updates are expected after p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// AgentTaskRealtimeStatus is the latest known state of one dispatched agent task.
type AgentTaskRealtimeStatus struct {
	TaskID    string    `json:"taskId"`
	Phase     Phase     `json:"phase"`
	Progress  int       `json:"progress"`          // 0-100, informational
	Message   string    `json:"message,omitempty"` // free text
	UpdatedAt time.Time `json:"updatedAt"`
}
