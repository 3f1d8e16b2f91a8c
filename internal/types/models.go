// internal/types/models.go
package types

import "time"

// Transcript message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StudioMessage is one entry in a session's chat transcript. Messages are
// immutable once appended; transcript order is append order.
type StudioMessage struct {
	ID        MessageID `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a transcript message with a fresh ID and timestamp.
func NewMessage(role, content string) StudioMessage {
	return StudioMessage{
		ID:        NewMessageID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// PhaseStatus is the per-phase state reported by the backend.
type PhaseStatus string

const (
	PhasePending PhaseStatus = "pending"
	PhaseActive  PhaseStatus = "active"
	PhaseDone    PhaseStatus = "done"
	PhaseError   PhaseStatus = "error"
)

// PhaseResult is one named stage of backend work for the current run.
// The phase list never outlives a run.
type PhaseResult struct {
	Name   string      `json:"name"`
	Status PhaseStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// RunState is the overall lifecycle state of a generation run.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the state is one a run cannot leave.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}
