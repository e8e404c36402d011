package queue

import (
	"context"
	"time"

	"github.com/hydraproject/hydra/internal/fault"
)

// Priority orders admission. Lower values run first. The zero value is
// deliberately unset so a bare Request does not land at the head of the
// queue; Enqueue maps it to NORMAL.
type Priority int

const (
	PriorityUrgent Priority = 1 + iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground

	priorityLevels = 5
)

var priorityNames = [priorityLevels]string{"URGENT", "HIGH", "NORMAL", "LOW", "BACKGROUND"}

// index maps p onto the ready-list array.
func (p Priority) index() int {
	return int(p) - 1
}

func (p Priority) String() string {
	if !p.Valid() {
		return "UNKNOWN"
	}
	return priorityNames[p.index()]
}

// Valid reports whether p is a defined priority level.
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityBackground
}

// ParsePriority resolves a priority name, defaulting empty input to NORMAL.
func ParsePriority(name string) (Priority, error) {
	if name == "" {
		return PriorityNormal, nil
	}
	for i, n := range priorityNames {
		if n == name {
			return Priority(i + 1), nil
		}
	}
	return 0, fault.Validation("unknown priority %q", name)
}

// State is a queue item's lifecycle position. Transitions move strictly
// forward: QUEUED → RUNNING → {COMPLETED, FAILED, CANCELLED}, plus
// QUEUED → CANCELLED and the RUNNING → QUEUED re-queue on a retryable
// failure.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Request is the caller-supplied portion of a queue item.
type Request struct {
	Prompt   string            `json:"prompt"`
	Model    string            `json:"model,omitempty"`
	Priority Priority          `json:"priority"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
}

// item is the scheduler-owned work record. All mutable fields are guarded
// by the scheduler mutex; done is closed exactly once, on the transition
// into a terminal state.
type item struct {
	id         int64
	prompt     string
	model      string
	priority   Priority
	metadata   map[string]string
	timeout    time.Duration
	enqueuedAt time.Time

	state       State
	attempts    int
	response    string
	err         error
	startedAt   time.Time
	completedAt time.Time

	cancelRun context.CancelFunc // set while RUNNING
	done      chan struct{}
}

// Snapshot is the caller-visible copy of an item.
type Snapshot struct {
	ID          int64             `json:"id"`
	Prompt      string            `json:"prompt"`
	Model       string            `json:"model,omitempty"`
	Priority    string            `json:"priority"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	State       State             `json:"state"`
	Attempts    int               `json:"attempts"`
	Response    string            `json:"response,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	StartedAt   time.Time         `json:"started_at,omitzero"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
}

// snapshot copies the item for callers. Caller holds the scheduler mutex.
func (it *item) snapshot() Snapshot {
	s := Snapshot{
		ID:          it.id,
		Prompt:      it.prompt,
		Model:       it.model,
		Priority:    it.priority.String(),
		Metadata:    it.metadata,
		State:       it.state,
		Attempts:    it.attempts,
		Response:    it.response,
		EnqueuedAt:  it.enqueuedAt,
		StartedAt:   it.startedAt,
		CompletedAt: it.completedAt,
	}
	if it.err != nil {
		s.Error = it.err.Error()
		s.ErrorKind = string(fault.KindOf(it.err))
	}
	return s
}
