package queue

import "time"

// EventType identifies a scheduler lifecycle notification.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetrying  EventType = "retrying"
	EventCancelled EventType = "cancelled"
)

// Event is a typed scheduler notification carrying a snapshot of the item
// at the moment of the transition.
type Event struct {
	Type    EventType
	Item    Snapshot
	Attempt int
	// Delay is set on retrying events: the pause before the next attempt.
	Delay time.Duration
}

// Observer receives scheduler events. Observers run synchronously on the
// scheduler's worker goroutines and must not block.
type Observer func(Event)
