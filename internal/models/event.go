package models

import "time"

// EventType tags a scheduled event with the dispatcher that handles it.
type EventType string

const (
	EventJobDeadline    EventType = "job_deadline"
	EventCommitPhaseEnd EventType = "commit_phase_end"
	EventRevealPhaseEnd EventType = "reveal_phase_end"
)

// PayloadJobID is the payload key carrying the job an event refers to.
const PayloadJobID = "job_id"

// ScheduledEvent is a durable timer persisted in checkpoints.
type ScheduledEvent struct {
	ID        string            `json:"event_id"`
	Type      EventType         `json:"event_type"`
	ExecuteAt time.Time         `json:"execute_at"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// JobID returns the job referenced by the payload, if any.
func (e ScheduledEvent) JobID() string {
	return e.Payload[PayloadJobID]
}

// Clone copies the payload map.
func (e ScheduledEvent) Clone() ScheduledEvent {
	e.Payload = cloneStrings(e.Payload)
	return e
}
