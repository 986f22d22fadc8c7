package queue

import (
	"time"

	"github.com/google/uuid"
)

// OutcomeMessage reports one reconciled call attempt to downstream consumers
// (dashboard, analytics).
type OutcomeMessage struct {
	EntryID        uuid.UUID  `json:"entry_id"`
	LeadID         uuid.UUID  `json:"lead_id"`
	DispatchKey    uuid.UUID  `json:"dispatch_key"`
	PhoneNumber    string     `json:"phone_number"`
	Outcome        string     `json:"outcome"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	ProviderCallID string     `json:"provider_call_id,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
	Error          string     `json:"error,omitempty"`
	Retrying       bool       `json:"retrying"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// DeadLetterMessage marks an entry the scheduler gave up on.
type DeadLetterMessage struct {
	EntryID    uuid.UUID `json:"entry_id"`
	LeadID     uuid.UUID `json:"lead_id"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	OccurredAt time.Time `json:"occurred_at"`
}
