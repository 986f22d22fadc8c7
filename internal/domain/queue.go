package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus enumerates lifecycle states of a queue entry.
//
// State machine: pending -> processing -> {completed | pending | failed | cancelled}.
// A processing entry returns to pending only via a reschedule.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s QueueStatus) Terminal() bool {
	switch s {
	case QueueStatusCompleted, QueueStatusFailed, QueueStatusCancelled:
		return true
	}
	return false
}

// Queue priority tiers. Entries carry a tier in [PriorityLow, PriorityUrgent].
const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
	PriorityUrgent = 4
)

// QueueEntry is a scheduled attempt to call a specific lead. Entries are
// owned by the queue store; the scheduler only holds a transient handle
// while an entry is in flight.
type QueueEntry struct {
	ID            uuid.UUID
	LeadID        uuid.UUID
	ScheduledAt   time.Time
	Priority      int
	Attempts      int
	MaxAttempts   int
	Status        QueueStatus
	LastAttemptAt *time.Time
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Due reports whether the entry is eligible for dispatch at the given time.
func (e QueueEntry) Due(now time.Time) bool {
	return e.Status == QueueStatusPending &&
		!e.ScheduledAt.After(now) &&
		e.Attempts < e.MaxAttempts
}
