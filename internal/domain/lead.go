package domain

import (
	"time"

	"github.com/google/uuid"
)

// LeadStatus enumerates lifecycle states of a lead.
type LeadStatus string

const (
	LeadStatusPending       LeadStatus = "pending"
	LeadStatusCalling       LeadStatus = "calling"
	LeadStatusCalled        LeadStatus = "called"
	LeadStatusInterested    LeadStatus = "interested"
	LeadStatusScheduled     LeadStatus = "scheduled"
	LeadStatusNotInterested LeadStatus = "not_interested"
	LeadStatusCompleted     LeadStatus = "completed"
	LeadStatusFailed        LeadStatus = "failed"
)

// Callable reports whether a lead may receive a new call. A lead already on
// a call or terminally disposed is not callable.
func (s LeadStatus) Callable() bool {
	switch s {
	case LeadStatusCalling, LeadStatusScheduled, LeadStatusNotInterested,
		LeadStatusCompleted, LeadStatusFailed:
		return false
	}
	return true
}

// Resolved reports whether the lead's disposition is settled and further
// retries are pointless.
func (s LeadStatus) Resolved() bool {
	switch s {
	case LeadStatusNotInterested, LeadStatusScheduled, LeadStatusCompleted:
		return true
	}
	return false
}

// Lead models a prospect with a phone number and a priority tier.
type Lead struct {
	ID           uuid.UUID
	Name         string
	Phone        string
	Email        string
	Company      string
	Priority     int
	Status       LeadStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastCalledAt *time.Time
}
