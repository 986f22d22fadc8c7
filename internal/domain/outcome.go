package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallOutcome is the classification of a finished call attempt, supplied by
// the call-handling layer.
type CallOutcome string

const (
	OutcomeAnswered         CallOutcome = "answered"
	OutcomeMeetingScheduled CallOutcome = "meeting_scheduled"
	OutcomeInterested       CallOutcome = "interested"
	OutcomeNoAnswer         CallOutcome = "no_answer"
	OutcomeBusy             CallOutcome = "busy"
	OutcomeTimeout          CallOutcome = "timeout"
	OutcomeNetworkError     CallOutcome = "network_error"
	OutcomeTechnicalError   CallOutcome = "technical_error"
	OutcomeAnsweringMachine CallOutcome = "answering_machine"
	OutcomeRejected         CallOutcome = "rejected"
)

// Success reports whether the outcome resolves the entry positively.
func (o CallOutcome) Success() bool {
	switch o {
	case OutcomeAnswered, OutcomeMeetingScheduled, OutcomeInterested:
		return true
	}
	return false
}

// TerminalDisposition reports whether the outcome settles the lead
// negatively; such calls are never retried.
func (o CallOutcome) TerminalDisposition() bool {
	return o == OutcomeRejected
}

// LeadStatusAfter maps a resolving outcome to the lead status it implies.
func (o CallOutcome) LeadStatusAfter() LeadStatus {
	switch o {
	case OutcomeMeetingScheduled:
		return LeadStatusScheduled
	case OutcomeInterested:
		return LeadStatusInterested
	case OutcomeAnswered:
		return LeadStatusCalled
	case OutcomeRejected:
		return LeadStatusNotInterested
	default:
		return LeadStatusCalled
	}
}

// CallAttempt captures one reconciled call attempt for observability.
type CallAttempt struct {
	EntryID        uuid.UUID
	LeadID         uuid.UUID
	AttemptNum     int
	Outcome        CallOutcome
	ProviderCallID string
	Error          string
	StartedAt      time.Time
	Duration       time.Duration
}
