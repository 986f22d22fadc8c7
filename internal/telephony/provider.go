package telephony

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
)

// Request carries everything needed to place one outbound call.
type Request struct {
	DispatchKey uuid.UUID
	LeadID      uuid.UUID
	PhoneNumber string
}

// Result captures the classified outcome of a finished call. The outcome
// classification itself happens in the call-handling layer; this subsystem
// treats it as opaque.
type Result struct {
	ProviderCallID string
	Outcome        domain.CallOutcome
	Duration       time.Duration
	Error          string
}

// Provider abstracts the telephony integration. PlaceCall blocks for the
// duration of the call and returns its classified outcome; it returns an
// error only on immediate placement failure (invalid number, provider
// outage), which the scheduler treats as a technical error.
type Provider interface {
	PlaceCall(ctx context.Context, req Request) (Result, error)
}
