package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/telephony"
)

// Provider simulates outbound call behaviour.
type Provider struct {
	timeout time.Duration
	rng     *rand.Rand
}

// NewProvider constructs a mock provider with deterministic randomness.
func NewProvider(cfg config.DialerConfig) *Provider {
	seed := time.Now().UnixNano()
	return &Provider{
		timeout: cfg.RequestTimeout,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

var simulatedOutcomes = []domain.CallOutcome{
	domain.OutcomeAnswered,
	domain.OutcomeAnswered,
	domain.OutcomeInterested,
	domain.OutcomeMeetingScheduled,
	domain.OutcomeNoAnswer,
	domain.OutcomeNoAnswer,
	domain.OutcomeBusy,
	domain.OutcomeAnsweringMachine,
	domain.OutcomeRejected,
	domain.OutcomeNetworkError,
}

// PlaceCall simulates a call attempt.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.Request) (telephony.Result, error) {
	duration := time.Duration(1+p.rng.Intn(5)) * time.Second

	select {
	case <-ctx.Done():
		return telephony.Result{
			Outcome:  domain.OutcomeTimeout,
			Duration: duration,
			Error:    ctx.Err().Error(),
		}, ctx.Err()
	case <-time.After(duration):
	}

	outcome := simulatedOutcomes[p.rng.Intn(len(simulatedOutcomes))]
	return telephony.Result{
		ProviderCallID: fmt.Sprintf("SIM%016x", p.rng.Uint64()),
		Outcome:        outcome,
		Duration:       duration,
	}, nil
}
