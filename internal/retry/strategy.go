package retry

import (
	"time"

	"github.com/acme/outbound-dialer/internal/domain"
)

// Strategy defines an immutable retry policy for failed call attempts.
type Strategy struct {
	Name              string
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	BasePriority      int
	RetryableOutcomes map[domain.CallOutcome]bool
}

// Retryable reports whether the strategy retries the given outcome.
func (s Strategy) Retryable(outcome domain.CallOutcome) bool {
	return s.RetryableOutcomes[outcome]
}

func defaultRetryable() map[domain.CallOutcome]bool {
	return map[domain.CallOutcome]bool{
		domain.OutcomeNoAnswer:       true,
		domain.OutcomeBusy:           true,
		domain.OutcomeTimeout:        true,
		domain.OutcomeNetworkError:   true,
		domain.OutcomeTechnicalError: true,
	}
}

func highValueRetryable() map[domain.CallOutcome]bool {
	m := defaultRetryable()
	m[domain.OutcomeAnsweringMachine] = true
	return m
}

// Named strategy presets.
var (
	Standard = Strategy{
		Name:              "standard",
		MaxAttempts:       3,
		InitialDelay:      2 * time.Hour,
		BackoffMultiplier: 2.0,
		MaxDelay:          24 * time.Hour,
		BasePriority:      1,
		RetryableOutcomes: defaultRetryable(),
	}
	Aggressive = Strategy{
		Name:              "aggressive",
		MaxAttempts:       5,
		InitialDelay:      1 * time.Hour,
		BackoffMultiplier: 1.5,
		MaxDelay:          12 * time.Hour,
		BasePriority:      2,
		RetryableOutcomes: defaultRetryable(),
	}
	Conservative = Strategy{
		Name:              "conservative",
		MaxAttempts:       2,
		InitialDelay:      4 * time.Hour,
		BackoffMultiplier: 3.0,
		MaxDelay:          48 * time.Hour,
		BasePriority:      1,
		RetryableOutcomes: defaultRetryable(),
	}
	HighValue = Strategy{
		Name:              "high_value",
		MaxAttempts:       4,
		InitialDelay:      1 * time.Hour,
		BackoffMultiplier: 1.8,
		MaxDelay:          24 * time.Hour,
		BasePriority:      3,
		RetryableOutcomes: highValueRetryable(),
	}
)

// ByName resolves a strategy preset, falling back to Standard.
func ByName(name string) Strategy {
	switch name {
	case Aggressive.Name:
		return Aggressive
	case Conservative.Name:
		return Conservative
	case HighValue.Name:
		return HighValue
	default:
		return Standard
	}
}

// ForLeadPriority picks the strategy matching a lead's priority tier.
func ForLeadPriority(priority int) Strategy {
	switch {
	case priority >= domain.PriorityUrgent:
		return HighValue
	case priority == domain.PriorityHigh:
		return Aggressive
	case priority == domain.PriorityMedium:
		return Standard
	default:
		return Conservative
	}
}
