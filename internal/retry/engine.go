package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/acme/outbound-dialer/internal/domain"
)

// Jitter bounds for retry scheduling, uniform in [-30m, +30m].
const jitterWindow = 30 * time.Minute

// Engine decides whether and when a failed call attempt is retried.
// It is pure apart from jitter, which comes from the injected RNG so tests
// can seed it.
type Engine struct {
	rng *rand.Rand
}

// NewEngine constructs an engine with the given randomness source.
func NewEngine(rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{rng: rng}
}

// ShouldRetry reports whether a call with the given outcome deserves another
// attempt under the strategy.
func (e *Engine) ShouldRetry(outcome domain.CallOutcome, attempts int, strategy Strategy, leadStatus domain.LeadStatus) bool {
	if attempts >= strategy.MaxAttempts {
		return false
	}
	if !strategy.Retryable(outcome) {
		return false
	}
	if leadStatus.Resolved() {
		return false
	}
	return true
}

// Delay returns the pre-jitter backoff delay for the given attempt number
// (1-based). The delay grows geometrically and is capped at MaxDelay.
func (e *Engine) Delay(attemptNumber int, strategy Strategy) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	factor := math.Pow(strategy.BackoffMultiplier, float64(attemptNumber-1))
	delay := time.Duration(float64(strategy.InitialDelay) * factor)
	if delay > strategy.MaxDelay {
		delay = strategy.MaxDelay
	}
	return delay
}

// NextRetryTime computes when the given attempt should be retried: capped
// exponential backoff from base, randomized jitter against thundering herds,
// then clamped into business hours.
func (e *Engine) NextRetryTime(attemptNumber int, strategy Strategy, base time.Time) time.Time {
	delay := e.Delay(attemptNumber, strategy)
	jitter := time.Duration(e.rng.Int63n(int64(2*jitterWindow)+1)) - jitterWindow
	return ClampToBusinessHours(base.Add(delay + jitter))
}

// RetryPriority escalates queue priority with each attempt, capped at high.
func RetryPriority(strategy Strategy, attemptNumber int) int {
	priority := strategy.BasePriority + attemptNumber - 1
	if priority > domain.PriorityHigh {
		priority = domain.PriorityHigh
	}
	return priority
}
