package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates the entity already exists, e.g. a lead that is
	// already queued.
	ErrConflict = apperrors.ErrConflict
)

// QueueStore is the durable record of call attempts. It is the single owner
// of queue entries; the scheduler only consumes this contract.
type QueueStore interface {
	// Enqueue inserts a new pending entry. A lead with an existing pending
	// entry yields ErrConflict.
	Enqueue(ctx context.Context, entry *domain.QueueEntry) error
	// FetchDue returns pending entries with scheduled_at <= now and
	// attempts < max_attempts, ordered by priority desc, scheduled_at asc.
	FetchDue(ctx context.Context, limit int, now time.Time) ([]domain.QueueEntry, error)
	// ClaimProcessing atomically flips pending -> processing and increments
	// the attempt counter. It reports false when the entry was already
	// claimed or is no longer eligible.
	ClaimProcessing(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	// MarkTerminal moves the entry into a terminal status.
	MarkTerminal(ctx context.Context, id uuid.UUID, status domain.QueueStatus, notes string) error
	// Reschedule returns the entry to pending at a new time and priority.
	Reschedule(ctx context.Context, id uuid.UUID, at time.Time, priority int, notes string) error
	// ListProcessing returns entries currently claimed as processing.
	ListProcessing(ctx context.Context, limit int) ([]domain.QueueEntry, error)
	// ListPending returns pending entries regardless of due time.
	ListPending(ctx context.Context, limit int) ([]domain.QueueEntry, error)
	// Statistics aggregates the pending portion of the queue.
	Statistics(ctx context.Context, now time.Time) (*QueueStatistics, error)
}

// LeadRepository provides read access to leads plus the status updates the
// scheduler performs.
type LeadRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error)
	ListByStatus(ctx context.Context, status domain.LeadStatus, limit int) ([]*domain.Lead, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.LeadStatus) error
	TouchLastCalled(ctx context.Context, id uuid.UUID, at time.Time) error
}

// AttemptStore journals reconciled call attempts for observability.
type AttemptStore interface {
	Append(ctx context.Context, attempt domain.CallAttempt) error
	ListByLead(ctx context.Context, leadID uuid.UUID, limit int) ([]domain.CallAttempt, error)
}

// QueueStatistics aggregates the pending queue.
type QueueStatistics struct {
	TotalPending      int64
	Overdue           int64
	NextHour          int64
	NextDay           int64
	RetryCount        int64
	HighAttempts      int64
	AvgAttempts       float64
	PriorityBreakdown map[int]int64
}
