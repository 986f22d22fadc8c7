package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
)

// AttemptStore journals reconciled call attempts in Scylla, partitioned by
// lead so the dashboard can read a lead's call history in one partition.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// Append writes one attempt record.
func (s *AttemptStore) Append(ctx context.Context, attempt domain.CallAttempt) error {
	durationMs := int64(attempt.Duration / time.Millisecond)
	if err := s.session.Query(`INSERT INTO call_attempts_by_lead
		(lead_id, started_at, entry_id, attempt_number, outcome, provider_call_id, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.LeadID.String(), attempt.StartedAt, attempt.EntryID.String(), attempt.AttemptNum,
		string(attempt.Outcome), attempt.ProviderCallID, attempt.Error, durationMs,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert: %w", err)
	}
	return nil
}

// ListByLead returns a lead's attempts, most recent first.
func (s *AttemptStore) ListByLead(ctx context.Context, leadID uuid.UUID, limit int) ([]domain.CallAttempt, error) {
	if limit <= 0 {
		limit = 50
	}

	iter := s.session.Query(`SELECT started_at, entry_id, attempt_number, outcome, provider_call_id, error, duration_ms
		FROM call_attempts_by_lead WHERE lead_id = ? ORDER BY started_at DESC LIMIT ?`,
		leadID.String(), limit).WithContext(ctx).Iter()

	var (
		startedAt      time.Time
		entryIDStr     string
		attemptNum     int
		outcome        string
		providerCallID string
		errText        string
		durationMs     int64
	)

	attempts := make([]domain.CallAttempt, 0, limit)
	for iter.Scan(&startedAt, &entryIDStr, &attemptNum, &outcome, &providerCallID, &errText, &durationMs) {
		entryID, err := uuid.Parse(entryIDStr)
		if err != nil {
			continue
		}
		attempts = append(attempts, domain.CallAttempt{
			EntryID:        entryID,
			LeadID:         leadID,
			AttemptNum:     attemptNum,
			Outcome:        domain.CallOutcome(outcome),
			ProviderCallID: providerCallID,
			Error:          errText,
			StartedAt:      startedAt,
			Duration:       time.Duration(durationMs) * time.Millisecond,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("attempt store: iter close: %w", err)
	}
	return attempts, nil
}
