package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
)

// QueueStore persists call queue entries.
type QueueStore struct {
	db *sqlx.DB
}

// NewQueueStore constructs the store.
func NewQueueStore(db *sqlx.DB) *QueueStore {
	return &QueueStore{db: db}
}

// Enqueue inserts a pending entry unless the lead already has one.
func (s *QueueStore) Enqueue(ctx context.Context, entry *domain.QueueEntry) error {
	var existing uuid.UUID
	err := s.db.GetContext(ctx, &existing,
		`SELECT id FROM call_queue WHERE lead_id = $1 AND status = 'pending' LIMIT 1`, entry.LeadID)
	if err == nil {
		return fmt.Errorf("queue store: lead %s already queued as %s: %w", entry.LeadID, existing, repository.ErrConflict)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("queue store: check pending: %w", err)
	}

	query := `INSERT INTO call_queue (
		id, lead_id, scheduled_at, priority, attempts, max_attempts, status, last_attempt_at, notes, created_at, updated_at
	) VALUES (:id, :lead_id, :scheduled_at, :priority, :attempts, :max_attempts, :status, :last_attempt_at, :notes, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, query, newQueueRecord(entry)); err != nil {
		return fmt.Errorf("queue store: insert: %w", err)
	}
	return nil
}

// FetchDue returns dispatchable entries ordered by priority then due time.
func (s *QueueStore) FetchDue(ctx context.Context, limit int, now time.Time) ([]domain.QueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryxContext(ctx, `SELECT `+queueColumns+`
		FROM call_queue
		WHERE status = 'pending' AND scheduled_at <= $1 AND attempts < max_attempts
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("queue store: select due: %w", err)
	}
	defer rows.Close()

	return scanQueueRows(rows)
}

// ClaimProcessing performs the pending -> processing compare-and-swap. The
// status predicate makes a double claim lose the race and report false.
func (s *QueueStore) ClaimProcessing(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE call_queue
		SET status = 'processing', attempts = attempts + 1, last_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending' AND attempts < max_attempts`, id, now)
	if err != nil {
		return false, fmt.Errorf("queue store: claim: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue store: claim rows affected: %w", err)
	}
	return affected == 1, nil
}

// MarkTerminal transitions the entry into a terminal status.
func (s *QueueStore) MarkTerminal(ctx context.Context, id uuid.UUID, status domain.QueueStatus, notes string) error {
	if !status.Terminal() {
		return fmt.Errorf("queue store: %q is not a terminal status", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE call_queue
		SET status = $2, notes = $3, updated_at = $4
		WHERE id = $1`, id, status, notes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("queue store: mark terminal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue store: entry %s: %w", id, repository.ErrNotFound)
	}
	return nil
}

// Reschedule returns the entry to pending at a new time and priority.
func (s *QueueStore) Reschedule(ctx context.Context, id uuid.UUID, at time.Time, priority int, notes string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE call_queue
		SET status = 'pending', scheduled_at = $2, priority = $3, notes = $4, updated_at = $5
		WHERE id = $1`, id, at, priority, notes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("queue store: reschedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue store: entry %s: %w", id, repository.ErrNotFound)
	}
	return nil
}

// ListProcessing returns entries currently claimed as processing.
func (s *QueueStore) ListProcessing(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryxContext(ctx, `SELECT `+queueColumns+`
		FROM call_queue WHERE status = 'processing'
		ORDER BY last_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue store: select processing: %w", err)
	}
	defer rows.Close()

	return scanQueueRows(rows)
}

// ListPending returns pending entries regardless of due time.
func (s *QueueStore) ListPending(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryxContext(ctx, `SELECT `+queueColumns+`
		FROM call_queue WHERE status = 'pending'
		ORDER BY scheduled_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue store: select pending: %w", err)
	}
	defer rows.Close()

	return scanQueueRows(rows)
}

// Statistics aggregates the pending portion of the queue in SQL.
func (s *QueueStore) Statistics(ctx context.Context, now time.Time) (*repository.QueueStatistics, error) {
	stats := &repository.QueueStatistics{PriorityBreakdown: make(map[int]int64)}

	row := s.db.QueryRowxContext(ctx, `SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE scheduled_at < $1),
			COUNT(*) FILTER (WHERE scheduled_at < $1 + INTERVAL '1 hour'),
			COUNT(*) FILTER (WHERE scheduled_at < $1 + INTERVAL '1 day'),
			COUNT(*) FILTER (WHERE attempts > 0),
			COUNT(*) FILTER (WHERE attempts >= 2),
			COALESCE(AVG(attempts), 0)
		FROM call_queue WHERE status = 'pending'`, now)
	if err := row.Scan(&stats.TotalPending, &stats.Overdue, &stats.NextHour,
		&stats.NextDay, &stats.RetryCount, &stats.HighAttempts, &stats.AvgAttempts); err != nil {
		return nil, fmt.Errorf("queue store: aggregate: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx,
		`SELECT priority, COUNT(*) FROM call_queue WHERE status = 'pending' GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("queue store: priority breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var priority int
		var count int64
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("queue store: scan breakdown: %w", err)
		}
		stats.PriorityBreakdown[priority] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue store: breakdown rows: %w", err)
	}

	return stats, nil
}

const queueColumns = `id, lead_id, scheduled_at, priority, attempts, max_attempts, status, last_attempt_at, notes, created_at, updated_at`

type queueRecord struct {
	ID          uuid.UUID      `db:"id"`
	LeadID      uuid.UUID      `db:"lead_id"`
	ScheduledAt time.Time      `db:"scheduled_at"`
	Priority    int            `db:"priority"`
	Attempts    int            `db:"attempts"`
	MaxAttempts int            `db:"max_attempts"`
	Status      string         `db:"status"`
	LastAttempt sql.NullTime   `db:"last_attempt_at"`
	Notes       sql.NullString `db:"notes"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func newQueueRecord(e *domain.QueueEntry) map[string]any {
	return map[string]any{
		"id":              e.ID,
		"lead_id":         e.LeadID,
		"scheduled_at":    e.ScheduledAt,
		"priority":        e.Priority,
		"attempts":        e.Attempts,
		"max_attempts":    e.MaxAttempts,
		"status":          string(e.Status),
		"last_attempt_at": e.LastAttemptAt,
		"notes":           e.Notes,
		"created_at":      e.CreatedAt,
		"updated_at":      e.UpdatedAt,
	}
}

func (r queueRecord) toModel() domain.QueueEntry {
	entry := domain.QueueEntry{
		ID:          r.ID,
		LeadID:      r.LeadID,
		ScheduledAt: r.ScheduledAt,
		Priority:    r.Priority,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		Status:      domain.QueueStatus(r.Status),
		Notes:       r.Notes.String,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.LastAttempt.Valid {
		t := r.LastAttempt.Time
		entry.LastAttemptAt = &t
	}
	return entry
}

func scanQueueRows(rows *sqlx.Rows) ([]domain.QueueEntry, error) {
	var results []domain.QueueEntry
	for rows.Next() {
		var rec queueRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("queue store: scan: %w", err)
		}
		results = append(results, rec.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue store: rows err: %w", err)
	}
	return results, nil
}
