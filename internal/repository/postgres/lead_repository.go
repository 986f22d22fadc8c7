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

// LeadRepository provides lead lookups and the status writes the scheduler
// performs.
type LeadRepository struct {
	db *sqlx.DB
}

// NewLeadRepository constructs the repository.
func NewLeadRepository(db *sqlx.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

// Get retrieves a lead by id.
func (r *LeadRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	var rec leadRecord
	err := r.db.GetContext(ctx, &rec, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lead repository: lead %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lead repository: get: %w", err)
	}
	lead := rec.toModel()
	return &lead, nil
}

// ListByStatus lists leads in the given status, oldest first.
func (r *LeadRepository) ListByStatus(ctx context.Context, status domain.LeadStatus, limit int) ([]*domain.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+leadColumns+`
		FROM leads WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("lead repository: list by status: %w", err)
	}
	defer rows.Close()

	var leads []*domain.Lead
	for rows.Next() {
		var rec leadRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("lead repository: scan: %w", err)
		}
		lead := rec.toModel()
		leads = append(leads, &lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lead repository: rows err: %w", err)
	}
	return leads, nil
}

// UpdateStatus sets the lead status.
func (r *LeadRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.LeadStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE leads SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("lead repository: update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lead repository: lead %s: %w", id, repository.ErrNotFound)
	}
	return nil
}

// TouchLastCalled records the most recent dispatch time for a lead.
func (r *LeadRepository) TouchLastCalled(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE leads SET last_called_at = $2, updated_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("lead repository: touch last called: %w", err)
	}
	return nil
}

const leadColumns = `id, name, phone, email, company, priority, status, created_at, updated_at, last_called_at`

type leadRecord struct {
	ID         uuid.UUID      `db:"id"`
	Name       string         `db:"name"`
	Phone      string         `db:"phone"`
	Email      sql.NullString `db:"email"`
	Company    sql.NullString `db:"company"`
	Priority   int            `db:"priority"`
	Status     string         `db:"status"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
	LastCalled sql.NullTime   `db:"last_called_at"`
}

func (r leadRecord) toModel() domain.Lead {
	lead := domain.Lead{
		ID:        r.ID,
		Name:      r.Name,
		Phone:     r.Phone,
		Email:     r.Email.String,
		Company:   r.Company.String,
		Priority:  r.Priority,
		Status:    domain.LeadStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.LastCalled.Valid {
		t := r.LastCalled.Time
		lead.LastCalledAt = &t
	}
	return lead
}
