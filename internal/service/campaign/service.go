package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
	"github.com/acme/outbound-dialer/internal/retry"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

const defaultCallsPerHour = 30

// Service schedules batches and campaigns of outbound calls into the queue.
type Service struct {
	store repository.QueueStore
	leads repository.LeadRepository
	log   *logger.Logger
	now   func() time.Time
}

// New constructs the campaign service.
func New(store repository.QueueStore, leads repository.LeadRepository, log *logger.Logger, now func() time.Time) *Service {
	if log == nil {
		log = logger.Nop()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: store, leads: leads, log: log.Named("campaign"), now: now}
}

// BatchRequest schedules a fixed set of leads starting at BaseTime, spread
// evenly by Spread between consecutive calls.
type BatchRequest struct {
	LeadIDs  []uuid.UUID
	BaseTime time.Time
	Priority int
	Spread   time.Duration
}

// CampaignRequest schedules a lead set paced at CallsPerHour inside business
// hours. Priority comes from each lead's own tier.
type CampaignRequest struct {
	Name         string
	LeadIDs      []uuid.UUID
	StartTime    time.Time
	CallsPerHour int
}

// Result summarizes a scheduling pass.
type Result struct {
	Requested     int       `json:"requested"`
	Scheduled     int       `json:"scheduled"`
	AlreadyQueued int       `json:"already_queued"`
	Skipped       int       `json:"skipped"`
	FirstCallAt   time.Time `json:"first_call_at"`
	LastCallAt    time.Time `json:"last_call_at"`
}

// ScheduleBatch enqueues each lead at base + i*spread. Leads already queued
// are counted, not errors.
func (s *Service) ScheduleBatch(ctx context.Context, req BatchRequest) (*Result, error) {
	if len(req.LeadIDs) == 0 {
		return nil, fmt.Errorf("%w: empty lead set", apperrors.ErrValidation)
	}
	if req.Priority < domain.PriorityLow || req.Priority > domain.PriorityUrgent {
		return nil, fmt.Errorf("%w: priority %d out of range", apperrors.ErrValidation, req.Priority)
	}

	base := req.BaseTime
	if base.IsZero() {
		base = s.now()
	}
	spread := req.Spread
	if spread <= 0 {
		spread = 2 * time.Minute
	}

	result := &Result{Requested: len(req.LeadIDs), FirstCallAt: base}
	strategy := retry.Standard

	slot := base
	for _, leadID := range req.LeadIDs {
		lead, err := s.leads.Get(ctx, leadID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				result.Skipped++
				continue
			}
			return nil, fmt.Errorf("schedule batch: lead %s: %w", leadID, err)
		}
		if !lead.Status.Callable() {
			result.Skipped++
			continue
		}

		err = s.enqueue(ctx, lead, slot, req.Priority, strategy.MaxAttempts, "batch scheduled")
		switch {
		case errors.Is(err, repository.ErrConflict):
			result.AlreadyQueued++
			continue
		case err != nil:
			return nil, fmt.Errorf("schedule batch: lead %s: %w", leadID, err)
		}

		result.Scheduled++
		result.LastCallAt = slot
		slot = slot.Add(spread)
	}

	s.log.Info("batch scheduled",
		zap.Int("requested", result.Requested),
		zap.Int("scheduled", result.Scheduled),
		zap.Int("already_queued", result.AlreadyQueued),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

// ScheduleCampaign paces a lead set at CallsPerHour, pushing each slot into
// business hours. Per-lead priority and retry budget follow the lead's tier.
func (s *Service) ScheduleCampaign(ctx context.Context, req CampaignRequest) (*Result, error) {
	if len(req.LeadIDs) == 0 {
		return nil, fmt.Errorf("%w: empty lead set", apperrors.ErrValidation)
	}
	perHour := req.CallsPerHour
	if perHour <= 0 {
		perHour = defaultCallsPerHour
	}
	interval := time.Hour / time.Duration(perHour)

	start := req.StartTime
	if start.IsZero() {
		start = s.now()
	}
	start = retry.NextBusinessTime(start)

	result := &Result{Requested: len(req.LeadIDs), FirstCallAt: start}

	slot := start
	for _, leadID := range req.LeadIDs {
		lead, err := s.leads.Get(ctx, leadID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				result.Skipped++
				continue
			}
			return nil, fmt.Errorf("schedule campaign: lead %s: %w", leadID, err)
		}
		if !lead.Status.Callable() {
			result.Skipped++
			continue
		}

		strategy := retry.ForLeadPriority(lead.Priority)
		notes := "campaign scheduled"
		if req.Name != "" {
			notes = fmt.Sprintf("campaign %q scheduled", req.Name)
		}

		err = s.enqueue(ctx, lead, slot, lead.Priority, strategy.MaxAttempts, notes)
		switch {
		case errors.Is(err, repository.ErrConflict):
			result.AlreadyQueued++
			continue
		case err != nil:
			return nil, fmt.Errorf("schedule campaign: lead %s: %w", leadID, err)
		}

		result.Scheduled++
		result.LastCallAt = slot
		slot = retry.ClampToBusinessHours(slot.Add(interval))
	}

	s.log.Info("campaign scheduled",
		zap.String("campaign", req.Name),
		zap.Int("requested", result.Requested),
		zap.Int("scheduled", result.Scheduled),
		zap.Int("already_queued", result.AlreadyQueued),
		zap.Int("skipped", result.Skipped),
		zap.Int("calls_per_hour", perHour))
	return result, nil
}

func (s *Service) enqueue(ctx context.Context, lead *domain.Lead, at time.Time, priority, maxAttempts int, notes string) error {
	now := s.now()
	entry := &domain.QueueEntry{
		ID:          uuid.New(),
		LeadID:      lead.ID,
		ScheduledAt: at,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Status:      domain.QueueStatusPending,
		Notes:       notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.store.Enqueue(ctx, entry)
}
