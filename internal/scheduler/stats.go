package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
)

// QueueHealth summarizes the pending queue state for operators.
type QueueHealth string

const (
	HealthEmpty     QueueHealth = "empty"
	HealthHealthy   QueueHealth = "healthy"
	HealthWarning   QueueHealth = "warning"
	HealthCritical  QueueHealth = "critical"
	HealthCongested QueueHealth = "congested"
)

const congestionThreshold = 1000

// QueueReport is the statistics payload served to operators.
type QueueReport struct {
	TotalPending      int64         `json:"total_pending"`
	Overdue           int64         `json:"overdue"`
	NextHour          int64         `json:"next_hour"`
	NextDay           int64         `json:"next_day"`
	RetryCount        int64         `json:"retry_count"`
	HighAttempts      int64         `json:"high_attempts"`
	AvgAttempts       float64       `json:"avg_attempts"`
	PriorityBreakdown map[int]int64 `json:"priority_breakdown"`
	Health            QueueHealth   `json:"health"`
	GeneratedAt       time.Time     `json:"generated_at"`
}

// QueueStatistics aggregates the pending queue and grades its health.
func (s *Scheduler) QueueStatistics(ctx context.Context) (*QueueReport, error) {
	now := s.now()
	stats, err := s.deps.Store.Statistics(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("queue statistics: %w", err)
	}

	return &QueueReport{
		TotalPending:      stats.TotalPending,
		Overdue:           stats.Overdue,
		NextHour:          stats.NextHour,
		NextDay:           stats.NextDay,
		RetryCount:        stats.RetryCount,
		HighAttempts:      stats.HighAttempts,
		AvgAttempts:       stats.AvgAttempts,
		PriorityBreakdown: stats.PriorityBreakdown,
		Health:            gradeHealth(stats),
		GeneratedAt:       now,
	}, nil
}

// gradeHealth grades the queue. Overdue backlog dominates, congestion is
// checked last so a large but current queue reads congested, not critical.
func gradeHealth(stats *repository.QueueStatistics) QueueHealth {
	if stats.TotalPending == 0 {
		return HealthEmpty
	}

	overdueRatio := float64(stats.Overdue) / float64(stats.TotalPending)
	highAttemptsRatio := float64(stats.HighAttempts) / float64(stats.TotalPending)

	switch {
	case overdueRatio > 0.5:
		return HealthCritical
	case overdueRatio > 0.25 || highAttemptsRatio > 0.4:
		return HealthWarning
	case stats.TotalPending > congestionThreshold:
		return HealthCongested
	default:
		return HealthHealthy
	}
}

// OptimizeResult counts the changes made by one optimization pass.
type OptimizeResult struct {
	Examined      int `json:"examined"`
	Redistributed int `json:"redistributed"`
	Reprioritized int `json:"reprioritized"`
	CleanedUp     int `json:"cleaned_up"`
}

const optimizeScanLimit = 10000

// Optimize walks the pending queue: drops entries that can never dispatch,
// pulls overdue entries into priority-based slots and realigns entry
// priority with the lead's current tier.
func (s *Scheduler) Optimize(ctx context.Context) (*OptimizeResult, error) {
	entries, err := s.deps.Store.ListPending(ctx, optimizeScanLimit)
	if err != nil {
		return nil, fmt.Errorf("optimize: list pending: %w", err)
	}

	now := s.now()
	result := &OptimizeResult{Examined: len(entries)}

	for _, entry := range entries {
		lead, err := s.deps.Leads.Get(ctx, entry.LeadID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.log.Warn("optimize: lead lookup failed", zap.Error(err), zap.String("entry_id", entry.ID.String()))
			continue
		}

		if lead == nil || entry.Attempts >= entry.MaxAttempts || lead.Status.Resolved() {
			if err := s.deps.Store.MarkTerminal(ctx, entry.ID, domain.QueueStatusFailed, "cleaned up during optimization"); err != nil {
				s.log.Warn("optimize: cleanup failed", zap.Error(err), zap.String("entry_id", entry.ID.String()))
				continue
			}
			result.CleanedUp++
			continue
		}

		scheduledAt := entry.ScheduledAt
		priority := entry.Priority
		moved := false
		retiered := false

		if priority != lead.Priority {
			priority = lead.Priority
			retiered = true
		}
		if entry.Due(now) {
			scheduledAt = optimizedSlot(priority, now)
			moved = true
		}

		if !moved && !retiered {
			continue
		}
		if err := s.deps.Store.Reschedule(ctx, entry.ID, scheduledAt, priority, "rebalanced during optimization"); err != nil {
			s.log.Warn("optimize: reschedule failed", zap.Error(err), zap.String("entry_id", entry.ID.String()))
			continue
		}
		if moved {
			result.Redistributed++
		}
		if retiered {
			result.Reprioritized++
		}
	}

	s.log.Info("queue optimized",
		zap.Int("examined", result.Examined),
		zap.Int("redistributed", result.Redistributed),
		zap.Int("reprioritized", result.Reprioritized),
		zap.Int("cleaned_up", result.CleanedUp))
	return result, nil
}

// optimizedSlot places an overdue entry by priority: urgent work dispatches
// now, medium within the hour, the rest later in the day.
func optimizedSlot(priority int, now time.Time) time.Time {
	switch {
	case priority >= domain.PriorityHigh:
		return now
	case priority == domain.PriorityMedium:
		return now.Add(1 * time.Hour)
	default:
		return now.Add(4 * time.Hour)
	}
}
