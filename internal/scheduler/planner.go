package scheduler

import (
	"sort"
	"time"

	"github.com/acme/outbound-dialer/internal/domain"
)

// SortStrategy names an ordering for due queue entries.
type SortStrategy string

const (
	SortFIFO     SortStrategy = "fifo"
	SortPriority SortStrategy = "priority"
	SortSmart    SortStrategy = "smart"
)

// PlannedCall pairs a due queue entry with its lead for scoring and dispatch.
type PlannedCall struct {
	Entry domain.QueueEntry
	Lead  *domain.Lead
}

// Planner orders and filters due entries into a dispatch plan.
type Planner struct {
	strategy SortStrategy
}

// NewPlanner constructs a planner. Unknown strategies fall back to smart.
func NewPlanner(strategy string) *Planner {
	s := SortStrategy(strategy)
	switch s {
	case SortFIFO, SortPriority, SortSmart:
	default:
		s = SortSmart
	}
	return &Planner{strategy: s}
}

// Strategy returns the configured sort strategy.
func (p *Planner) Strategy() SortStrategy {
	return p.strategy
}

// Plan sorts the candidates by the configured strategy and drops entries
// that fail the business rules.
func (p *Planner) Plan(calls []PlannedCall, now time.Time) []PlannedCall {
	sorted := make([]PlannedCall, len(calls))
	copy(sorted, calls)

	switch p.strategy {
	case SortFIFO:
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Entry.ScheduledAt.Before(sorted[j].Entry.ScheduledAt)
		})
	case SortPriority:
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Entry.Priority != sorted[j].Entry.Priority {
				return sorted[i].Entry.Priority > sorted[j].Entry.Priority
			}
			return sorted[i].Entry.ScheduledAt.Before(sorted[j].Entry.ScheduledAt)
		})
	default:
		sort.SliceStable(sorted, func(i, j int) bool {
			return smartScore(sorted[i].Entry, now) > smartScore(sorted[j].Entry, now)
		})
	}

	filtered := sorted[:0]
	for _, call := range sorted {
		if !passesBusinessRules(call, now) {
			continue
		}
		filtered = append(filtered, call)
	}
	return filtered
}

// smartScore combines priority, time urgency and a retry penalty. Priority
// dominates: one tier outweighs the maximum urgency swing.
func smartScore(entry domain.QueueEntry, now time.Time) float64 {
	hoursUntil := entry.ScheduledAt.Sub(now).Hours()
	if hoursUntil > 24 {
		hoursUntil = 24
	}
	urgency := -hoursUntil

	return float64(entry.Priority)*1000 + urgency - float64(entry.Attempts)*10
}

func passesBusinessRules(call PlannedCall, now time.Time) bool {
	if call.Lead == nil || phoneDigits(call.Lead.Phone) < 10 {
		return false
	}
	// Not actionable this cycle if scheduled more than an hour out.
	if call.Entry.ScheduledAt.After(now.Add(time.Hour)) {
		return false
	}
	if call.Entry.Attempts >= call.Entry.MaxAttempts {
		return false
	}
	return true
}

func phoneDigits(phone string) int {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits
}
