package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/repository"
	"github.com/acme/outbound-dialer/internal/telephony"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*domain.QueueEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[uuid.UUID]*domain.QueueEntry)}
}

func (s *fakeStore) put(entry domain.QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := entry
	s.entries[entry.ID] = &cp
}

func (s *fakeStore) get(id uuid.UUID) domain.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.entries[id]
}

func (s *fakeStore) Enqueue(ctx context.Context, entry *domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.LeadID == entry.LeadID && e.Status == domain.QueueStatusPending {
			return fmt.Errorf("lead %s already queued: %w", entry.LeadID, repository.ErrConflict)
		}
	}
	cp := *entry
	s.entries[entry.ID] = &cp
	return nil
}

func (s *fakeStore) FetchDue(ctx context.Context, limit int, now time.Time) ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.QueueEntry
	for _, e := range s.entries {
		if e.Due(now) {
			due = append(due, *e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *fakeStore) ClaimProcessing(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.Status != domain.QueueStatusPending || e.Attempts >= e.MaxAttempts {
		return false, nil
	}
	e.Status = domain.QueueStatusProcessing
	e.Attempts++
	t := now
	e.LastAttemptAt = &t
	e.UpdatedAt = now
	return true, nil
}

func (s *fakeStore) MarkTerminal(ctx context.Context, id uuid.UUID, status domain.QueueStatus, notes string) error {
	if !status.Terminal() {
		return fmt.Errorf("%q is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Status = status
	e.Notes = notes
	return nil
}

func (s *fakeStore) Reschedule(ctx context.Context, id uuid.UUID, at time.Time, priority int, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Status = domain.QueueStatusPending
	e.ScheduledAt = at
	e.Priority = priority
	e.Notes = notes
	return nil
}

func (s *fakeStore) ListProcessing(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	return s.listByStatus(domain.QueueStatusProcessing, limit), nil
}

func (s *fakeStore) ListPending(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	return s.listByStatus(domain.QueueStatusPending, limit), nil
}

func (s *fakeStore) listByStatus(status domain.QueueStatus, limit int) []domain.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.QueueEntry
	for _, e := range s.entries {
		if e.Status == status {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *fakeStore) Statistics(ctx context.Context, now time.Time) (*repository.QueueStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &repository.QueueStatistics{PriorityBreakdown: make(map[int]int64)}
	var attemptSum int64
	for _, e := range s.entries {
		if e.Status != domain.QueueStatusPending {
			continue
		}
		stats.TotalPending++
		attemptSum += int64(e.Attempts)
		if e.ScheduledAt.Before(now) {
			stats.Overdue++
		}
		if e.ScheduledAt.Before(now.Add(time.Hour)) {
			stats.NextHour++
		}
		if e.ScheduledAt.Before(now.Add(24 * time.Hour)) {
			stats.NextDay++
		}
		if e.Attempts > 0 {
			stats.RetryCount++
		}
		if e.Attempts >= 2 {
			stats.HighAttempts++
		}
		stats.PriorityBreakdown[e.Priority]++
	}
	if stats.TotalPending > 0 {
		stats.AvgAttempts = float64(attemptSum) / float64(stats.TotalPending)
	}
	return stats, nil
}

type fakeLeads struct {
	mu    sync.Mutex
	leads map[uuid.UUID]*domain.Lead
}

func newFakeLeads() *fakeLeads {
	return &fakeLeads{leads: make(map[uuid.UUID]*domain.Lead)}
}

func (r *fakeLeads) put(lead domain.Lead) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := lead
	r.leads[lead.ID] = &cp
}

func (r *fakeLeads) status(id uuid.UUID) domain.LeadStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leads[id].Status
}

func (r *fakeLeads) Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead, ok := r.leads[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *lead
	return &cp, nil
}

func (r *fakeLeads) ListByStatus(ctx context.Context, status domain.LeadStatus, limit int) ([]*domain.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Lead
	for _, lead := range r.leads {
		if lead.Status == status {
			cp := *lead
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeLeads) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.LeadStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead, ok := r.leads[id]
	if !ok {
		return repository.ErrNotFound
	}
	lead.Status = status
	return nil
}

func (r *fakeLeads) TouchLastCalled(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead, ok := r.leads[id]
	if !ok {
		return repository.ErrNotFound
	}
	t := at
	lead.LastCalledAt = &t
	return nil
}

type fakeAttempts struct {
	mu       sync.Mutex
	attempts []domain.CallAttempt
}

func (a *fakeAttempts) Append(ctx context.Context, attempt domain.CallAttempt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts = append(a.attempts, attempt)
	return nil
}

func (a *fakeAttempts) ListByLead(ctx context.Context, leadID uuid.UUID, limit int) ([]domain.CallAttempt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.CallAttempt
	for _, attempt := range a.attempts {
		if attempt.LeadID == leadID {
			out = append(out, attempt)
		}
	}
	return out, nil
}

func (a *fakeAttempts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.attempts)
}

type fakeLeases struct {
	mu   sync.Mutex
	held map[uuid.UUID]bool
}

func newFakeLeases() *fakeLeases {
	return &fakeLeases{held: make(map[uuid.UUID]bool)}
}

func (l *fakeLeases) Acquire(ctx context.Context, entryID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[entryID] {
		return false, nil
	}
	l.held[entryID] = true
	return true, nil
}

func (l *fakeLeases) Renew(ctx context.Context, entryID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[entryID] = true
	return nil
}

func (l *fakeLeases) Release(ctx context.Context, entryID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, entryID)
	return nil
}

func (l *fakeLeases) Alive(ctx context.Context, entryID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[entryID], nil
}

type fakeOutcomes struct {
	mu   sync.Mutex
	msgs []queue.OutcomeMessage
}

func (o *fakeOutcomes) PublishOutcome(ctx context.Context, msg queue.OutcomeMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *fakeOutcomes) all() []queue.OutcomeMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]queue.OutcomeMessage(nil), o.msgs...)
}

type fakeDeadLetters struct {
	mu   sync.Mutex
	msgs []queue.DeadLetterMessage
}

func (d *fakeDeadLetters) PublishDeadLetter(ctx context.Context, msg queue.DeadLetterMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *fakeDeadLetters) all() []queue.DeadLetterMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]queue.DeadLetterMessage(nil), d.msgs...)
}

// stubProvider returns scripted results; with a gate it blocks every call
// until the gate is closed.
type stubProvider struct {
	mu      sync.Mutex
	results []telephony.Result
	gate    chan struct{}
	calls   int
}

func (p *stubProvider) PlaceCall(ctx context.Context, req telephony.Request) (telephony.Result, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return telephony.Result{Outcome: domain.OutcomeTimeout}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.results) == 0 {
		return telephony.Result{Outcome: domain.OutcomeAnswered, Duration: time.Second}, nil
	}
	result := p.results[0]
	if len(p.results) > 1 {
		p.results = p.results[1:]
	}
	return result, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
