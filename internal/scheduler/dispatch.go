package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/repository"
	"github.com/acme/outbound-dialer/internal/retry"
	"github.com/acme/outbound-dialer/internal/telephony"
)

// dispatch fills free call slots with due entries from the store.
func (s *Scheduler) dispatch(ctx context.Context) error {
	slots := s.freeSlots()
	if slots <= 0 {
		return nil
	}

	now := s.now()
	fetch := s.opts.FetchBatchSize
	if fetch <= 0 {
		// Fetch beyond capacity so business-rule filtering still fills slots.
		fetch = slots * 2
	}

	entries, err := s.deps.Store.FetchDue(ctx, fetch, now)
	if err != nil {
		return fmt.Errorf("fetch due entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	planned := s.resolveLeads(ctx, entries)
	planned = s.planner.Plan(planned, now)

	dispatched := 0
	for _, call := range planned {
		if dispatched >= slots {
			break
		}
		if s.dispatchOne(ctx, call) {
			dispatched++
		}
	}

	if dispatched > 0 {
		s.log.Info("dispatched calls", zap.Int("count", dispatched), zap.Int("due", len(entries)))
	}
	return nil
}

// resolveLeads joins entries with their leads, failing entries whose lead is
// gone and skipping leads that are not in a callable state.
func (s *Scheduler) resolveLeads(ctx context.Context, entries []domain.QueueEntry) []PlannedCall {
	planned := make([]PlannedCall, 0, len(entries))
	for _, entry := range entries {
		lead, err := s.deps.Leads.Get(ctx, entry.LeadID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				s.failEntry(ctx, entry, "lead not found")
				continue
			}
			s.log.Error("lead lookup failed", zap.Error(err), zap.String("entry_id", entry.ID.String()))
			continue
		}
		if !lead.Status.Callable() {
			s.log.Debug("lead not callable, skipping",
				zap.String("lead_id", lead.ID.String()),
				zap.String("status", string(lead.Status)))
			continue
		}
		planned = append(planned, PlannedCall{Entry: entry, Lead: lead})
	}
	return planned
}

// dispatchOne claims the entry and submits the call. The claim happens
// before submission so a crash mid-flight is bounded by max_attempts.
func (s *Scheduler) dispatchOne(ctx context.Context, call PlannedCall) bool {
	now := s.now()

	claimed, err := s.deps.Store.ClaimProcessing(ctx, call.Entry.ID, now)
	if err != nil {
		s.log.Error("claim failed", zap.Error(err), zap.String("entry_id", call.Entry.ID.String()))
		return false
	}
	if !claimed {
		// Lost the race: another pass already owns this entry.
		return false
	}
	call.Entry.Status = domain.QueueStatusProcessing
	call.Entry.Attempts++
	call.Entry.LastAttemptAt = &now

	if s.deps.Leases != nil {
		if ok, err := s.deps.Leases.Acquire(ctx, call.Entry.ID); err != nil {
			s.log.Warn("lease acquire failed", zap.Error(err), zap.String("entry_id", call.Entry.ID.String()))
		} else if !ok {
			s.log.Warn("lease already held", zap.String("entry_id", call.Entry.ID.String()))
		}
	}

	if err := s.deps.Leads.UpdateStatus(ctx, call.Lead.ID, domain.LeadStatusCalling); err != nil {
		s.log.Error("mark lead calling failed", zap.Error(err), zap.String("lead_id", call.Lead.ID.String()))
	}
	if err := s.deps.Leads.TouchLastCalled(ctx, call.Lead.ID, now); err != nil {
		s.log.Warn("touch last called failed", zap.Error(err), zap.String("lead_id", call.Lead.ID.String()))
	}

	handle := &activeCall{
		dispatchKey: uuid.New(),
		entry:       call.Entry,
		lead:        call.Lead,
		startedAt:   now,
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	s.handles[handle.dispatchKey] = handle
	s.mu.Unlock()

	s.calls.Add(1)
	go s.execute(handle)

	s.log.Info("call submitted",
		zap.String("dispatch_key", handle.dispatchKey.String()),
		zap.String("entry_id", call.Entry.ID.String()),
		zap.String("lead_id", call.Lead.ID.String()),
		zap.Int("attempt", call.Entry.Attempts))
	return true
}

// execute runs the blocking call in a worker goroutine. The context is
// deliberately detached from the loop context: stop() drains in-flight calls
// instead of abandoning them.
func (s *Scheduler) execute(handle *activeCall) {
	defer s.calls.Done()
	defer close(handle.done)
	defer func() {
		if r := recover(); r != nil {
			handle.err = fmt.Errorf("call task panicked: %v", r)
			handle.result = telephony.Result{Outcome: domain.OutcomeTechnicalError, Error: handle.err.Error()}
		}
	}()

	tracer := otel.Tracer("dialer.scheduler")
	ctx, span := tracer.Start(context.Background(), "scheduler.call", trace.WithAttributes(
		attribute.String("dispatch.key", handle.dispatchKey.String()),
		attribute.String("lead.id", handle.lead.ID.String()),
		attribute.Int("attempt", handle.entry.Attempts),
	))
	defer span.End()

	result, err := s.deps.Provider.PlaceCall(ctx, telephony.Request{
		DispatchKey: handle.dispatchKey,
		LeadID:      handle.lead.ID,
		PhoneNumber: handle.lead.Phone,
	})
	if err != nil {
		span.RecordError(err)
		if result.Outcome == "" {
			result.Outcome = domain.OutcomeTechnicalError
		}
		if result.Error == "" {
			result.Error = err.Error()
		}
	}
	handle.result = result
	handle.err = err
}

// reconcile polls active handles, renews leases for calls still running and
// settles finished ones.
func (s *Scheduler) reconcile(ctx context.Context) {
	s.mu.Lock()
	snapshot := make([]*activeCall, 0, len(s.handles))
	for _, h := range s.handles {
		snapshot = append(snapshot, h)
	}
	s.mu.Unlock()

	for _, handle := range snapshot {
		select {
		case <-handle.done:
			s.mu.Lock()
			delete(s.handles, handle.dispatchKey)
			s.mu.Unlock()
			s.settle(ctx, handle)
		default:
			if s.deps.Leases != nil {
				if err := s.deps.Leases.Renew(ctx, handle.entry.ID); err != nil {
					s.log.Warn("lease renew failed", zap.Error(err), zap.String("entry_id", handle.entry.ID.String()))
				}
			}
		}
	}
}

// settle records the attempt and turns the outcome into a queue transition.
func (s *Scheduler) settle(ctx context.Context, handle *activeCall) {
	if s.deps.Leases != nil {
		if err := s.deps.Leases.Release(ctx, handle.entry.ID); err != nil {
			s.log.Warn("lease release failed", zap.Error(err), zap.String("entry_id", handle.entry.ID.String()))
		}
	}

	outcome := handle.result.Outcome
	if outcome == "" {
		outcome = domain.OutcomeTechnicalError
	}

	s.journalAttempt(ctx, handle, outcome)

	entry := handle.entry
	lead := handle.lead
	strategy := retry.ForLeadPriority(lead.Priority)

	var retrying bool
	var nextAttempt *time.Time

	switch {
	case outcome.Success():
		s.completeEntry(ctx, entry, lead, outcome, handle.result.ProviderCallID)

	case outcome.TerminalDisposition():
		s.declineEntry(ctx, entry, lead, outcome)

	default:
		retrying, nextAttempt = s.retryOrFail(ctx, entry, lead, outcome, strategy)
	}

	s.publishOutcome(ctx, handle, outcome, retrying, nextAttempt)
}

func (s *Scheduler) completeEntry(ctx context.Context, entry domain.QueueEntry, lead *domain.Lead, outcome domain.CallOutcome, providerCallID string) {
	note := fmt.Sprintf("call completed: %s", outcome)
	if providerCallID != "" {
		note = fmt.Sprintf("call completed: %s (%s)", outcome, providerCallID)
	}
	if err := s.deps.Store.MarkTerminal(ctx, entry.ID, domain.QueueStatusCompleted, note); err != nil {
		s.log.Error("mark completed failed", zap.Error(err), zap.String("entry_id", entry.ID.String()))
	}
	if err := s.deps.Leads.UpdateStatus(ctx, lead.ID, outcome.LeadStatusAfter()); err != nil {
		s.log.Error("update lead after success failed", zap.Error(err), zap.String("lead_id", lead.ID.String()))
	}
}

func (s *Scheduler) declineEntry(ctx context.Context, entry domain.QueueEntry, lead *domain.Lead, outcome domain.CallOutcome) {
	note := fmt.Sprintf("lead declined: %s", outcome)
	if err := s.deps.Store.MarkTerminal(ctx, entry.ID, domain.QueueStatusCompleted, note); err != nil {
		s.log.Error("mark declined failed", zap.Error(err), zap.String("entry_id", entry.ID.String()))
	}
	if err := s.deps.Leads.UpdateStatus(ctx, lead.ID, domain.LeadStatusNotInterested); err != nil {
		s.log.Error("update lead after decline failed", zap.Error(err), zap.String("lead_id", lead.ID.String()))
	}
}

// retryOrFail applies the retry policy to a transient failure.
func (s *Scheduler) retryOrFail(ctx context.Context, entry domain.QueueEntry, lead *domain.Lead, outcome domain.CallOutcome, strategy retry.Strategy) (bool, *time.Time) {
	// The lead was parked in calling for the duration of the attempt; make
	// it callable again before deciding.
	if err := s.deps.Leads.UpdateStatus(ctx, lead.ID, domain.LeadStatusCalled); err != nil {
		s.log.Error("reset lead status failed", zap.Error(err), zap.String("lead_id", lead.ID.String()))
	}

	if s.deps.Engine.ShouldRetry(outcome, entry.Attempts, strategy, domain.LeadStatusCalled) {
		at := s.deps.Engine.NextRetryTime(entry.Attempts, strategy, s.now())
		priority := retry.RetryPriority(strategy, entry.Attempts)
		note := fmt.Sprintf("retry %d/%d scheduled for outcome %s", entry.Attempts+1, strategy.MaxAttempts, outcome)
		if err := s.deps.Store.Reschedule(ctx, entry.ID, at, priority, note); err != nil {
			s.log.Error("reschedule failed", zap.Error(err), zap.String("entry_id", entry.ID.String()))
			return false, nil
		}
		s.log.Info("retry scheduled",
			zap.String("entry_id", entry.ID.String()),
			zap.String("outcome", string(outcome)),
			zap.Time("next_attempt", at),
			zap.Int("priority", priority),
			zap.String("strategy", strategy.Name))
		return true, &at
	}

	reason := fmt.Sprintf("max attempts reached after %s", outcome)
	if !strategy.Retryable(outcome) {
		reason = fmt.Sprintf("outcome %s not retryable", outcome)
	}
	if err := s.deps.Store.MarkTerminal(ctx, entry.ID, domain.QueueStatusFailed, reason); err != nil {
		s.log.Error("mark failed failed", zap.Error(err), zap.String("entry_id", entry.ID.String()))
	}
	if err := s.deps.Leads.UpdateStatus(ctx, lead.ID, domain.LeadStatusFailed); err != nil {
		s.log.Error("mark lead failed failed", zap.Error(err), zap.String("lead_id", lead.ID.String()))
	}
	s.publishDeadLetter(ctx, entry, reason)
	return false, nil
}

// failEntry terminates an entry on a data-integrity error, without retry.
func (s *Scheduler) failEntry(ctx context.Context, entry domain.QueueEntry, reason string) {
	if err := s.deps.Store.MarkTerminal(ctx, entry.ID, domain.QueueStatusFailed, reason); err != nil {
		s.log.Error("fail entry failed", zap.Error(err), zap.String("entry_id", entry.ID.String()))
		return
	}
	s.publishDeadLetter(ctx, entry, reason)
	s.log.Warn("entry failed", zap.String("entry_id", entry.ID.String()), zap.String("reason", reason))
}

// watchdog requeues entries stuck in processing whose lease has expired,
// e.g. after a crash mid-flight.
func (s *Scheduler) watchdog(ctx context.Context) error {
	if s.deps.Leases == nil {
		return nil
	}

	stuck, err := s.deps.Store.ListProcessing(ctx, 100)
	if err != nil {
		return fmt.Errorf("list processing: %w", err)
	}

	now := s.now()
	for _, entry := range stuck {
		if s.isLive(entry.ID) {
			continue
		}
		alive, err := s.deps.Leases.Alive(ctx, entry.ID)
		if err != nil {
			s.log.Warn("lease check failed", zap.Error(err), zap.String("entry_id", entry.ID.String()))
			continue
		}
		if alive {
			continue
		}
		if entry.LastAttemptAt != nil && now.Sub(*entry.LastAttemptAt) < s.opts.StuckTimeout {
			continue
		}
		if err := s.deps.Store.Reschedule(ctx, entry.ID, now, entry.Priority, "requeued by watchdog: processing lease expired"); err != nil {
			s.log.Error("watchdog requeue failed", zap.Error(err), zap.String("entry_id", entry.ID.String()))
			continue
		}
		s.log.Warn("requeued stuck entry", zap.String("entry_id", entry.ID.String()))
	}
	return nil
}

func (s *Scheduler) freeSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.MaxConcurrentCalls - len(s.handles)
}

func (s *Scheduler) isLive(entryID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		if h.entry.ID == entryID {
			return true
		}
	}
	return false
}

func (s *Scheduler) journalAttempt(ctx context.Context, handle *activeCall, outcome domain.CallOutcome) {
	if s.deps.Attempts == nil {
		return
	}
	attempt := domain.CallAttempt{
		EntryID:        handle.entry.ID,
		LeadID:         handle.lead.ID,
		AttemptNum:     handle.entry.Attempts,
		Outcome:        outcome,
		ProviderCallID: handle.result.ProviderCallID,
		Error:          handle.result.Error,
		StartedAt:      handle.startedAt,
		Duration:       handle.result.Duration,
	}
	if err := s.deps.Attempts.Append(ctx, attempt); err != nil {
		s.log.Warn("journal attempt failed", zap.Error(err), zap.String("entry_id", handle.entry.ID.String()))
	}
}

func (s *Scheduler) publishOutcome(ctx context.Context, handle *activeCall, outcome domain.CallOutcome, retrying bool, nextAttempt *time.Time) {
	if s.deps.Outcomes == nil {
		return
	}
	msg := queue.OutcomeMessage{
		EntryID:        handle.entry.ID,
		LeadID:         handle.lead.ID,
		DispatchKey:    handle.dispatchKey,
		PhoneNumber:    handle.lead.Phone,
		Outcome:        string(outcome),
		Attempt:        handle.entry.Attempts,
		MaxAttempts:    handle.entry.MaxAttempts,
		ProviderCallID: handle.result.ProviderCallID,
		DurationMs:     int64(handle.result.Duration / time.Millisecond),
		Error:          handle.result.Error,
		Retrying:       retrying,
		NextAttemptAt:  nextAttempt,
		OccurredAt:     s.now(),
	}
	if err := s.deps.Outcomes.PublishOutcome(ctx, msg); err != nil {
		s.log.Warn("publish outcome failed", zap.Error(err), zap.String("entry_id", handle.entry.ID.String()))
	}
}

func (s *Scheduler) publishDeadLetter(ctx context.Context, entry domain.QueueEntry, reason string) {
	if s.deps.DeadLetters == nil {
		return
	}
	msg := queue.DeadLetterMessage{
		EntryID:    entry.ID,
		LeadID:     entry.LeadID,
		Reason:     reason,
		Attempts:   entry.Attempts,
		OccurredAt: s.now(),
	}
	if err := s.deps.DeadLetters.PublishDeadLetter(ctx, msg); err != nil {
		s.log.Warn("publish dead letter failed", zap.Error(err), zap.String("entry_id", entry.ID.String()))
	}
}
