package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
	"github.com/acme/outbound-dialer/internal/retry"
	"github.com/acme/outbound-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// testNow is a Tuesday inside business hours.
var testNow = time.Date(2026, 1, 6, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	store    *fakeStore
	leads    *fakeLeads
	attempts *fakeAttempts
	leases   *fakeLeases
	outcomes *fakeOutcomes
	dead     *fakeDeadLetters
	provider *stubProvider
	sched    *Scheduler
}

func newTestEnv(provider *stubProvider, opts Options) *testEnv {
	env := &testEnv{
		store:    newFakeStore(),
		leads:    newFakeLeads(),
		attempts: &fakeAttempts{},
		leases:   newFakeLeases(),
		outcomes: &fakeOutcomes{},
		dead:     &fakeDeadLetters{},
		provider: provider,
	}
	env.sched = New(Deps{
		Store:       env.store,
		Leads:       env.leads,
		Attempts:    env.attempts,
		Provider:    provider,
		Leases:      env.leases,
		Outcomes:    env.outcomes,
		DeadLetters: env.dead,
		Engine:      retry.NewEngine(rand.New(rand.NewSource(1))),
		Now:         func() time.Time { return testNow },
	}, opts)
	return env
}

func (env *testEnv) addLead(priority int) domain.Lead {
	lead := domain.Lead{
		ID:       uuid.New(),
		Name:     "Ada Lovelace",
		Phone:    "+15550123456",
		Priority: priority,
		Status:   domain.LeadStatusPending,
	}
	env.leads.put(lead)
	return lead
}

func (env *testEnv) addDueEntry(leadID uuid.UUID, priority, attempts int) domain.QueueEntry {
	entry := domain.QueueEntry{
		ID:          uuid.New(),
		LeadID:      leadID,
		ScheduledAt: testNow.Add(-time.Minute),
		Priority:    priority,
		Attempts:    attempts,
		MaxAttempts: 3,
		Status:      domain.QueueStatusPending,
	}
	env.store.put(entry)
	return entry
}

// settleAll reconciles until no calls remain in flight.
func settleAll(t *testing.T, env *testEnv) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env.sched.reconcile(context.Background())
		if env.sched.Status().ActiveCalls == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("in-flight calls did not settle in time")
}

func TestDispatchHonorsConcurrencyLimit(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(&stubProvider{gate: gate}, Options{MaxConcurrentCalls: 2})

	for i := 0; i < 5; i++ {
		lead := env.addLead(domain.PriorityMedium)
		env.addDueEntry(lead.ID, domain.PriorityMedium, 0)
	}

	if err := env.sched.dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := env.sched.Status().ActiveCalls; got != 2 {
		t.Fatalf("expected 2 active calls, got %d", got)
	}

	// A second pass with full slots must not start more calls.
	if err := env.sched.dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := env.sched.Status().ActiveCalls; got != 2 {
		t.Fatalf("expected slots to stay full, got %d active calls", got)
	}

	close(gate)
	settleAll(t, env)

	if got := env.provider.callCount(); got != 2 {
		t.Fatalf("expected 2 provider calls, got %d", got)
	}
}

func TestDispatchClaimsBeforeCalling(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(&stubProvider{gate: gate}, Options{MaxConcurrentCalls: 1})
	lead := env.addLead(domain.PriorityMedium)
	entry := env.addDueEntry(lead.ID, domain.PriorityMedium, 0)

	if err := env.sched.dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	stored := env.store.get(entry.ID)
	if stored.Status != domain.QueueStatusProcessing {
		t.Fatalf("expected processing while in flight, got %s", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Fatalf("expected attempt counter incremented on claim, got %d", stored.Attempts)
	}
	if env.leads.status(lead.ID) != domain.LeadStatusCalling {
		t.Fatal("expected lead marked calling while in flight")
	}
	if alive, _ := env.leases.Alive(context.Background(), entry.ID); !alive {
		t.Fatal("expected a processing lease for the in-flight entry")
	}

	close(gate)
	settleAll(t, env)
}

func TestDispatchSkipsUncallableLead(t *testing.T) {
	env := newTestEnv(&stubProvider{}, Options{MaxConcurrentCalls: 2})
	lead := env.addLead(domain.PriorityMedium)
	lead.Status = domain.LeadStatusNotInterested
	env.leads.put(lead)
	entry := env.addDueEntry(lead.ID, domain.PriorityMedium, 0)

	if err := env.sched.dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if got := env.store.get(entry.ID).Status; got != domain.QueueStatusPending {
		t.Fatalf("expected entry left pending, got %s", got)
	}
	if env.provider.callCount() != 0 {
		t.Fatal("expected no call placed for uncallable lead")
	}
}

func TestDispatchFailsEntryWithMissingLead(t *testing.T) {
	env := newTestEnv(&stubProvider{}, Options{MaxConcurrentCalls: 2})
	entry := env.addDueEntry(uuid.New(), domain.PriorityMedium, 0)

	if err := env.sched.dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if got := env.store.get(entry.ID).Status; got != domain.QueueStatusFailed {
		t.Fatalf("expected entry failed, got %s", got)
	}
	dead := env.dead.all()
	if len(dead) != 1 || dead[0].EntryID != entry.ID {
		t.Fatalf("expected dead letter for the orphaned entry, got %+v", dead)
	}
}

func TestReconcileSuccessCompletesEntry(t *testing.T) {
	env := newTestEnv(&stubProvider{results: []telephony.Result{
		{Outcome: domain.OutcomeMeetingScheduled, ProviderCallID: "SIM1", Duration: 3 * time.Second},
	}}, Options{MaxConcurrentCalls: 1})
	lead := env.addLead(domain.PriorityMedium)
	entry := env.addDueEntry(lead.ID, domain.PriorityMedium, 0)

	if err := env.sched.dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	settleAll(t, env)

	if got := env.store.get(entry.ID).Status; got != domain.QueueStatusCompleted {
		t.Fatalf("expected entry completed, got %s", got)
	}
	if got := env.leads.status(lead.ID); got != domain.LeadStatusScheduled {
		t.Fatalf("expected lead scheduled, got %s", got)
	}
	if env.attempts.count() != 1 {
		t.Fatal("expected one journaled attempt")
	}

	msgs := env.outcomes.all()
	if len(msgs) != 1 {
		t.Fatalf("expected one outcome message, got %d", len(msgs))
	}
	if msgs[0].Retrying || msgs[0].Outcome != string(domain.OutcomeMeetingScheduled) {
		t.Fatalf("unexpected outcome message %+v", msgs[0])
	}
	if alive, _ := env.leases.Alive(context.Background(), entry.ID); alive {
		t.Fatal("expected lease released after settlement")
	}
}

func TestReconcileTransientSchedulesRetry(t *testing.T) {
	env := newTestEnv(&stubProvider{results: []telephony.Result{
		{Outcome: domain.OutcomeNoAnswer, Duration: time.Second},
	}}, Options{MaxConcurrentCalls: 1})
	lead := env.addLead(domain.PriorityMedium)
	entry := env.addDueEntry(lead.ID, domain.PriorityMedium, 0)

	if err := env.sched.dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	settleAll(t, env)

	stored := env.store.get(entry.ID)
	if stored.Status != domain.QueueStatusPending {
		t.Fatalf("expected entry rescheduled to pending, got %s", stored.Status)
	}
	if !stored.ScheduledAt.After(testNow) {
		t.Fatalf("expected future retry time, got %v", stored.ScheduledAt)
	}
	if stored.Priority != retry.RetryPriority(retry.Standard, 1) {
		t.Fatalf("unexpected retry priority %d", stored.Priority)
	}
	if got := env.leads.status(lead.ID); got != domain.LeadStatusCalled {
		t.Fatalf("expected lead back to called, got %s", got)
	}

	msgs := env.outcomes.all()
	if len(msgs) != 1 || !msgs[0].Retrying || msgs[0].NextAttemptAt == nil {
		t.Fatalf("expected retrying outcome with next attempt, got %+v", msgs)
	}
}

func TestReconcileRejectedSettlesLead(t *testing.T) {
	env := newTestEnv(&stubProvider{results: []telephony.Result{
		{Outcome: domain.OutcomeRejected, Duration: time.Second},
	}}, Options{MaxConcurrentCalls: 1})
	lead := env.addLead(domain.PriorityMedium)
	entry := env.addDueEntry(lead.ID, domain.PriorityMedium, 0)

	if err := env.sched.dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	settleAll(t, env)

	if got := env.store.get(entry.ID).Status; got != domain.QueueStatusCompleted {
		t.Fatalf("expected entry completed, got %s", got)
	}
	if got := env.leads.status(lead.ID); got != domain.LeadStatusNotInterested {
		t.Fatalf("expected lead not interested, got %s", got)
	}
	if len(env.dead.all()) != 0 {
		t.Fatal("a declined call is not a dead letter")
	}
}

func TestReconcileExhaustedAttemptsDeadLetters(t *testing.T) {
	env := newTestEnv(&stubProvider{results: []telephony.Result{
		{Outcome: domain.OutcomeNoAnswer, Duration: time.Second},
	}}, Options{MaxConcurrentCalls: 1})
	lead := env.addLead(domain.PriorityMedium)
	entry := env.addDueEntry(lead.ID, domain.PriorityMedium, 2) // claim makes it 3 of 3

	if err := env.sched.dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	settleAll(t, env)

	if got := env.store.get(entry.ID).Status; got != domain.QueueStatusFailed {
		t.Fatalf("expected entry failed, got %s", got)
	}
	if got := env.leads.status(lead.ID); got != domain.LeadStatusFailed {
		t.Fatalf("expected lead failed, got %s", got)
	}
	dead := env.dead.all()
	if len(dead) != 1 || dead[0].Attempts != 3 {
		t.Fatalf("expected dead letter after final attempt, got %+v", dead)
	}
}

func TestWatchdogRequeuesExpiredLease(t *testing.T) {
	env := newTestEnv(&stubProvider{}, Options{MaxConcurrentCalls: 1, StuckTimeout: 10 * time.Minute})
	lead := env.addLead(domain.PriorityMedium)

	stale := testNow.Add(-30 * time.Minute)
	stuck := domain.QueueEntry{
		ID:            uuid.New(),
		LeadID:        lead.ID,
		ScheduledAt:   stale,
		Priority:      domain.PriorityMedium,
		Attempts:      1,
		MaxAttempts:   3,
		Status:        domain.QueueStatusProcessing,
		LastAttemptAt: &stale,
	}
	env.store.put(stuck)

	recent := testNow.Add(-time.Minute)
	fresh := stuck
	fresh.ID = uuid.New()
	fresh.LeadID = env.addLead(domain.PriorityMedium).ID
	fresh.LastAttemptAt = &recent
	env.store.put(fresh)

	if err := env.sched.watchdog(context.Background()); err != nil {
		t.Fatalf("watchdog: %v", err)
	}

	if got := env.store.get(stuck.ID).Status; got != domain.QueueStatusPending {
		t.Fatalf("expected stale entry requeued, got %s", got)
	}
	if got := env.store.get(fresh.ID).Status; got != domain.QueueStatusProcessing {
		t.Fatalf("expected recent entry untouched, got %s", got)
	}
}

func TestWatchdogSkipsLiveLease(t *testing.T) {
	env := newTestEnv(&stubProvider{}, Options{MaxConcurrentCalls: 1, StuckTimeout: 10 * time.Minute})
	lead := env.addLead(domain.PriorityMedium)

	stale := testNow.Add(-30 * time.Minute)
	entry := domain.QueueEntry{
		ID:            uuid.New(),
		LeadID:        lead.ID,
		ScheduledAt:   stale,
		Priority:      domain.PriorityMedium,
		Attempts:      1,
		MaxAttempts:   3,
		Status:        domain.QueueStatusProcessing,
		LastAttemptAt: &stale,
	}
	env.store.put(entry)
	if _, err := env.leases.Acquire(context.Background(), entry.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := env.sched.watchdog(context.Background()); err != nil {
		t.Fatalf("watchdog: %v", err)
	}
	if got := env.store.get(entry.ID).Status; got != domain.QueueStatusProcessing {
		t.Fatalf("entry with a live lease must not be requeued, got %s", got)
	}
}

func TestScheduleImmediate(t *testing.T) {
	env := newTestEnv(&stubProvider{}, Options{})
	lead := env.addLead(domain.PriorityHigh)

	if err := env.sched.ScheduleImmediate(context.Background(), lead.ID, domain.PriorityHigh); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	pending, _ := env.store.ListPending(context.Background(), 10)
	if len(pending) != 1 || pending[0].LeadID != lead.ID {
		t.Fatalf("expected one pending entry for the lead, got %+v", pending)
	}
	if !pending[0].ScheduledAt.Equal(testNow) {
		t.Fatalf("expected entry due now, got %v", pending[0].ScheduledAt)
	}

	err := env.sched.ScheduleImmediate(context.Background(), lead.ID, domain.PriorityHigh)
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict on duplicate schedule, got %v", err)
	}
}

func TestScheduleValidation(t *testing.T) {
	env := newTestEnv(&stubProvider{}, Options{})
	lead := env.addLead(domain.PriorityMedium)

	if err := env.sched.ScheduleImmediate(context.Background(), lead.ID, 9); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error for out-of-range priority, got %v", err)
	}
	if err := env.sched.ScheduleImmediate(context.Background(), uuid.New(), domain.PriorityLow); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found for unknown lead, got %v", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	env := newTestEnv(&stubProvider{}, Options{
		CheckInterval: 10 * time.Millisecond,
		StopTimeout:   time.Second,
	})

	env.sched.Start()
	env.sched.Start() // second start is a no-op

	if !env.sched.Status().Running {
		t.Fatal("expected scheduler running after start")
	}

	if err := env.sched.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if env.sched.Status().Running {
		t.Fatal("expected scheduler stopped")
	}
	if err := env.sched.Stop(); err != nil {
		t.Fatalf("stop on stopped scheduler: %v", err)
	}
}

func TestLoopDispatchesScheduledCall(t *testing.T) {
	env := newTestEnv(&stubProvider{results: []telephony.Result{
		{Outcome: domain.OutcomeAnswered, Duration: time.Second},
	}}, Options{
		CheckInterval: 10 * time.Millisecond,
		StopTimeout:   time.Second,
	})
	lead := env.addLead(domain.PriorityMedium)
	entry := env.addDueEntry(lead.ID, domain.PriorityMedium, 0)

	env.sched.Start()
	defer env.sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.store.get(entry.ID).Status == domain.QueueStatusCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("entry never completed, final status %s", env.store.get(entry.ID).Status)
}
