package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/repository"
	"github.com/acme/outbound-dialer/internal/retry"
	"github.com/acme/outbound-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

const (
	defaultCheckInterval = 30 * time.Second
	defaultMaxConcurrent = 5
	defaultStopTimeout   = 10 * time.Second
	defaultStuckTimeout  = 10 * time.Minute
)

// LeaseKeeper grants processing leases on in-flight entries.
type LeaseKeeper interface {
	Acquire(ctx context.Context, entryID uuid.UUID) (bool, error)
	Renew(ctx context.Context, entryID uuid.UUID) error
	Release(ctx context.Context, entryID uuid.UUID) error
	Alive(ctx context.Context, entryID uuid.UUID) (bool, error)
}

// OutcomeSink receives reconciled attempt events.
type OutcomeSink interface {
	PublishOutcome(ctx context.Context, msg queue.OutcomeMessage) error
}

// DeadLetterSink receives entries the scheduler has given up on.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, msg queue.DeadLetterMessage) error
}

// Options tunes the scheduler loop.
type Options struct {
	CheckInterval      time.Duration
	MaxConcurrentCalls int
	SortStrategy       string
	FetchBatchSize     int
	StopTimeout        time.Duration
	StuckTimeout       time.Duration
	DefaultStrategy    retry.Strategy
}

func (o Options) withDefaults() Options {
	if o.CheckInterval <= 0 {
		o.CheckInterval = defaultCheckInterval
	}
	if o.MaxConcurrentCalls <= 0 {
		o.MaxConcurrentCalls = defaultMaxConcurrent
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
	if o.StuckTimeout <= 0 {
		o.StuckTimeout = defaultStuckTimeout
	}
	if o.DefaultStrategy.Name == "" {
		o.DefaultStrategy = retry.Standard
	}
	return o
}

// Deps are the collaborators injected into the scheduler. Leases, Attempts
// and the sinks are optional; when absent the corresponding side effects are
// skipped.
type Deps struct {
	Store       repository.QueueStore
	Leads       repository.LeadRepository
	Attempts    repository.AttemptStore
	Provider    telephony.Provider
	Leases      LeaseKeeper
	Outcomes    OutcomeSink
	DeadLetters DeadLetterSink
	Engine      *retry.Engine
	Logger      *logger.Logger
	Now         func() time.Time
}

// activeCall is the transient handle for one in-flight call.
type activeCall struct {
	dispatchKey uuid.UUID
	entry       domain.QueueEntry
	lead        *domain.Lead
	startedAt   time.Time

	done   chan struct{} // closed by the call goroutine after result is set
	result telephony.Result
	err    error
}

// Scheduler runs the dispatch loop: every tick it fills free call slots from
// the queue store, reconciles finished calls into retry decisions and
// requeues entries orphaned by a crash.
type Scheduler struct {
	deps    Deps
	opts    Options
	planner *Planner
	log     *logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopped chan struct{}
	handles map[uuid.UUID]*activeCall
	calls   sync.WaitGroup
}

// New constructs a scheduler from its dependencies.
func New(deps Deps, opts Options) *Scheduler {
	opts = opts.withDefaults()
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Engine == nil {
		deps.Engine = retry.NewEngine(nil)
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		deps:    deps,
		opts:    opts,
		planner: NewPlanner(opts.SortStrategy),
		log:     deps.Logger.Named("scheduler"),
		now:     now,
		handles: make(map[uuid.UUID]*activeCall),
	}
}

// Start launches the control loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Warn("start ignored: already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go s.run(ctx)
	s.log.Info("scheduler started",
		zap.Int("max_concurrent_calls", s.opts.MaxConcurrentCalls),
		zap.Duration("check_interval", s.opts.CheckInterval),
		zap.String("sort_strategy", string(s.planner.Strategy())))
}

// Stop signals the loop to exit, waits for it with a bounded timeout and
// then drains in-flight calls.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	stopped := s.stopped
	s.mu.Unlock()

	cancel()

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		return fmt.Errorf("scheduler stop: %w: loop did not exit within %s", apperrors.ErrUnavailable, s.opts.StopTimeout)
	}

	// Drain in-flight calls; they finish on their own schedule.
	drained := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(drained)
	}()
	drainTimer := time.NewTimer(s.opts.StopTimeout)
	defer drainTimer.Stop()
	select {
	case <-drained:
	case <-drainTimer.C:
		s.log.Warn("stop: in-flight calls still running after drain timeout")
	}

	// Final reconciliation so finished calls are not lost on shutdown.
	ctx, cancelFinal := context.WithTimeout(context.Background(), s.opts.StopTimeout)
	defer cancelFinal()
	s.reconcile(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.Info("scheduler stopped")
	return nil
}

// Status describes the live scheduler state.
type Status struct {
	Running            bool          `json:"running"`
	ActiveCalls        int           `json:"active_calls"`
	MaxConcurrentCalls int           `json:"max_concurrent_calls"`
	CheckInterval      time.Duration `json:"check_interval"`
}

// Status reports the current loop state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:            s.running,
		ActiveCalls:        len(s.handles),
		MaxConcurrentCalls: s.opts.MaxConcurrentCalls,
		CheckInterval:      s.opts.CheckInterval,
	}
}

// ScheduleImmediate enqueues a call for the lead due now. The next tick
// picks it up.
func (s *Scheduler) ScheduleImmediate(ctx context.Context, leadID uuid.UUID, priority int) error {
	return s.enqueue(ctx, leadID, s.now(), priority, "immediate call requested")
}

// ScheduleAt enqueues a call for the lead at a specific time.
func (s *Scheduler) ScheduleAt(ctx context.Context, leadID uuid.UUID, at time.Time, priority int) error {
	return s.enqueue(ctx, leadID, at, priority, fmt.Sprintf("scheduled call for %s", at.UTC().Format(time.RFC3339)))
}

func (s *Scheduler) enqueue(ctx context.Context, leadID uuid.UUID, at time.Time, priority int, notes string) error {
	if priority < domain.PriorityLow || priority > domain.PriorityUrgent {
		return fmt.Errorf("%w: priority %d out of range", apperrors.ErrValidation, priority)
	}
	if _, err := s.deps.Leads.Get(ctx, leadID); err != nil {
		return err
	}

	now := s.now()
	entry := &domain.QueueEntry{
		ID:          uuid.New(),
		LeadID:      leadID,
		ScheduledAt: at,
		Priority:    priority,
		MaxAttempts: s.opts.DefaultStrategy.MaxAttempts,
		Status:      domain.QueueStatusPending,
		Notes:       notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deps.Store.Enqueue(ctx, entry); err != nil {
		return err
	}
	s.log.Info("call scheduled",
		zap.String("lead_id", leadID.String()),
		zap.Time("scheduled_at", at),
		zap.Int("priority", priority))
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs one scheduling cycle. A panic or error inside a tick is logged
// and the loop carries on; a single bad entry must never kill the loop.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tick panicked", zap.Any("panic", r))
		}
	}()

	tracer := otel.Tracer("dialer.scheduler")
	tctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	if err := s.dispatch(tctx); err != nil && ctx.Err() == nil {
		span.RecordError(err)
		s.log.Error("dispatch pass failed", zap.Error(err))
	}
	s.reconcile(tctx)
	if err := s.watchdog(tctx); err != nil && ctx.Err() == nil {
		span.RecordError(err)
		s.log.Error("watchdog pass failed", zap.Error(err))
	}

	span.SetAttributes(attribute.Int("calls.active", s.Status().ActiveCalls))
}
