package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/starford/notesync/internal/apperr"
)

// DefaultCooldown is the minimum gap between manual triggers.
const DefaultCooldown = 2 * time.Second

// Scheduler drives an Engine from a single re-armable timer and accepts
// manual triggers.
type Scheduler struct {
	engine  *Engine
	logger  *slog.Logger
	manual  *rate.Limiter
	onStop  func(error)
	initial time.Duration

	mu      sync.Mutex
	ctx     context.Context
	timer   *time.Timer
	running bool
	nextAt  time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithCooldown sets the minimum gap between manual triggers.
func WithCooldown(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.manual = rate.NewLimiter(rate.Every(d), 1) }
}

// WithInitialDelay sets the delay before the first scheduled cycle.
func WithInitialDelay(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.initial = d }
}

// WithOnStop registers fn to be called when the scheduler stops itself
// because the renewal credential is no longer accepted.
func WithOnStop(fn func(error)) SchedulerOption {
	return func(s *Scheduler) { s.onStop = fn }
}

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a stopped scheduler for engine.
func NewScheduler(engine *Engine, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine: engine,
		logger: slog.Default(),
		manual: rate.NewLimiter(rate.Every(DefaultCooldown), 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start arms the timer. Scheduled cycles run with ctx; Stop does not cancel it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.running = true
	s.mu.Unlock()
	s.logger.Info("sync scheduler started", slog.Duration("interval", s.engine.Interval()))
	s.arm(s.initial)
}

// Stop cancels the pending timer. A cycle already in flight finishes but is
// not rescheduled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextAt = time.Time{}
}

// Running reports whether the timer is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextDelay returns the time until the next scheduled cycle, and false when
// nothing is scheduled.
func (s *Scheduler) NextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.timer == nil {
		return 0, false
	}
	d := time.Until(s.nextAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

// TriggerManual runs a cycle now. It returns Skipped when called within the
// cooldown or while a cycle is in flight. Errors are returned to the caller.
func (s *Scheduler) TriggerManual(ctx context.Context) (Outcome, error) {
	if !s.manual.Allow() {
		s.logger.Debug("manual sync within cooldown, skipping")
		return Outcome{Kind: Skipped}, nil
	}
	return s.run(ctx)
}

func (s *Scheduler) arm(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.nextAt = time.Now().Add(d)
	s.timer = time.AfterFunc(d, s.tick)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}
	if ctx.Err() != nil {
		s.Stop()
		return
	}
	_, _ = s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) (Outcome, error) {
	out, err := s.engine.RunCycle(ctx)
	if out.Kind == Skipped && err == nil {
		// The in-flight cycle re-arms when it finishes.
		return out, nil
	}
	if errors.Is(err, apperr.ErrRenewalExpired) {
		s.logger.Error("renewal credential rejected, stopping scheduled sync")
		s.Stop()
		if s.onStop != nil {
			s.onStop(err)
		}
		return out, err
	}
	next := s.engine.NextInterval()
	s.arm(next)
	if s.Running() {
		s.logger.Debug("next sync scheduled", slog.Duration("in", next))
	}
	return out, err
}
