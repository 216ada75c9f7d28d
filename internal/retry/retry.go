// Package retry runs outbound calls with a per-attempt timeout and
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/starford/notesync/internal/apperr"
)

// DefaultAttemptTimeout bounds a single attempt when a Policy leaves Timeout unset.
const DefaultAttemptTimeout = 30 * time.Second

// Policy configures how hard the executor tries.
type Policy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
}

var (
	// Default is used for ordinary API calls.
	Default = Policy{Name: "default", MaxAttempts: 2, BaseDelay: time.Second, Timeout: DefaultAttemptTimeout}
	// Renewal is used for the credential exchange. Losing the renewal
	// credential forces a re-login, so it gets roughly five minutes.
	Renewal = Policy{Name: "renewal", MaxAttempts: 5, BaseDelay: 20 * time.Second, Timeout: DefaultAttemptTimeout}
)

// Delay returns the wait before the attempt following attempt index i.
func (p Policy) Delay(i int) time.Duration {
	return p.BaseDelay * time.Duration(1<<uint(i))
}

// Executor runs calls under a Policy.
type Executor struct {
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor. A nil logger falls back to slog.Default().
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger, sleep: waitWithContext}
}

// WithSleep replaces the backoff wait; tests use it to avoid real delays.
func (e *Executor) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Executor {
	e.sleep = fn
	return e
}

// Do calls fn until it succeeds, fails terminally, or the policy is exhausted.
// The error of the last attempt is returned as is.
func (e *Executor) Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}

	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		err = e.attempt(ctx, timeout, fn)
		if err == nil {
			return nil
		}
		// The caller gave up; a per-attempt deadline is not the same thing.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}
		if !apperr.IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		delay := p.Delay(i)
		e.logger.Warn("retry: attempt failed",
			slog.String("policy", p.Name),
			slog.Int("attempt", i+1),
			slog.Int("max_attempts", attempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if waitErr := e.sleep(ctx, delay); waitErr != nil {
			return err
		}
	}
	return err
}

func (e *Executor) attempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Race the call against the deadline so a call that ignores its context
	// still counts as timed out.
	done := make(chan error, 1)
	go func() { done <- fn(attemptCtx) }()
	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		return attemptCtx.Err()
	}
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
