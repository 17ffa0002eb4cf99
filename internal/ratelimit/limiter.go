// internal/ratelimit/limiter.go
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	maxAttempts = 3
	maxWait     = time.Hour
)

// ErrExhausted is surfaced after all retry attempts for a rate-limited call
// have been spent. Callers treat it as non-fatal and skip the current cycle.
var ErrExhausted = errors.New("rate limit exhausted")

// Classifier inspects an error from the provider and reports whether it is
// a rate-limit signal (HTTP 403/429 equivalent). When the provider included
// a reset time it is returned so the backoff can be bounded by it.
type Classifier func(err error) (resetAt time.Time, rateLimited bool)

// Limiter tracks the provider's remaining quota and reset time and owns all
// retry/backoff behavior. Every outbound call goes through Do; no component
// implements its own backoff.
type Limiter struct {
	mu        sync.Mutex
	remaining int // -1 until the first Update
	resetAt   time.Time

	classify Classifier
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter. The classifier decides which errors trigger backoff.
func New(classify Classifier, logger *slog.Logger) *Limiter {
	return &Limiter{
		remaining: -1,
		classify:  classify,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Update records the quota state from the provider's last response headers.
func (l *Limiter) Update(remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remaining = remaining
	l.resetAt = resetAt
}

// Remaining returns the last observed quota, -1 if none was observed yet.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining
}

// Acquire blocks until a call is permitted. With quota left (or unknown) it
// returns immediately; with zero remaining it waits for the reset, capped at
// one hour, and logs the wait. The exhausted state stays visible while a
// caller waits, so concurrent callers each serve out their own wait instead
// of slipping through before the reset.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.remaining != 0 {
		l.mu.Unlock()
		return nil
	}
	resetAt := l.resetAt
	until := resetAt.Sub(l.now())
	if until <= 0 {
		// Past the reset the quota is unknown again, permit the call.
		l.remaining = -1
		l.mu.Unlock()
		return nil
	}
	wait := min(until+time.Second, maxWait)
	l.mu.Unlock()

	l.logger.Warn("Rate limit quota exhausted, waiting for reset", "wait", wait.String())
	if err := l.sleep(ctx, wait); err != nil {
		return err
	}

	l.mu.Lock()
	// The wait covered the reset; clear the marker unless an Update
	// recorded a newer reset while this caller slept.
	if l.remaining == 0 && l.resetAt.Equal(resetAt) {
		l.remaining = -1
	}
	l.mu.Unlock()
	return nil
}

// Do runs fn through the limiter gate, retrying rate-limited failures with
// exponential backoff of min(2^attempt seconds, time until reset, 1 hour).
// After three attempts it surfaces ErrExhausted. Non-rate-limit errors are
// returned to the caller untouched.
func (l *Limiter) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := l.Acquire(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		resetAt, limited := l.classify(err)
		if !limited {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}

		wait := l.backoffDelay(attempt, resetAt)
		l.logger.Warn("Rate limited, backing off",
			"op", op, "wait", wait.String(), "attempt", attempt+1, "max_attempts", maxAttempts)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: %w", op, ErrExhausted)
}

func (l *Limiter) backoffDelay(attempt int, resetAt time.Time) time.Duration {
	d := time.Duration(1<<attempt) * time.Second
	if !resetAt.IsZero() {
		if until := resetAt.Sub(l.now()); until > 0 && until < d {
			d = until
		}
	}
	return min(d, maxWait)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
