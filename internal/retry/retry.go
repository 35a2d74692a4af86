// Package retry provides a small, reusable bounded-backoff policy shared by
// every provider call site (embedding requests and LLM completions), so both
// get identical, testable retry semantics instead of inline loops.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff. The zero value is not
// usable — construct with [NewPolicy] or fill every field.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt; each subsequent
	// delay doubles (capped at MaxDelay).
	BaseDelay time.Duration
	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration
	// Jitter adds up to this fraction (0.0–1.0) of random extra delay to
	// each wait so concurrent callers do not retry in lockstep.
	Jitter float64
	// Sleep is the wait function, overridable in tests. Nil means a
	// context-aware time.After wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy returns a Policy with the given attempt bound and base delay,
// a 30s delay cap, and 20% jitter.
func NewPolicy(maxAttempts int, baseDelay time.Duration) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so [Policy.Do] stops immediately instead of retrying.
// Use it for failures that cannot succeed on a second attempt (bad request,
// invalid credentials).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op up to MaxAttempts times, waiting between attempts with
// exponential backoff and jitter. It returns nil on the first success, the
// unwrapped error immediately when op returns a [Permanent] error or the
// context ends, and otherwise the last attempt's error annotated with the
// attempt count.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = defaultSleep
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.delay(attempt)); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}

	return fmt.Errorf("after %d attempts: %w", p.MaxAttempts, lastErr)
}

// delay computes the wait before the given attempt (attempt >= 1).
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// defaultSleep waits for d or until ctx ends, whichever comes first.
func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
