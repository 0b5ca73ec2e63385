// Package retry provides backoff policies for reconnect loops and bounded retries.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration
type Config struct {
	MaxAttempts  int           // Maximum number of attempts, <= 0 means unlimited
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Upper bound on any delay
	Multiplier   float64       // 1.0 gives a fixed backoff
	AddJitter    bool          // Add up to 25% randomness
}

// Fixed returns a config that waits the same delay between every attempt.
func Fixed(attempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
	}
}

// DefaultConfig returns exponential defaults for one-shot operations
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Delay returns the wait before attempt n (n starts at 1 for the first retry).
func (c Config) Delay(n int) time.Duration {
	delay := c.InitialDelay
	if delay <= 0 {
		return 0
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < n; i++ {
		next := float64(delay) * mult
		if c.MaxDelay > 0 && next > float64(c.MaxDelay) {
			delay = c.MaxDelay
			break
		}
		delay = time.Duration(next)
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.AddJitter && delay >= 4 {
		randMu.Lock()
		jitter := time.Duration(randSource.Int63n(int64(delay / 4)))
		randMu.Unlock()
		delay += jitter
	}
	return delay
}

// Policy tracks consecutive failures for a long-lived reconnect loop.
// It is not safe for concurrent use; each loop owns its own Policy.
type Policy struct {
	cfg      Config
	failures int
}

// NewPolicy creates a Policy from cfg.
func NewPolicy(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// Next records a failure and returns the delay before the next attempt.
// ok is false once MaxAttempts consecutive failures have been recorded.
func (p *Policy) Next() (time.Duration, bool) {
	p.failures++
	if p.cfg.MaxAttempts > 0 && p.failures > p.cfg.MaxAttempts {
		return 0, false
	}
	return p.cfg.Delay(p.failures), true
}

// Reset clears the failure count after a successful attempt.
func (p *Policy) Reset() {
	p.failures = 0
}

// Failures returns the current consecutive failure count.
func (p *Policy) Failures() int {
	return p.failures
}

// Sleep waits for d or until ctx is done. It returns ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes fn until it succeeds, returns a non-retryable error,
// ctx is cancelled, or MaxAttempts is reached. With MaxAttempts <= 0 only
// success, a non-retryable error or ctx ends the loop.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.InitialDelay < 0 || cfg.MaxDelay < 0 || cfg.Multiplier < 0 {
		return errors.New("retry: negative durations or multiplier")
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return fmt.Errorf("retry failed after %d attempts: %w", attempt, lastErr)
		}
		if err := Sleep(ctx, cfg.Delay(attempt)); err != nil {
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, err)
		}
	}
}
