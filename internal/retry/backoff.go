// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
)

// Defaults give waits of 200ms, 400ms and 800ms.
const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = 200 * time.Millisecond
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Backoff retries a failing operation up to MaxRetries more times, waiting
// InitialDelay before the first retry and doubling the wait each time.
type Backoff struct {
	MaxRetries   int
	InitialDelay time.Duration
	Sleep        SleepFunc
	// OnRetry is called before each wait; it may be nil.
	OnRetry func(attempt int, delay time.Duration, err error)
	Logger  *log.Logger
}

// New returns a Backoff that sleeps on the wall clock.
func New(maxRetries int, initialDelay time.Duration, logger *log.Logger) *Backoff {
	return &Backoff{
		MaxRetries:   maxRetries,
		InitialDelay: initialDelay,
		Sleep:        Sleep,
		Logger:       logger,
	}
}

// Do calls op until it succeeds or the retries are used up, in which case
// the last error is returned wrapped with the number of attempts made.
func (b *Backoff) Do(ctx context.Context, op func(ctx context.Context) error) error {
	sleep := b.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	bo := b.schedule()
	attempts := b.MaxRetries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil {
			if attempt > 1 && b.Logger != nil {
				b.Logger.Info("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := bo.NextBackOff()
		if b.Logger != nil {
			b.Logger.Warn("operation attempt failed", "attempt", attempt, "retry_in", delay, "error", err)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, serr)
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}

// schedule yields InitialDelay, then doubles it each call, without jitter
// or a ceiling.
func (b *Backoff) schedule() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.InitialDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Duration(math.MaxInt64)
	bo.Reset()
	return bo
}

// Sleep is the wall-clock SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
