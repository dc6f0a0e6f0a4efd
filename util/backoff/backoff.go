package backoff

import (
	"context"
	"fmt"
	"time"
)

// Backoff implements exponential backoff with configurable parameters.
// It provides a simple way to retry operations with increasing delays.
type Backoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	currentDelay time.Duration
}

// New creates a new Backoff with the specified parameters.
// initialDelay is the delay before the first retry.
// maxDelay is the maximum delay between retries.
// multiplier is the factor by which the delay increases after each retry.
func New(initialDelay, maxDelay time.Duration, multiplier float64) *Backoff {
	return &Backoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		currentDelay: initialDelay,
	}
}

// Wait waits for the current backoff duration, respecting context cancellation.
// Returns nil if the wait completed successfully, or ctx.Err() if the context
// was cancelled. After a successful wait, the delay increases for the next call.
func (b *Backoff) Wait(ctx context.Context) error {
	select {
	case <-time.After(b.currentDelay):
		b.currentDelay = time.Duration(float64(b.currentDelay) * b.multiplier)
		if b.currentDelay > b.maxDelay {
			b.currentDelay = b.maxDelay
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset resets the backoff to its initial delay.
// This is useful when starting a new retry sequence.
func (b *Backoff) Reset() {
	b.currentDelay = b.initialDelay
}

// CurrentDelay returns the current backoff delay.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.currentDelay
}

// Retry runs fn up to maxAttempts times, waiting with exponential backoff
// between failures. It returns nil as soon as fn succeeds. After the attempts
// are exhausted it returns the last error wrapped with the attempt count.
// Connectivity errors are expected to go through this path: bounded attempts,
// surfaced to the caller only after exhaustion.
func Retry(ctx context.Context, maxAttempts int, b *Backoff, fn func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		if err := b.Wait(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", maxAttempts, lastErr)
}
