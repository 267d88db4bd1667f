// Package retry implements the fixed-delay retry policy used for account-level
// calls (opening a database, resolving its host). Save calls never go through it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/accurate-migrator/internal/accurate"
)

// FixedPolicy retries transport failures a bounded number of times with a
// constant delay.
type FixedPolicy struct {
	maxAttempts int
	delay       time.Duration
	logger      *zap.Logger
}

// New builds a policy. Non-positive values fall back to 3 attempts and 1s.
func New(maxAttempts int, delay time.Duration, logger *zap.Logger) *FixedPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if delay <= 0 {
		delay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FixedPolicy{maxAttempts: maxAttempts, delay: delay, logger: logger}
}

// ShouldRetry decides whether the error is retryable. attempt is 1-based.
func (p *FixedPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, accurate.ErrUpstreamUnavailable) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Backoff returns the wait before the next attempt.
func (p *FixedPolicy) Backoff(int) time.Duration {
	return p.delay
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted.
func (p *FixedPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if !p.ShouldRetry(err, attempt) {
			if err != nil && attempt > 1 {
				return fmt.Errorf("after %d attempts: %w", attempt, err)
			}
			return err
		}
		p.logger.Warn("retrying after transport failure",
			zap.Int("attempt", attempt),
			zap.Duration("delay", p.Backoff(attempt)),
			zap.Error(err),
		)
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
