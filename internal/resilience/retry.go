// Package resilience provides the retry-policy and circuit-breaker types
// applied uniformly to every external call the control plane makes: object
// store puts/gets, the sandbox runner HTTP API, and the LLM completion API.
package resilience

import (
	"context"
	"time"
)

// Policy bundles a retry shape with the predicate that decides whether an
// error is worth retrying at all.
type Policy struct {
	MaxAttempts int           // total attempts, including the first; 1 disables retry
	BaseDelay   time.Duration // delay before the first retry; Do scales it by attempt number, DoExponential doubles it
	IsRetryable func(error) bool
}

// Linear returns a Policy that waits BaseDelay*attempt (not exponential),
// matching the content store's "linear back-off, >=3 attempts" contract
// from the spec.
func Linear(maxAttempts int, baseDelay time.Duration, isRetryable func(error) bool) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, IsRetryable: isRetryable}
}

// Exponential returns a Policy for use with DoExponential, which doubles
// the delay after every attempt. The Policy is built the same way as
// Linear's; run through Do it backs off linearly.
func Exponential(maxAttempts int, baseDelay time.Duration, isRetryable func(error) bool) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, IsRetryable: isRetryable}
}

// Do runs fn, retrying per the policy. It respects context cancellation
// between attempts and never retries once ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.doWithBackoff(ctx, fn, false)
}

// DoExponential is like Do but doubles the delay after each attempt instead
// of scaling it linearly by attempt number.
func (p Policy) DoExponential(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.doWithBackoff(ctx, fn, true)
}

func (p Policy) doWithBackoff(ctx context.Context, fn func(ctx context.Context) error, exponential bool) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}
		if p.IsRetryable != nil && !p.IsRetryable(err) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}

		wait := p.BaseDelay * time.Duration(attempt+1)
		if exponential {
			wait = p.BaseDelay * (1 << uint(attempt))
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(wait):
		}
	}
	return lastErr
}
