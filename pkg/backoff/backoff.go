// Package backoff computes capped exponential delays for persistence retries and client reconnects.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy describes an exponential schedule: Initial, Initial*Multiplier, ... capped at Max. Jitter is the
// fraction of each delay that is randomised (0 disables it).
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Default is used for reconnects when nothing is configured.
var Default = Policy{
	Initial:    250 * time.Millisecond,
	Max:        30 * time.Second,
	Multiplier: 2,
	Jitter:     0.2,
}

// Delay returns the wait before the given retry attempt. Attempt 0 is the first retry.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		d *= mult
		if p.Max > 0 && d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
		if p.Max > 0 && d > float64(p.Max) {
			d = float64(p.Max)
		}
	}
	return time.Duration(d)
}

// Wait sleeps for the attempt's delay or until ctx is done.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn until it succeeds, attempts are exhausted, or ctx is done. It returns the last error from
// fn. onRetry, if set, is told about every failed attempt that will be retried.
func Retry(ctx context.Context, p Policy, attempts int, fn func(context.Context) error, onRetry func(attempt int, err error)) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := p.Wait(ctx, attempt-1); err != nil {
				return lastErr
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if onRetry != nil && attempt+1 < attempts {
			onRetry(attempt+1, lastErr)
		}
	}
	return lastErr
}
