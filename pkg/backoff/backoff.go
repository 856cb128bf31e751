// Package backoff holds the retry policy shared by the command channel, the
// REST client and the WebSocket reconnect loop. Retryability and delay are
// computed by pure functions of the error and the attempt count; the Retry
// driver is the only part that sleeps.
package backoff

import (
	"context"
	"errors"
	"math"
	"net"
	"time"

	"github.com/pipedeck/pipedeck/pkg/apierr"
)

const (
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
	defaultMultiplier  = 2.0
	defaultMaxAttempts = 5
)

// Policy describes a capped exponential backoff with a bounded attempt budget.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
}

// Default returns the library defaults: 500ms base, 30s cap, doubling,
// five attempts.
func Default() Policy {
	return Policy{
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		Multiplier:  defaultMultiplier,
		MaxAttempts: defaultMaxAttempts,
	}
}

// withDefaults fills zero values so a partially configured Policy behaves.
func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	return p
}

// Delay computes the wait before the next try after `attempt` failed
// attempts: base * multiplier^(attempt-1), capped at MaxDelay. It is
// monotonically non-decreasing in attempt.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt <= 1 {
		return p.BaseDelay
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d >= float64(p.MaxDelay) || d < 0 {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Retryable reports whether err belongs to a transient class: network-level
// failures, timeouts, 5xx responses and 429 throttling. Auth, protocol,
// lockout and plain application errors are not retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch apierr.KindOf(err) {
	case apierr.KindNetwork, apierr.KindTimeout, apierr.KindServer, apierr.KindRateLimited:
		return true
	case apierr.KindAuth, apierr.KindProtocol, apierr.KindLockout:
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Retry runs fn up to MaxAttempts times, waiting Delay(attempt) between
// tries. It stops early on success, on a non-retryable error, or when ctx is
// done; once the budget is exhausted the last error is surfaced as-is.
func (p Policy) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return last
			}
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if attempt >= p.MaxAttempts || !Retryable(last) {
			return last
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return last
		case <-timer.C:
		}
	}
}
