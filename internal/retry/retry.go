// Package retry runs an operation with bounded exponential backoff.
// Throttle signals wait for the provider's hint and draw from a separate
// budget so they do not consume hard-failure attempts.
package retry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mixelka/mailsync/internal/apperr"
)

// Policy configures Do
type Policy struct {
	MaxAttempts      int           // hard-failure attempts, including the first
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	Jitter           float64       // randomization factor, 0 disables
	MaxThrottleWaits int           // throttle retries allowed on top of MaxAttempts
	MaxThrottleDelay time.Duration // cap applied to provider retry hints

	// Retryable decides whether a non-throttle error is transient.
	// Defaults to apperr.Retryable.
	Retryable func(error) bool
}

// DefaultPolicy is used for identity-provider calls
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		InitialDelay:     500 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		Multiplier:       2,
		Jitter:           0.25,
		MaxThrottleWaits: 2,
		MaxThrottleDelay: 30 * time.Second,
	}
}

// Sleep waits for d or until ctx is done. Replaced in tests.
var Sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.MaxThrottleDelay <= 0 {
		p.MaxThrottleDelay = p.MaxDelay
	}
	if p.Retryable == nil {
		p.Retryable = apperr.Retryable
	}
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// budgets are exhausted. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.normalized()
	b := p.backOff()

	attempts, throttles := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if te, ok := apperr.IsThrottle(err); ok {
			throttles++
			if throttles > p.MaxThrottleWaits {
				return err
			}
			wait := te.RetryAfter
			if wait <= 0 {
				wait = b.NextBackOff()
			}
			wait = min(wait, p.MaxThrottleDelay)
			if serr := Sleep(ctx, wait); serr != nil {
				return err
			}
			continue
		}

		attempts++
		if attempts >= p.MaxAttempts || !p.Retryable(err) {
			return err
		}
		if serr := Sleep(ctx, b.NextBackOff()); serr != nil {
			return err
		}
	}
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. Unparseable or empty values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
