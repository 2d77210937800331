// Package retry computes exponential backoff delays for failed attempts.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential schedule capped at Max.
type Backoff struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Factor     float64
	// Jitter spreads each delay by up to ±5%.
	Jitter bool
}

// Default returns 3 retries starting at 1s, doubling up to 30s.
func Default() Backoff {
	return Backoff{
		MaxRetries: 3,
		Base:       time.Second,
		Max:        30 * time.Second,
		Factor:     2,
		Jitter:     true,
	}
}

func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Factor < 1 {
		b.Factor = 2
	}
	return b
}

// Exhausted reports whether attempt (zero based) is past the retry budget.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.MaxRetries
}

// NextDelay returns the wait before retry number attempt (zero based).
func (b Backoff) NextDelay(attempt int) time.Duration {
	b = b.normalized()
	if attempt < 0 {
		attempt = 0
	}

	delay := b.Max
	power := math.Pow(b.Factor, float64(attempt))
	if power < float64(b.Max)/float64(b.Base) {
		delay = time.Duration(float64(b.Base) * power)
	}
	if b.Jitter {
		// #nosec G404 -- retry spacing only
		spread := time.Duration(float64(delay) * 0.05 * (rand.Float64()*2 - 1))
		if delay+spread > 0 {
			delay += spread
		}
	}
	return delay
}

// Wait sleeps for NextDelay(attempt) or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.NextDelay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
