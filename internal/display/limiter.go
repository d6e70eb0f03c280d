package display

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttled wraps a driver with a minimum spacing between refreshes.
// E-paper panels degrade under rapid refresh, so frames arriving faster
// than the interval are rejected with ErrThrottled rather than queued;
// the scheduler retries on a later cycle with whatever is current then.
type Throttled struct {
	inner Driver
	lim   *rate.Limiter
}

// Throttle enforces at most one Present per minInterval. minInterval <= 0
// returns the driver unchanged.
func Throttle(inner Driver, minInterval time.Duration) Driver {
	if minInterval <= 0 {
		return inner
	}
	// Burst 1: the first frame passes immediately, then strict spacing.
	return &Throttled{inner: inner, lim: rate.NewLimiter(rate.Every(minInterval), 1)}
}

func (d *Throttled) Present(ctx context.Context, f Frame) error {
	if !d.lim.Allow() {
		return ErrThrottled
	}
	return d.inner.Present(ctx, f)
}

func (d *Throttled) Close() error { return d.inner.Close() }
