package telemetry

import (
	"context"
	"time"
)

// backoff doubles a reconnect delay from min up to max
type backoff struct {
	min  time.Duration
	max  time.Duration
	next time.Duration
}

func newBackoff(initial, limit time.Duration) *backoff {
	return &backoff{min: initial, max: limit, next: initial}
}

// Next returns the delay to wait now and doubles the following one
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next = min(b.next*2, b.max)
	return d
}

// Reset starts over from min after a successful connect
func (b *backoff) Reset() {
	b.next = b.min
}

// sleepCtx waits for d and reports false if ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
