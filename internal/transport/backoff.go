package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff yields base, 2*base, 3*base, ...
type linearBackOff struct {
	base    time.Duration
	attempt int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// newRetryPolicy stops after max delays have been handed out.
func newRetryPolicy(base time.Duration, max uint64) backoff.BackOff {
	return backoff.WithMaxRetries(&linearBackOff{base: base}, max)
}
