package replication

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 60 * time.Second
)

// backoff doubles the reconnection delay up to max, with a 20% jitter.
type backoff struct {
	min     time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	if min <= 0 {
		min = DefaultMinBackoff
	}
	if max < min {
		max = min
	}
	return &backoff{min: min, max: max, current: min}
}

func (b *backoff) Next() time.Duration {
	delay := b.current
	b.current = min(b.max, b.current*2)
	jitter := time.Duration(rand.Int64N(int64(delay)/5 + 1))
	return delay - delay/10 + jitter
}

func (b *backoff) Reset() {
	b.current = b.min
}
