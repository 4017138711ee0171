package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff: Initial doubling up to Max, with
// +/-20% jitter. Zero values fall back to sane defaults.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

const (
	defaultInitial = 500 * time.Millisecond
	defaultMax     = 30 * time.Second
	jitterFraction = 0.2
)

func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = defaultInitial
	}
	if p.Max <= 0 {
		p.Max = defaultMax
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// Backoff tracks consecutive failures for one caller. Not safe for
// concurrent use; each loop owns its own instance.
type Backoff struct {
	policy  Policy
	attempt int
}

func New(policy Policy) *Backoff {
	return &Backoff{policy: policy.normalized()}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.policy.Initial << b.attempt
	if d <= 0 || d > b.policy.Max {
		d = b.policy.Max
	} else {
		b.attempt++
	}
	return jitter(d)
}

// Reset returns to the initial delay after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Sleep waits for the next backoff delay, or for hint if the remote side
// told us when to come back (rate limiting). Cancellable via ctx.
func (b *Backoff) Sleep(ctx context.Context, hint time.Duration) error {
	d := b.Next()
	if hint > d {
		d = hint
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	return d + time.Duration((rand.Float64()*2-1)*delta)
}
