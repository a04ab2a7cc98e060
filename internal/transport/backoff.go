package transport

import (
	"context"
	"math/rand/v2"
	"time"
)

type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter func() float64
}

func newBackoff(base, max time.Duration) backoff {
	return backoff{base: base, max: max, jitter: rand.Float64}
}

// delay returns the wait before retry number attempt (1-based): base·2^(attempt-1)
// plus up to half a base of jitter, capped at max.
func (b backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.base
	for i := 1; i < attempt && d < b.max; i++ {
		d *= 2
	}
	if b.jitter != nil {
		d += time.Duration(b.jitter() * float64(b.base) / 2)
	}
	if b.max > 0 && d > b.max {
		d = b.max
	}

	return d
}

// sleep waits for d and reports whether ctx is still live afterwards.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
