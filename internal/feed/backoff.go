package feed

import (
	"math/rand/v2"
	"time"
)

// backoff produces exponentially growing reconnect delays with
// symmetric jitter.
type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64 // fraction, 0.2 = ±20%

	attempt int
}

// next returns the delay for the upcoming attempt and advances the counter.
func (b *backoff) next() time.Duration {
	d := b.base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}
	b.attempt++

	if b.jitter > 0 {
		span := float64(d) * b.jitter
		d += time.Duration((rand.Float64()*2 - 1) * span)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// reset restarts the progression after a healthy connection.
func (b *backoff) reset() {
	b.attempt = 0
}
