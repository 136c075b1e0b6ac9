package stream

import (
	"math/rand"
	"time"
)

// jitterFactor is j: each delay is drawn uniformly from within +/-20% of its
// doubling-schedule bound, never full jitter down to zero.
const jitterFactor = 0.2

// backoff computes doubling reconnect delays with bounded jitter: a
// doubling loop ("backoff *= 2" capped at a configured ceiling) extended
// with bounded jitter and a stability reset.
type backoff struct {
	base    time.Duration
	cap     time.Duration
	current time.Duration // base*2^i for the next call; stops doubling once it reaches cap
	rng     *rand.Rand
}

func newBackoff(cfg Config) *backoff {
	return &backoff{
		base: cfg.ReconnectBaseDelay,
		cap:  cfg.ReconnectCapDelay,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns the delay to wait before the next reconnect attempt and
// advances the internal doubling counter. The result is drawn uniformly from
// [min(cap, base*2^i)*(1-j), min(cap, base*2^i)*(1+j)], so unlike full
// jitter it never collapses toward zero on a later attempt.
func (b *backoff) next() time.Duration {
	if b.current == 0 {
		b.current = b.base
	}
	capped := b.current
	if capped > b.cap {
		capped = b.cap
	}
	if b.current < b.cap {
		b.current *= 2
	}

	lower := time.Duration(float64(capped) * (1 - jitterFactor))
	upper := time.Duration(float64(capped) * (1 + jitterFactor))
	if lower < 0 {
		lower = 0
	}
	if upper <= lower {
		return lower
	}
	return lower + time.Duration(b.rng.Int63n(int64(upper-lower)+1))
}

// reset clears the doubling counter, called after StableResetAfter of
// continuous Active state.
func (b *backoff) reset() {
	b.current = 0
}
