package stream

import (
	"testing"
	"time"
)

// TestBackoffDoublesAndCaps asserts the bounded-jitter formula directly:
// d_i in [min(cap, base*2^i)*(1-j), min(cap, base*2^i)*(1+j)]. A full-jitter
// implementation (uniform over [0, delay]) would pass the upper bound here
// but fail the lower one on nearly every attempt.
func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := Config{ReconnectBaseDelay: 1 * time.Second, ReconnectCapDelay: 30 * time.Second}
	bo := newBackoff(cfg)

	raw := cfg.ReconnectBaseDelay
	reachedCap := false
	for i := 0; i < 10; i++ {
		capped := raw
		if capped > cfg.ReconnectCapDelay {
			capped = cfg.ReconnectCapDelay
			reachedCap = true
		}
		lower := time.Duration(float64(capped) * (1 - jitterFactor))
		upper := time.Duration(float64(capped) * (1 + jitterFactor))

		d := bo.next()
		if d < lower || d > upper {
			t.Fatalf("attempt %d: delay %v outside bound [%v, %v]", i, d, lower, upper)
		}
		raw *= 2
	}
	if !reachedCap {
		t.Fatal("expected backoff to reach cap")
	}
}

func TestBackoffResetReturnsToBase(t *testing.T) {
	cfg := Config{ReconnectBaseDelay: 1 * time.Second, ReconnectCapDelay: 30 * time.Second}
	bo := newBackoff(cfg)
	for i := 0; i < 6; i++ {
		bo.next()
	}
	bo.reset()
	d := bo.next()
	lower := time.Duration(float64(cfg.ReconnectBaseDelay) * (1 - jitterFactor))
	upper := time.Duration(float64(cfg.ReconnectBaseDelay) * (1 + jitterFactor))
	if d < lower || d > upper {
		t.Fatalf("expected first delay after reset within [%v, %v] of base, got %v", lower, upper, d)
	}
}
