package coordinator

import (
	"math/rand"
	"time"
)

// backoffDelay returns the wait before retry number retry (1-based):
// Base, 2*Base, 4*Base ... capped at MaxDelay, with optional jitter.
func backoffDelay(p RetryPolicy, retry int, rng *rand.Rand) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = 30 * time.Second
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
