package engine

import (
	"errors"
	"math/rand"
	"time"

	"toosimpleq/internal/task/registry"
)

func backoffDelayWithHint(p registry.RetryPolicy, retry int, err error, rng *rand.Rand) time.Duration {
	p = p.WithDefaults()
	// Respect explicit retry-after hints if provided by the handler.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		return jitter(d, p, rng)
	}
	return backoffDelay(p, retry, rng)
}

// backoffDelay doubles Delay for each previous attempt, capped at MaxDelay.
func backoffDelay(p registry.RetryPolicy, retry int, rng *rand.Rand) time.Duration {
	p = p.WithDefaults()
	d := p.Delay
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	return jitter(d, p, rng)
}

func jitter(d time.Duration, p registry.RetryPolicy, rng *rand.Rand) time.Duration {
	if p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
