// Package backoff computes next-attempt timestamps for retried jobs. The
// controller is a standalone strategy object so retry timing stays decoupled
// from the unit of work being retried.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Controller produces capped exponential delays with jitter.
// delay = min(max, base * 2^(retry-1)) + uniform(0, base).
type Controller struct {
	base time.Duration
	max  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a controller. rng may be nil, in which case a time-seeded source
// is used; tests inject a fixed-seed source for determinism.
func New(base, max time.Duration, rng *rand.Rand) *Controller {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 10 * time.Minute
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Controller{base: base, max: max, rng: rng}
}

// Delay returns the wait before retry attempt retryCount (1-indexed).
func (c *Controller) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	exp := float64(c.base) * math.Pow(2, float64(retryCount-1))
	wait := time.Duration(exp)
	if wait > c.max || wait <= 0 {
		wait = c.max
	}
	return wait + c.jitter()
}

// NextAttempt returns the timestamp at which retry attempt retryCount becomes due.
func (c *Controller) NextAttempt(now time.Time, retryCount int) time.Time {
	return now.Add(c.Delay(retryCount))
}

func (c *Controller) jitter() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.rng.Int63n(int64(c.base)))
}
