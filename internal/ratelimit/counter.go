package ratelimit

import (
	"strings"
	"time"

	"github.com/go-chi/httprate"
)

// Counter adapts the Limiter to httprate.LimitCounter. httprate estimates a
// sliding rate from the current and previous window; reporting the previous
// window as empty turns that estimate into a plain fixed-window count, and
// the window itself comes from the Limiter's clock rather than httprate's.
type Counter struct {
	limiter *Limiter
	policy  Policy
}

var _ httprate.LimitCounter = (*Counter)(nil)

// Counter returns an httprate counter for p.
func (l *Limiter) Counter(p Policy) *Counter {
	return &Counter{limiter: l, policy: p}
}

// Config is called by httprate with the limit and window it was built with.
func (c *Counter) Config(requestLimit int, windowLength time.Duration) {
	c.policy.Limit = requestLimit
	c.policy.Window = windowLength
}

func (c *Counter) Increment(key string, currentWindow time.Time) error {
	return c.IncrementBy(key, currentWindow, 1)
}

func (c *Counter) IncrementBy(key string, _ time.Time, amount int) error {
	_, err := c.limiter.CheckAndIncrementBy(origin(key), c.policy, amount)
	return err
}

func (c *Counter) Get(key string, _, _ time.Time) (int, int, error) {
	n, err := c.limiter.count(c.policy, origin(key))
	return int(n), 0, err
}

// Policy returns the policy the counter enforces.
func (c *Counter) Policy() Policy { return c.policy }

// origin undoes httprate's key composition, which terminates every key part
// with ':', so buckets match those written by CheckAndIncrement.
func origin(key string) string {
	return strings.TrimSuffix(key, ":")
}
