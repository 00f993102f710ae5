// Package ratelimit implements fixed-window request counting keyed by client
// origin and endpoint class. Counters live in the badger cache so every
// bucket carries its own TTL.
package ratelimit

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/faucetdb/spigot/internal/cache"
	"github.com/faucetdb/spigot/internal/metrics"
)

// Policy is a named fixed-window limit.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Default policies.
var (
	AuthPolicy    = Policy{Name: "auth", Limit: 10, Window: 60 * time.Second}
	GeneralPolicy = Policy{Name: "general", Limit: 100, Window: 60 * time.Second}
)

// Decision is the outcome of counting a request against a Policy.
type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (d Decision) RetryAfterSeconds() int {
	return ceilSeconds(d.RetryAfter)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now for window arithmetic.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepProbability sets the chance that a request triggers a sweep of
// stale buckets. Zero disables inline sweeping.
func WithSweepProbability(p float64) Option {
	return func(l *Limiter) { l.sweepProbability = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// Limiter counts requests per (policy, window index, origin).
type Limiter struct {
	cache            *cache.Store
	now              func() time.Time
	sweepProbability float64
	chance           func() float64
	logger           *slog.Logger
}

// New returns a Limiter storing its buckets in c.
func New(c *cache.Store, opts ...Option) *Limiter {
	l := &Limiter{
		cache:            c,
		now:              time.Now,
		sweepProbability: 0.01,
		chance:           rand.Float64,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// windowIndex is floor(now / window).
func windowIndex(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}

func bucketPrefix(p Policy) string {
	return "rl:" + p.Name + ":"
}

// BucketKey returns the cache key counting origin under p at now.
func BucketKey(p Policy, origin string, now time.Time) string {
	return fmt.Sprintf("%s%d:%s", bucketPrefix(p), windowIndex(now, p.Window), origin)
}

// CheckAndIncrement counts one request from origin under p. The increment is
// atomic, so concurrent requests never exceed the limit between them.
func (l *Limiter) CheckAndIncrement(origin string, p Policy) (Decision, error) {
	return l.CheckAndIncrementBy(origin, p, 1)
}

// CheckAndIncrementBy counts amount requests from origin under p.
func (l *Limiter) CheckAndIncrementBy(origin string, p Policy, amount int) (Decision, error) {
	n, err := l.cache.Incr(BucketKey(p, origin, l.now()), int64(amount), 2*p.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", p.Name, err)
	}
	l.maybeSweep(p)
	return l.decide(p, n), nil
}

// Peek returns the decision the next request from origin would get under p
// without counting it.
func (l *Limiter) Peek(origin string, p Policy) (Decision, error) {
	n, err := l.count(p, origin)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", p.Name, err)
	}
	return l.decide(p, n+1), nil
}

func (l *Limiter) decide(p Policy, n int64) Decision {
	d := Decision{
		Allowed: n <= int64(p.Limit),
		Count:   int(n),
		Limit:   p.Limit,
		Window:  p.Window,
	}
	if !d.Allowed {
		d.RetryAfter = l.RetryAfter(p)
	}
	return d
}

// RetryAfter is the time left in the current window of p.
func (l *Limiter) RetryAfter(p Policy) time.Duration {
	now := l.now()
	next := time.Unix(0, (windowIndex(now, p.Window)+1)*int64(p.Window))
	return next.Sub(now)
}

// count returns the requests counted so far for origin in the current window.
func (l *Limiter) count(p Policy, origin string) (int64, error) {
	return l.cache.Counter(BucketKey(p, origin, l.now()))
}

func (l *Limiter) maybeSweep(p Policy) {
	if l.sweepProbability <= 0 || l.chance() >= l.sweepProbability {
		return
	}
	if _, err := l.Sweep(p); err != nil {
		l.logger.Warn("rate limit sweep failed", "policy", p.Name, "error", err)
	}
}

// Sweep removes every bucket of p from a window before the current one.
func (l *Limiter) Sweep(p Policy) (int, error) {
	current := windowIndex(l.now(), p.Window)
	prefix := bucketPrefix(p)
	removed, err := l.cache.DeleteWhere(prefix, func(key string) bool {
		rest := strings.TrimPrefix(key, prefix)
		idx, _, ok := strings.Cut(rest, ":")
		if !ok {
			return true
		}
		n, err := strconv.ParseInt(idx, 10, 64)
		return err != nil || n < current
	})
	if removed > 0 {
		metrics.RateBucketsSwept.Add(float64(removed))
	}
	return removed, err
}

func ceilSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
