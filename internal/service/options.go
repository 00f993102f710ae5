package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Option configures the services in this package.
type Option func(*options)

type options struct {
	now          func() time.Time
	logger       *slog.Logger
	queryTimeout time.Duration
	bcryptCost   int
}

// WithClock replaces time.Now. Tests use it to step past expiries.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for security events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithQueryTimeout bounds every store call made by a service.
func WithQueryTimeout(d time.Duration) Option {
	return func(o *options) { o.queryTimeout = d }
}

// WithBcryptCost sets the bcrypt work factor for new password hashes.
func WithBcryptCost(cost int) Option {
	return func(o *options) { o.bcryptCost = cost }
}

func buildOptions(opts []Option) options {
	o := options{
		now:          time.Now,
		logger:       slog.Default(),
		queryTimeout: 5 * time.Second,
		bcryptCost:   bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// bound applies the store query timeout to ctx.
func (o options) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.queryTimeout)
}

// shortHash trims a token digest for log output.
func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
