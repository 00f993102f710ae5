package service

import (
	"context"
	"time"
)

// Sweeper periodically deletes dead sessions and lapsed lockouts. It
// implements suture.Service.
type Sweeper struct {
	sessions *SessionRegistry
	lockout  *LockoutGuard
	interval time.Duration
	opts     options
}

// SweepStats reports what one sweep removed.
type SweepStats struct {
	Sessions int64
	Lockouts int64
}

// NewSweeper returns a sweeper running every interval (default 5m).
func NewSweeper(sessions *SessionRegistry, lockout *LockoutGuard, interval time.Duration, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{sessions: sessions, lockout: lockout, interval: interval, opts: buildOptions(opts)}
}

// Sweep runs one cleanup pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	n, err := s.sessions.Sweep(ctx)
	if err != nil {
		return stats, err
	}
	stats.Sessions = n

	n, err = s.lockout.Sweep(ctx)
	if err != nil {
		return stats, err
	}
	stats.Lockouts = n
	return stats, nil
}

// Serve sweeps on every tick until ctx is canceled. A failed sweep returns
// the error so the supervisor restarts the loop with backoff.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := s.Sweep(ctx)
			if err != nil {
				s.opts.logger.Error("sweep failed", "error", err)
				return err
			}
			if stats.Sessions > 0 || stats.Lockouts > 0 {
				s.opts.logger.Info("sweep completed", "sessions", stats.Sessions, "lockouts", stats.Lockouts)
			}
		}
	}
}

// String names the service in supervisor logs.
func (s *Sweeper) String() string { return "sweeper" }
