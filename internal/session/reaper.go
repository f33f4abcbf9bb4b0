package session

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Default reaper timings.
const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// idleExpirer is the part of the Engine the reaper drives.
type idleExpirer interface {
	IdleSince(cutoff time.Time) []string
	ExpireIdle(ctx context.Context, sid string, cutoff time.Time) (bool, error)
}

// Reaper periodically decrements sessions that have been idle longer than
// the idle timeout, moving abandoned sessions toward teardown.
type Reaper struct {
	engine      idleExpirer
	idleTimeout time.Duration
	interval    time.Duration
	cronExpr    string
	now         func() time.Time
}

// ReaperOpts holds parameters for creating a Reaper.
type ReaperOpts struct {
	Engine        idleExpirer
	IdleTimeout   time.Duration    // defaults to DefaultIdleTimeout
	SweepInterval time.Duration    // defaults to DefaultSweepInterval
	SweepCron     string           // optional; overrides SweepInterval
	Now           func() time.Time // defaults to time.Now
}

// NewReaper creates a Reaper.
func NewReaper(opts ReaperOpts) (*Reaper, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("session: reaper: engine is required")
	}
	if opts.SweepCron != "" {
		if err := ValidateCron(opts.SweepCron); err != nil {
			return nil, fmt.Errorf("session: reaper: sweep cron: %w", err)
		}
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reaper{
		engine:      opts.Engine,
		idleTimeout: idle,
		interval:    interval,
		cronExpr:    opts.SweepCron,
		now:         now,
	}, nil
}

// Sweep runs one pass: every session idle for longer than the idle timeout
// is decremented once. It returns the SIDs that were decremented.
func (r *Reaper) Sweep(ctx context.Context) []string {
	cutoff := r.now().Add(-r.idleTimeout)
	var expired []string
	for _, sid := range r.engine.IdleSince(cutoff) {
		if ctx.Err() != nil {
			break
		}
		ok, err := r.engine.ExpireIdle(ctx, sid, cutoff)
		if err != nil {
			log.Printf("session: reaper: expire %s: %v", sid, err)
			continue
		}
		if ok {
			expired = append(expired, sid)
		}
	}
	if len(expired) > 0 {
		log.Printf("session: reaper: decremented %d idle sessions", len(expired))
	}
	return expired
}

// Run waits for ready to be closed, then sweeps on schedule until ctx is
// cancelled.
func (r *Reaper) Run(ctx context.Context, ready <-chan struct{}) {
	select {
	case <-ctx.Done():
		return
	case <-ready:
	}

	timer := time.NewTimer(r.nextDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.Sweep(ctx)
			timer.Reset(r.nextDelay())
		}
	}
}

// nextDelay returns the wait until the next sweep.
func (r *Reaper) nextDelay() time.Duration {
	if r.cronExpr != "" {
		if d := nextCronDuration(r.cronExpr, r.now()); d > 0 {
			return d
		}
	}
	return r.interval
}
