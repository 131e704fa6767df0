// Package maint runs scheduled housekeeping: purging soft-deleted
// messages past their retention, expiring idle agent runtime sessions,
// and pruning stale cached peer keys.
package maint

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
	"github.com/finml-sage/agent-swarm-protocol/internal/metrics"
)

// defaultKeyRetention bounds the public-key cache. Keys refresh on a 24h
// TTL while in use; a week without contact means the peer is gone.
const defaultKeyRetention = 7 * 24 * time.Hour

// Store is the subset of the node store maintenance touches.
type Store interface {
	PurgeDeleted(ctx context.Context, cutoff time.Time) (int, error)
	ExpireSDKSessions(ctx context.Context, cutoff time.Time) (int, error)
	PruneKeys(ctx context.Context, cutoff time.Time) (int, error)
}

// Options configures a Runner.
type Options struct {
	Store          Store
	Schedule       string        // cron expression
	PurgeRetention time.Duration // age before soft-deleted messages are removed
	SessionExpiry  time.Duration // idle age before runtime sessions are dropped
	KeyRetention   time.Duration // age before cached peer keys are pruned
	Textfile       string        // optional metrics snapshot path, empty disables
	Clock          clock.Clock
	Log            *logging.Logger
}

// Runner drives the maintenance cycle on a cron schedule.
type Runner struct {
	st       Store
	sched    cron.Schedule
	purge    time.Duration
	sess     time.Duration
	keys     time.Duration
	textfile string
	clk      clock.Clock
	log      *logging.Logger
}

func New(opts Options) (*Runner, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("maint: schedule %q: %w", opts.Schedule, err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.KeyRetention <= 0 {
		opts.KeyRetention = defaultKeyRetention
	}
	return &Runner{
		st:       opts.Store,
		sched:    sched,
		purge:    opts.PurgeRetention,
		sess:     opts.SessionExpiry,
		keys:     opts.KeyRetention,
		textfile: opts.Textfile,
		clk:      opts.Clock,
		log:      opts.Log.Component("maint"),
	}, nil
}

// Run executes a sweep at each scheduled slot until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		now := r.clk.Now()
		next := r.sched.Next(now)
		select {
		case <-r.clk.After(next.Sub(now)):
			r.Sweep(ctx)
		case <-ctx.Done():
			r.log.Info("maintenance stopped")
			return nil
		}
	}
}

// Sweep runs one maintenance cycle immediately. Each task runs even when
// an earlier one fails.
func (r *Runner) Sweep(ctx context.Context) {
	now := r.clk.Now()

	if n, err := r.st.PurgeDeleted(ctx, now.Add(-r.purge)); err != nil {
		r.log.Error("message purge failed", "error", err)
	} else if n > 0 {
		metrics.PurgeRemoved.WithLabelValues("messages").Add(float64(n))
		r.log.Info("purged deleted messages", "count", n)
	}

	if n, err := r.st.ExpireSDKSessions(ctx, now.Add(-r.sess)); err != nil {
		r.log.Error("session expiry failed", "error", err)
	} else if n > 0 {
		metrics.PurgeRemoved.WithLabelValues("sessions").Add(float64(n))
		r.log.Info("expired idle runtime sessions", "count", n)
	}

	if n, err := r.st.PruneKeys(ctx, now.Add(-r.keys)); err != nil {
		r.log.Error("key prune failed", "error", err)
	} else if n > 0 {
		metrics.PurgeRemoved.WithLabelValues("keys").Add(float64(n))
		r.log.Info("pruned stale peer keys", "count", n)
	}

	if r.textfile != "" {
		if err := metrics.WriteTextfile(r.textfile); err != nil {
			r.log.Error("metrics snapshot failed", "path", r.textfile, "error", err)
		}
	}
}
