package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/queue"
)

// Elector reports whether this process may run the background jobs.
type Elector interface {
	TryLead(ctx context.Context) (bool, error)
}

// Runner is the background trigger: on every tick it takes the scheduled
// queue run if it is due, falls back to a periodic run when nothing was
// scheduled for a while, and fires the housekeeping jobs on their intervals.
type Runner struct {
	worker  *Worker
	maint   *Maintenance
	sched   queue.Scheduler
	elector Elector
	logger  *zap.Logger

	Tick             time.Duration
	FallbackInterval time.Duration
	CleanupInterval  time.Duration
	AlertInterval    time.Duration
	Now              func() time.Time

	lastRun     time.Time
	lastCleanup time.Time
	lastAlert   time.Time
}

func NewRunner(w *Worker, m *Maintenance, sched queue.Scheduler, elector Elector, logger *zap.Logger) *Runner {
	return &Runner{
		worker:           w,
		maint:            m,
		sched:            sched,
		elector:          elector,
		logger:           logger.Named("runner"),
		Tick:             time.Second,
		FallbackInterval: time.Minute,
		CleanupInterval:  24 * time.Hour,
		AlertInterval:    time.Hour,
		Now:              time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	tick := time.NewTicker(r.Tick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			r.Step(ctx)
		}
	}
}

// Step performs one tick.
func (r *Runner) Step(ctx context.Context) {
	if r.elector != nil {
		ok, err := r.elector.TryLead(ctx)
		if err != nil {
			r.logger.Warn("leader election failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}
	}
	now := r.Now()

	claimed, err := r.sched.Claim(ctx, now)
	if err != nil {
		r.logger.Warn("claim scheduled run failed", zap.Error(err))
	}
	if claimed || now.Sub(r.lastRun) >= r.FallbackInterval {
		r.lastRun = now
		rep, err := r.worker.ProcessOnce(ctx)
		if err != nil {
			r.logger.Error("queue run failed", zap.Error(err))
		} else if rep.Processed > 0 {
			r.logger.Info("queue run",
				zap.Int("processed", rep.Processed),
				zap.Int("sent", rep.Sent),
				zap.Int("retried", rep.Retried),
				zap.Int("dead_lettered", rep.DeadLettered))
		}
	}

	if r.maint == nil {
		return
	}
	if now.Sub(r.lastCleanup) >= r.CleanupInterval {
		r.lastCleanup = now
		if _, err := r.maint.PurgeExpired(ctx); err != nil {
			r.logger.Error("retention purge failed", zap.Error(err))
		}
	}
	if now.Sub(r.lastAlert) >= r.AlertInterval {
		r.lastAlert = now
		if _, err := r.maint.CheckThresholds(ctx); err != nil {
			r.logger.Error("threshold check failed", zap.Error(err))
		}
	}
}
