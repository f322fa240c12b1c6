// Package worker drains the delivery queue in bounded runs and keeps the
// delivery log tidy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/kv"
	"github.com/SirClappington/mailq/internal/mailer"
	"github.com/SirClappington/mailq/internal/metrics"
	"github.com/SirClappington/mailq/internal/provider"
	"github.com/SirClappington/mailq/internal/queue"
)

const (
	DefaultLeaseTTL = 60 * time.Second

	budgetRescheduleDelay = 5 * time.Second
	idleRescheduleDelay   = 30 * time.Second
)

// TerminalFunc is called for every job that is dead-lettered.
type TerminalFunc func(job domain.Job, err error, attempt int)

// Report summarizes one worker run.
type Report struct {
	Processed    int  `json:"processed"`
	Sent         int  `json:"sent"`
	Retried      int  `json:"retried"`
	DeadLettered int  `json:"dead_lettered"`
	HitBudget    bool `json:"hit_budget"`
	// Skipped is set when another run held the lease.
	Skipped bool `json:"skipped"`
}

type Worker struct {
	settings config.Provider
	queue    queue.Repository
	sched    queue.Scheduler
	client   provider.Sender
	rec      *mailer.Recorder
	kv       kv.Store
	logger   *zap.Logger

	// Lease guards ProcessOnce. When nil a KVLease of LeaseTTL on the
	// worker's kv store is used.
	Lease      Lease
	LeaseTTL   time.Duration
	Policy     func(config.Settings) RetryPolicy
	OnTerminal TerminalFunc
	Now        func() time.Time
}

func New(settings config.Provider, q queue.Repository, sched queue.Scheduler, client provider.Sender, rec *mailer.Recorder, store kv.Store, logger *zap.Logger) *Worker {
	return &Worker{
		settings: settings,
		queue:    q,
		sched:    sched,
		client:   client,
		rec:      rec,
		kv:       store,
		logger:   logger.Named("queue-worker"),
		LeaseTTL: DefaultLeaseTTL,
		Policy:   PolicyFromSettings,
		Now:      time.Now,
	}
}

func (w *Worker) lease() Lease {
	if w.Lease != nil {
		return w.Lease
	}
	return KVLease{Store: w.kv, TTL: w.LeaseTTL, Logger: w.logger}
}

// ProcessOnce runs one bounded pass over the due jobs. A concurrent run
// holding the lease makes it return a skipped report immediately.
func (w *Worker) ProcessOnce(ctx context.Context) (Report, error) {
	release, ok, err := w.lease().Acquire(ctx)
	if err != nil {
		return Report{}, err
	}
	if !ok {
		metrics.WorkerRuns.WithLabelValues("skipped").Inc()
		return Report{Skipped: true}, nil
	}
	defer release()

	start := w.Now()
	rep, err := w.run(ctx, start)
	metrics.WorkerRunDuration.Observe(w.Now().Sub(start).Seconds())
	if err != nil {
		metrics.WorkerRuns.WithLabelValues("error").Inc()
		return rep, err
	}
	metrics.WorkerRuns.WithLabelValues("ok").Inc()
	return rep, nil
}

func (w *Worker) run(ctx context.Context, start time.Time) (Report, error) {
	var rep Report
	s, err := w.settings.Settings(ctx)
	if err != nil {
		return rep, fmt.Errorf("load settings: %w", err)
	}
	policy := w.Policy(s)

loop:
	for rep.Processed < s.MaxJobsPerRun {
		jobs, err := w.queue.ClaimDue(ctx, s.MaxJobsPerRun-rep.Processed, w.Now())
		if err != nil {
			return rep, fmt.Errorf("claim jobs: %w", err)
		}
		if len(jobs) == 0 {
			break
		}
		for _, job := range jobs {
			w.handle(ctx, s, policy, job, &rep)
			rep.Processed++
			metrics.WorkerJobs.Inc()
			if rep.Processed >= s.MaxJobsPerRun || w.Now().Sub(start) >= s.MaxRunTime || ctx.Err() != nil {
				rep.HitBudget = true
				break loop
			}
		}
	}

	if err := w.reschedule(ctx, rep.HitBudget); err != nil {
		return rep, err
	}
	w.logger.Debug("queue run finished",
		zap.Int("processed", rep.Processed),
		zap.Int("sent", rep.Sent),
		zap.Int("retried", rep.Retried),
		zap.Int("dead_lettered", rep.DeadLettered),
		zap.Bool("hit_budget", rep.HitBudget))
	return rep, nil
}

func (w *Worker) handle(ctx context.Context, s config.Settings, policy RetryPolicy, job domain.Job, rep *Report) {
	attempt := job.AttemptCount + 1
	log := w.logger.With(zap.Int64("job_id", job.ID), zap.Int64("log_id", job.LogID), zap.Int("attempt", attempt))

	res, sendErr := w.client.Send(ctx, s.ProviderToken, job.Payload)
	if sendErr == nil {
		w.rec.Sent(ctx, s, job.LogID, res, job.Payload, attempt, domain.ModeQueue)
		if err := w.queue.Succeed(ctx, job.ID); err != nil {
			log.Error("failed to remove sent job", zap.Error(err))
		}
		rep.Sent++
		return
	}

	if delay, retry := policy.Next(job, attempt, sendErr); retry {
		next := w.Now().Add(delay)
		if err := w.queue.Release(ctx, job.ID, attempt, next, provider.ErrorCode(sendErr)); err != nil {
			log.Error("failed to release job", zap.Error(err))
		}
		w.rec.Retrying(ctx, s, job.LogID, sendErr, attempt, next)
		rep.Retried++
		return
	}

	if w.OnTerminal != nil {
		w.OnTerminal(job, sendErr, attempt)
	}
	w.rec.Failed(ctx, s, job.LogID, sendErr, job.Payload, attempt, domain.ModeQueue, domain.StatusDeadLetter)
	if err := w.queue.Fail(ctx, job.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		log.Error("failed to remove dead-lettered job", zap.Error(err))
	}
	metrics.MailDeadLettered.Inc()
	log.Warn("job dead-lettered", zap.String("code", provider.ErrorCode(sendErr)), zap.Error(sendErr))
	rep.DeadLettered++
}

// reschedule requests the next run: none when the backlog is empty, soon
// when the budget ran out, otherwise at the earliest due job.
func (w *Worker) reschedule(ctx context.Context, hitBudget bool) error {
	if w.sched == nil {
		return nil
	}
	backlog, err := w.queue.CountBacklog(ctx)
	if err != nil {
		return fmt.Errorf("count backlog: %w", err)
	}
	metrics.QueueBacklog.Set(float64(backlog))
	if backlog == 0 {
		return w.sched.Cancel(ctx)
	}
	now := w.Now()
	var at time.Time
	switch due, ok, err := w.queue.NextDue(ctx); {
	case err != nil:
		return fmt.Errorf("next due: %w", err)
	case hitBudget:
		at = now.Add(budgetRescheduleDelay)
	case !ok:
		at = now.Add(idleRescheduleDelay)
	default:
		at = due
		if floor := now.Add(time.Second); at.Before(floor) {
			at = floor
		}
	}
	return w.sched.ScheduleAt(ctx, at)
}
