// Package admin implements the operator operations shared by the admin API
// and mailqctl: resend, bulk actions, queue control, stats and health.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/deliverylog"
	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/kv"
	"github.com/SirClappington/mailq/internal/mailer"
	"github.com/SirClappington/mailq/internal/queue"
	"github.com/SirClappington/mailq/internal/worker"
)

var (
	ErrNoPayload   = errors.New("log entry has no stored payload")
	ErrEmptyFilter = errors.New("refusing to purge without a filter")
)

// SchemaChecker reports the applied schema version. It is nil for the
// memory driver.
type SchemaChecker interface {
	CurrentVersion(ctx context.Context) (int64, error)
}

type Service struct {
	settings config.Provider
	log      *deliverylog.Log
	queue    queue.Repository
	sched    queue.Scheduler
	ic       *mailer.Interceptor
	worker   *worker.Worker
	kv       kv.Store
	logger   *zap.Logger

	Schema         SchemaChecker
	SchemaExpected int64
	Backend        string
	Now            func() time.Time
}

func New(settings config.Provider, log *deliverylog.Log, q queue.Repository, sched queue.Scheduler, ic *mailer.Interceptor, w *worker.Worker, store kv.Store, logger *zap.Logger) *Service {
	return &Service{
		settings: settings,
		log:      log,
		queue:    q,
		sched:    sched,
		ic:       ic,
		worker:   w,
		kv:       store,
		logger:   logger.Named("admin"),
		Backend:  "memory",
		Now:      time.Now,
	}
}

func (s *Service) Settings(ctx context.Context) (config.Settings, error) {
	return s.settings.Settings(ctx)
}

func (s *Service) Log() *deliverylog.Log { return s.log }

// Send delivers a host message through the interceptor.
func (s *Service) Send(ctx context.Context, m mailer.Message) (mailer.Result, error) {
	st, err := s.settings.Settings(ctx)
	if err != nil {
		return mailer.Result{}, err
	}
	return s.ic.Send(ctx, st, m), nil
}

// Resend replays the stored payload of log entry id with overrides applied.
func (s *Service) Resend(ctx context.Context, id int64, o mailer.Overrides) (mailer.Result, error) {
	e, err := s.log.Get(ctx, id)
	if err != nil {
		return mailer.Result{}, err
	}
	if e.RequestPayload == "" {
		return mailer.Result{}, ErrNoPayload
	}
	return s.resendPayload(ctx, id, json.RawMessage(e.RequestPayload), o)
}

func (s *Service) resendPayload(ctx context.Context, id int64, payload json.RawMessage, o mailer.Overrides) (mailer.Result, error) {
	payload, err := mailer.ApplyOverrides(payload, o, id)
	if err != nil {
		return mailer.Result{}, err
	}
	st, err := s.settings.Settings(ctx)
	if err != nil {
		return mailer.Result{}, err
	}
	return s.ic.Resend(ctx, st, payload, o.Mode)
}

// RetrySummary counts the outcomes of a bulk retry.
type RetrySummary struct {
	Attempted int              `json:"attempted"`
	Outcomes  map[string]int   `json:"outcomes"`
	Skipped   []int64          `json:"skipped,omitempty"`
	Errors    map[int64]string `json:"errors,omitempty"`
}

func newSummary() RetrySummary {
	return RetrySummary{Outcomes: map[string]int{}, Errors: map[int64]string{}}
}

func (r *RetrySummary) add(id int64, res mailer.Result, err error) {
	r.Attempted++
	if err != nil {
		r.Errors[id] = err.Error()
		return
	}
	r.Outcomes[string(res.Outcome)]++
}

// RetryFailed resends up to limit failed or dead-lettered entries that kept
// their payload. mode may be empty to use the configured mode.
func (s *Service) RetryFailed(ctx context.Context, limit int, mode string) (RetrySummary, error) {
	entries, err := s.log.RetryableFailed(ctx, limit)
	if err != nil {
		return RetrySummary{}, err
	}
	sum := newSummary()
	for _, e := range entries {
		res, err := s.resendPayload(ctx, e.ID, json.RawMessage(e.RequestPayload), mailer.Overrides{Mode: mode})
		sum.add(e.ID, res, err)
	}
	return sum, nil
}

// RetryByIDs resends the given entries; entries without a payload are skipped.
func (s *Service) RetryByIDs(ctx context.Context, ids []int64, mode string) (RetrySummary, error) {
	payloads, err := s.log.PayloadsByIDs(ctx, ids)
	if err != nil {
		return RetrySummary{}, err
	}
	sum := newSummary()
	for _, id := range ids {
		p, ok := payloads[id]
		if !ok {
			sum.Skipped = append(sum.Skipped, id)
			continue
		}
		res, err := s.resendPayload(ctx, id, json.RawMessage(p), mailer.Overrides{Mode: mode})
		sum.add(id, res, err)
	}
	return sum, nil
}

func (s *Service) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	return s.log.DeleteByIDs(ctx, ids)
}

func (s *Service) ExportByIDs(ctx context.Context, ids []int64) ([]domain.LogEntry, error) {
	return s.log.ExportByIDs(ctx, ids)
}

// PurgeLogs deletes entries matching f. An empty filter is refused.
func (s *Service) PurgeLogs(ctx context.Context, f deliverylog.Filter) (int64, error) {
	if FilterEmpty(f) {
		return 0, ErrEmptyFilter
	}
	return s.log.PurgeByFilters(ctx, f)
}

func (s *Service) RunQueue(ctx context.Context) (worker.Report, error) {
	return s.worker.ProcessOnce(ctx)
}

// PurgeQueue drops jobs created more than olderThan ago.
func (s *Service) PurgeQueue(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("older than must not be negative")
	}
	return s.queue.Purge(ctx, olderThan)
}
