// Package deliverylog records every send and its status history. Status
// writes go through the non-regression guard: a message never moves back to
// an earlier lifecycle rank and never leaves a terminal state unless an
// override allows it.
package deliverylog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/domain"
)

var (
	ErrNotFound = errors.New("log entry not found")
	ErrConflict = errors.New("log entry changed concurrently")
)

// casAttempts bounds the compare-and-set retries of a status write.
const casAttempts = 3

// Change is a partial update. Nil fields are left untouched.
type Change struct {
	Status            domain.Status
	HTTPStatus        *int
	ProviderMessageID *string
	ErrorMessage      *string
	LastErrorCode     *string
	AttemptCount      *int
	NextAttemptAt     *time.Time
	ClearNextAttempt  bool
	DeliveryMode      domain.DeliveryMode
	WebhookEventType  *string
	RequestPayload    *string
	ResponseBody      *string
	// ForcePayload stores RequestPayload and ResponseBody even in metadata mode.
	ForcePayload bool
}

func Ptr[T any](v T) *T { return &v }

// Store persists log entries.
type Store interface {
	Insert(ctx context.Context, e *domain.LogEntry) (int64, error)
	Get(ctx context.Context, id int64) (*domain.LogEntry, error)
	LatestIDByProviderMessageID(ctx context.Context, providerMessageID string) (int64, error)
	// Apply writes ch only while the stored status still equals expected and
	// reports whether the row matched.
	Apply(ctx context.Context, id int64, expected domain.Status, ch Change, now time.Time) (bool, error)
	Query(ctx context.Context, f Filter) ([]domain.LogEntry, int64, error)
	Delete(ctx context.Context, f Filter) (int64, error)
	CountByStatus(ctx context.Context, from, to time.Time) (map[domain.Status]int64, error)
	ErrorBreakdown(ctx context.Context, since time.Time, statuses []domain.Status, limit int) ([]ErrorCount, error)
}

// OverrideFunc may allow a transition the rank rule rejects.
type OverrideFunc func(current domain.LogEntry, to domain.Status) bool

type Log struct {
	store    Store
	logger   *zap.Logger
	override OverrideFunc
	Now      func() time.Time
}

type Option func(*Log)

func WithOverride(fn OverrideFunc) Option { return func(l *Log) { l.override = fn } }

func New(store Store, logger *zap.Logger, opts ...Option) *Log {
	l := &Log{store: store, logger: logger.Named("delivery-log"), Now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Log) Store() Store { return l.store }

// Insert records a new entry and returns its id. With retention off nothing
// is stored and the id is 0. Body, headers, attachments and raw payloads are
// kept only in full detail mode.
func (l *Log) Insert(ctx context.Context, s config.Settings, e *domain.LogEntry) (int64, error) {
	if !s.Retention {
		return 0, nil
	}
	if !e.Status.Valid() {
		return 0, fmt.Errorf("insert log: unknown status %q", e.Status)
	}
	if !s.FullDetail() {
		e.Message = ""
		e.Headers = nil
		e.Attachments = nil
		e.RequestPayload = ""
		e.ResponseBody = ""
	}
	now := l.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Provider == "" {
		e.Provider = domain.DefaultProvider
	}
	if !e.DeliveryMode.Valid() {
		e.DeliveryMode = domain.ModeImmediate
	}
	id, err := l.store.Insert(ctx, e)
	if err != nil {
		return 0, fmt.Errorf("insert log: %w", err)
	}
	e.ID = id
	return id, nil
}

func (l *Log) allowed(cur domain.LogEntry, to domain.Status) bool {
	if domain.CanTransition(cur.Status, to) {
		return true
	}
	return l.override != nil && l.override(cur, to)
}

// Update applies ch to entry id. A status the guard rejects is dropped while
// the remaining details are still written.
func (l *Log) Update(ctx context.Context, s config.Settings, id int64, ch Change) error {
	if id <= 0 || !s.Retention {
		return nil
	}
	if !s.FullDetail() && !ch.ForcePayload {
		ch.RequestPayload = nil
		ch.ResponseBody = nil
	}
	for i := 0; i < casAttempts; i++ {
		cur, err := l.store.Get(ctx, id)
		if err != nil {
			return err
		}
		write := ch
		if ch.Status != "" && !l.allowed(*cur, ch.Status) {
			l.logger.Debug("status transition rejected",
				zap.Int64("log_id", id),
				zap.String("from", string(cur.Status)),
				zap.String("to", string(ch.Status)))
			write.Status = ""
		}
		ok, err := l.store.Apply(ctx, id, cur.Status, write, l.Now().UTC())
		if err != nil {
			return fmt.Errorf("update log %d: %w", id, err)
		}
		if ok {
			return nil
		}
	}
	return ErrConflict
}

// UpdateByProviderMessageID updates the newest entry carrying the provider
// message id and reports whether one was found.
func (l *Log) UpdateByProviderMessageID(ctx context.Context, s config.Settings, providerMessageID string, ch Change) (bool, error) {
	if providerMessageID == "" || !s.Retention {
		return false, nil
	}
	id, err := l.store.LatestIDByProviderMessageID(ctx, providerMessageID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, l.Update(ctx, s, id, ch)
}

func (l *Log) Get(ctx context.Context, id int64) (*domain.LogEntry, error) {
	return l.store.Get(ctx, id)
}

// Page is one page of a query, newest first.
type Page struct {
	Entries []domain.LogEntry `json:"entries"`
	Total   int64             `json:"total"`
}

func (l *Log) Query(ctx context.Context, f Filter) (Page, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	entries, total, err := l.store.Query(ctx, f)
	if err != nil {
		return Page{}, err
	}
	return Page{Entries: entries, Total: total}, nil
}

// Export returns every entry matching f up to limit.
func (l *Log) Export(ctx context.Context, f Filter, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	f.Limit, f.Offset = limit, 0
	entries, _, err := l.store.Query(ctx, f)
	return entries, err
}

func (l *Log) ExportByIDs(ctx context.Context, ids []int64) ([]domain.LogEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	entries, _, err := l.store.Query(ctx, Filter{IDs: ids, Limit: len(ids)})
	return entries, err
}

// PayloadsByIDs returns the stored provider payloads keyed by log id. Entries
// without a payload are omitted.
func (l *Log) PayloadsByIDs(ctx context.Context, ids []int64) (map[int64]string, error) {
	if len(ids) == 0 {
		return map[int64]string{}, nil
	}
	entries, _, err := l.store.Query(ctx, Filter{IDs: ids, HasPayload: true, Limit: len(ids)})
	if err != nil {
		return nil, err
	}
	out := make(map[int64]string, len(entries))
	for _, e := range entries {
		out[e.ID] = e.RequestPayload
	}
	return out, nil
}

// RetryableFailed lists failed and dead-lettered entries that kept a payload.
func (l *Log) RetryableFailed(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	entries, _, err := l.store.Query(ctx, Filter{
		Statuses:   []domain.Status{domain.StatusFailed, domain.StatusDeadLetter},
		HasPayload: true,
		Limit:      limit,
	})
	return entries, err
}

func (l *Log) PurgeByFilters(ctx context.Context, f Filter) (int64, error) {
	f.Limit, f.Offset = 0, 0
	return l.store.Delete(ctx, f)
}

func (l *Log) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return l.store.Delete(ctx, Filter{IDs: ids})
}

// PurgeOlderThan deletes entries created more than days days ago (at least one).
func (l *Log) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 1 {
		days = 1
	}
	cutoff := l.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	return l.store.Delete(ctx, Filter{DateTo: cutoff})
}

func (l *Log) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	return l.store.CountByStatus(ctx, time.Time{}, time.Time{})
}
