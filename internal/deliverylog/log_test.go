package deliverylog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/storage"
)

var base = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

func settings() config.Settings {
	s := config.DefaultSettings()
	s.Retention = true
	return s
}

func newLog(t *testing.T) *Log {
	t.Helper()
	l := New(NewMemoryStore(), zap.NewNop())
	l.Now = func() time.Time { return base }
	return l
}

func insert(t *testing.T, l *Log, s config.Settings, status domain.Status) int64 {
	t.Helper()
	e, err := domain.NewLogEntry([]string{"a@example.com"}, "Hello", status, domain.ModeQueue, l.Now())
	require.NoError(t, err)
	id, err := l.Insert(context.Background(), s, e)
	require.NoError(t, err)
	return id
}

func TestTerminalStatusNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := settings()
	for _, terminal := range []domain.Status{domain.StatusFailed, domain.StatusBypassed, domain.StatusDelivered, domain.StatusDeadLetter} {
		for _, to := range domain.AllStatuses {
			if to == terminal {
				continue
			}
			t.Run(string(terminal)+"->"+string(to), func(t *testing.T) {
				l := newLog(t)
				id := insert(t, l, s, terminal)
				require.NoError(t, l.Update(ctx, s, id, Change{Status: to, ErrorMessage: Ptr("late event")}))

				e, err := l.Get(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, terminal, e.Status)
				assert.Equal(t, "late event", e.ErrorMessage, "details are written even when the status is kept")
			})
		}
	}
}

func TestForwardTransitions(t *testing.T) {
	ctx := context.Background()
	s := settings()
	l := newLog(t)
	id := insert(t, l, s, domain.StatusQueued)

	steps := []struct {
		to   domain.Status
		want domain.Status
	}{
		{domain.StatusRetrying, domain.StatusRetrying},
		{domain.StatusQueued, domain.StatusRetrying},
		{domain.StatusSent, domain.StatusSent},
		{domain.StatusRetrying, domain.StatusSent},
		{domain.StatusSent, domain.StatusSent},
		{domain.StatusDelivered, domain.StatusDelivered},
		{domain.StatusFailed, domain.StatusDelivered},
	}
	for _, st := range steps {
		require.NoError(t, l.Update(ctx, s, id, Change{Status: st.to}))
		e, err := l.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, st.want, e.Status, "after writing %s", st.to)
	}
}

func TestOverrideAllowsTerminalExit(t *testing.T) {
	ctx := context.Background()
	s := settings()
	l := New(NewMemoryStore(), zap.NewNop(), WithOverride(func(cur domain.LogEntry, to domain.Status) bool {
		return cur.Status == domain.StatusFailed && to == domain.StatusQueued
	}))
	id := insert(t, l, s, domain.StatusFailed)
	require.NoError(t, l.Update(ctx, s, id, Change{Status: domain.StatusQueued}))
	e, _ := l.Get(ctx, id)
	assert.Equal(t, domain.StatusQueued, e.Status)
}

func TestRetentionOffSkipsWrites(t *testing.T) {
	ctx := context.Background()
	s := settings()
	s.Retention = false
	l := newLog(t)
	e, _ := domain.NewLogEntry([]string{"a@example.com"}, "x", domain.StatusQueued, domain.ModeQueue, base)
	id, err := l.Insert(ctx, s, e)
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.NoError(t, l.Update(ctx, s, 0, Change{Status: domain.StatusSent}))

	page, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestDetailModes(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)

	meta := settings()
	e, _ := domain.NewLogEntry([]string{"a@example.com"}, "x", domain.StatusProcessing, domain.ModeImmediate, base)
	e.Message = "body"
	e.Headers = []string{"X-A: 1"}
	id, err := l.Insert(ctx, meta, e)
	require.NoError(t, err)

	require.NoError(t, l.Update(ctx, meta, id, Change{Status: domain.StatusSent, RequestPayload: Ptr(`{"a":1}`), ResponseBody: Ptr("ok")}))
	got, _ := l.Get(ctx, id)
	assert.Empty(t, got.Message)
	assert.Empty(t, got.Headers)
	assert.Empty(t, got.RequestPayload)

	require.NoError(t, l.Update(ctx, meta, id, Change{RequestPayload: Ptr(`{"a":1}`), ForcePayload: true}))
	got, _ = l.Get(ctx, id)
	assert.Equal(t, `{"a":1}`, got.RequestPayload)

	full := settings()
	full.LogDetailMode = config.DetailFull
	e2, _ := domain.NewLogEntry([]string{"b@example.com"}, "y", domain.StatusProcessing, domain.ModeImmediate, base)
	e2.Message = "body"
	id2, err := l.Insert(ctx, full, e2)
	require.NoError(t, err)
	require.NoError(t, l.Update(ctx, full, id2, Change{ResponseBody: Ptr("resp")}))
	got, _ = l.Get(ctx, id2)
	assert.Equal(t, "body", got.Message)
	assert.Equal(t, "resp", got.ResponseBody)
}

func TestUpdateByProviderMessageID(t *testing.T) {
	ctx := context.Background()
	s := settings()
	l := newLog(t)
	older := insert(t, l, s, domain.StatusSent)
	newer := insert(t, l, s, domain.StatusSent)
	for _, id := range []int64{older, newer} {
		require.NoError(t, l.Update(ctx, s, id, Change{ProviderMessageID: Ptr("pm-1")}))
	}

	found, err := l.UpdateByProviderMessageID(ctx, s, "pm-1", Change{Status: domain.StatusDelivered})
	require.NoError(t, err)
	assert.True(t, found)
	e, _ := l.Get(ctx, newer)
	assert.Equal(t, domain.StatusDelivered, e.Status)
	e, _ = l.Get(ctx, older)
	assert.Equal(t, domain.StatusSent, e.Status)

	found, err = l.UpdateByProviderMessageID(ctx, s, "missing", Change{Status: domain.StatusDelivered})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	s := settings()
	l := newLog(t)

	a := insert(t, l, s, domain.StatusSent)
	b := insert(t, l, s, domain.StatusRetrying)
	c := insert(t, l, s, domain.StatusDeadLetter)
	require.NoError(t, l.Update(ctx, s, b, Change{AttemptCount: Ptr(2), LastErrorCode: Ptr("http_503")}))
	require.NoError(t, l.Update(ctx, s, c, Change{AttemptCount: Ptr(5), LastErrorCode: Ptr("http_503"), RequestPayload: Ptr("{}"), ForcePayload: true}))

	tests := []struct {
		name string
		f    Filter
		want []int64
	}{
		{"all newest first", Filter{}, []int64{c, b, a}},
		{"status", Filter{Statuses: []domain.Status{domain.StatusSent}}, []int64{a}},
		{"search error code", Filter{Search: "HTTP_503"}, []int64{c, b}},
		{"retrying", Filter{RetryState: RetryRetrying}, []int64{b}},
		{"retried", Filter{RetryState: RetryRetried}, []int64{c, b}},
		{"terminal", Filter{RetryState: RetryTerminal}, []int64{c}},
		{"has payload", Filter{HasPayload: true}, []int64{c}},
		{"ids", Filter{IDs: []int64{a, c}}, []int64{c, a}},
		{"date to excludes", Filter{DateTo: base}, nil},
		{"date from includes", Filter{DateFrom: base}, []int64{c, b, a}},
		{"mode", Filter{DeliveryMode: domain.ModeImmediate}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := l.Query(ctx, tt.f)
			require.NoError(t, err)
			var ids []int64
			for _, e := range page.Entries {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, tt.want, ids)
			assert.Equal(t, int64(len(tt.want)), page.Total)
		})
	}

	retryable, err := l.RetryableFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, c, retryable[0].ID)

	payloads, err := l.PayloadsByIDs(ctx, []int64{a, c})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{c: "{}"}, payloads)
}

func TestStatsAndPurge(t *testing.T) {
	ctx := context.Background()
	s := settings()
	l := newLog(t)

	l.Now = func() time.Time { return base.Add(-36 * time.Hour) }
	insert(t, l, s, domain.StatusSent)
	insert(t, l, s, domain.StatusSent)
	l.Now = func() time.Time { return base }
	insert(t, l, s, domain.StatusSent)
	failed := insert(t, l, s, domain.StatusFailed)
	require.NoError(t, l.Update(ctx, s, failed, Change{LastErrorCode: Ptr("http_422")}))

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Total)
	assert.Equal(t, int64(2), st.Last24h)
	assert.Equal(t, int64(1), st.Failures24h)
	assert.Equal(t, 50.0, st.FailureRate24h)
	assert.Equal(t, 0.0, st.FailureRatePrv)
	assert.Equal(t, 50.0, st.FailureTrend)
	assert.Equal(t, []ErrorCount{{Code: "http_422", Total: 1}}, st.RetryErrors)
	require.NotNil(t, st.LastSentAt)
	assert.Equal(t, base, *st.LastSentAt)

	n, err := l.PurgeOlderThan(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = l.DeleteByIDs(ctx, []int64{failed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("MAILQ_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MAILQ_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := storage.Connect(ctx, dsn)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Migrate(ctx))
	_, err = st.Pool().Exec(ctx, `truncate mail_logs`)
	require.NoError(t, err)

	s := settings()
	l := New(NewPostgresStore(st.Pool()), zap.NewNop())
	e, _ := domain.NewLogEntry([]string{"a@example.com"}, "pg", domain.StatusSent, domain.ModeQueue, time.Now())
	id, err := l.Insert(ctx, s, e)
	require.NoError(t, err)

	require.NoError(t, l.Update(ctx, s, id, Change{Status: domain.StatusFailed, ProviderMessageID: Ptr("pm-9"), HTTPStatus: Ptr(422)}))
	require.NoError(t, l.Update(ctx, s, id, Change{Status: domain.StatusSent}))
	got, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 422, got.HTTPStatus)
	assert.Equal(t, []string{"a@example.com"}, got.Recipients)

	page, err := l.Query(ctx, Filter{Search: "pm-"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}
