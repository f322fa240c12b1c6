package deliverylog

import (
	"context"
	"math"
	"time"

	"github.com/SirClappington/mailq/internal/domain"
)

type ErrorCount struct {
	Code  string `json:"code"`
	Total int64  `json:"total"`
}

type Stats struct {
	Total          int64                   `json:"total"`
	ByStatus       map[domain.Status]int64 `json:"by_status"`
	Last24h        int64                   `json:"last_24h"`
	Failures24h    int64                   `json:"failures_24h"`
	FailureRate24h float64                 `json:"failure_rate_24h"`
	FailureRatePrv float64                 `json:"failure_rate_prev_24h"`
	FailureTrend   float64                 `json:"failure_rate_trend"`
	RetryErrors    []ErrorCount            `json:"retry_error_breakdown"`
	LastSentAt     *time.Time              `json:"last_sent_at,omitempty"`
}

var breakdownStatuses = []domain.Status{domain.StatusRetrying, domain.StatusFailed, domain.StatusDeadLetter}

func sum(m map[domain.Status]int64) int64 {
	var n int64
	for _, v := range m {
		n += v
	}
	return n
}

// failureRate is the percentage of failed and dead-lettered entries, two decimals.
func failureRate(m map[domain.Status]int64) (int64, float64) {
	total := sum(m)
	failures := m[domain.StatusFailed] + m[domain.StatusDeadLetter]
	if total == 0 {
		return failures, 0
	}
	return failures, round2(float64(failures) / float64(total) * 100)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// RetryErrorBreakdown returns the most frequent error codes of retrying and
// failed entries created within window.
func (l *Log) RetryErrorBreakdown(ctx context.Context, window time.Duration, limit int) ([]ErrorCount, error) {
	if window < time.Minute {
		window = time.Minute
	}
	if limit < 1 {
		limit = 1
	}
	return l.store.ErrorBreakdown(ctx, l.Now().UTC().Add(-window), breakdownStatuses, limit)
}

func (l *Log) Stats(ctx context.Context) (Stats, error) {
	now := l.Now().UTC()
	all, err := l.store.CountByStatus(ctx, time.Time{}, time.Time{})
	if err != nil {
		return Stats{}, err
	}
	day, err := l.store.CountByStatus(ctx, now.Add(-24*time.Hour), time.Time{})
	if err != nil {
		return Stats{}, err
	}
	prev, err := l.store.CountByStatus(ctx, now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	if err != nil {
		return Stats{}, err
	}
	breakdown, err := l.RetryErrorBreakdown(ctx, 24*time.Hour, 5)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{Total: sum(all), ByStatus: all, Last24h: sum(day), RetryErrors: breakdown}
	st.Failures24h, st.FailureRate24h = failureRate(day)
	_, st.FailureRatePrv = failureRate(prev)
	st.FailureTrend = round2(st.FailureRate24h - st.FailureRatePrv)

	sent, _, err := l.store.Query(ctx, Filter{Statuses: []domain.Status{domain.StatusSent}, Limit: 1})
	if err != nil {
		return Stats{}, err
	}
	if len(sent) > 0 {
		t := sent[0].CreatedAt
		st.LastSentAt = &t
	}
	return st, nil
}
