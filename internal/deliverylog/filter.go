package deliverylog

import (
	"strings"
	"time"

	"github.com/SirClappington/mailq/internal/domain"
)

type RetryState string

const (
	RetryAny      RetryState = ""
	RetryRetrying RetryState = "retrying"
	RetryRetried  RetryState = "retried"
	RetryTerminal RetryState = "terminal"
)

func ParseRetryState(s string) RetryState {
	switch RetryState(s) {
	case RetryRetrying, RetryRetried, RetryTerminal:
		return RetryState(s)
	}
	return RetryAny
}

// Filter selects log entries. Zero values match everything.
type Filter struct {
	Statuses          []domain.Status
	Search            string
	DateFrom          time.Time // inclusive
	DateTo            time.Time // exclusive
	DeliveryMode      domain.DeliveryMode
	RetryState        RetryState
	ProviderMessageID string
	IDs               []int64
	HasPayload        bool

	Limit  int
	Offset int
}

// ParseDay parses YYYY-MM-DD as a UTC day start.
func ParseDay(s string) (time.Time, bool) {
	t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseStatuses keeps the known statuses of a comma separated list; "all"
// or an empty string selects everything.
func ParseStatuses(s string) []domain.Status {
	var out []domain.Status
	for _, part := range strings.Split(s, ",") {
		st := domain.Status(strings.TrimSpace(part))
		if st.Valid() {
			out = append(out, st)
		}
	}
	return out
}

var terminalRetryStatuses = []domain.Status{domain.StatusFailed, domain.StatusDeadLetter}

func containsStatus(list []domain.Status, s domain.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsID(list []int64, id int64) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// Match applies f to one entry. The Postgres store expresses the same rules in SQL.
func (f Filter) Match(e *domain.LogEntry) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, e.Status) {
		return false
	}
	if len(f.IDs) > 0 && !containsID(f.IDs, e.ID) {
		return false
	}
	if q := strings.ToLower(f.Search); q != "" {
		hay := strings.ToLower(strings.Join([]string{
			e.Subject, strings.Join(e.Recipients, ","), e.ErrorMessage, e.ProviderMessageID, e.LastErrorCode,
		}, "\x00"))
		if !strings.Contains(hay, q) {
			return false
		}
	}
	if !f.DateFrom.IsZero() && e.CreatedAt.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && !e.CreatedAt.Before(f.DateTo) {
		return false
	}
	if f.DeliveryMode != "" && e.DeliveryMode != f.DeliveryMode {
		return false
	}
	if f.ProviderMessageID != "" && !strings.Contains(e.ProviderMessageID, f.ProviderMessageID) {
		return false
	}
	if f.HasPayload && e.RequestPayload == "" {
		return false
	}
	switch f.RetryState {
	case RetryRetrying:
		return e.Status == domain.StatusRetrying
	case RetryRetried:
		return e.Retried()
	case RetryTerminal:
		return containsStatus(terminalRetryStatuses, e.Status)
	}
	return true
}
