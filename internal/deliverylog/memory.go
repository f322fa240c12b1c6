package deliverylog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SirClappington/mailq/internal/domain"
)

// MemoryStore keeps entries in process for the memory storage driver and tests.
type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	entries map[int64]*domain.LogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[int64]*domain.LogEntry)}
}

func clone(e *domain.LogEntry) domain.LogEntry {
	cp := *e
	cp.Recipients = append([]string(nil), e.Recipients...)
	cp.Headers = append([]string(nil), e.Headers...)
	cp.Attachments = append([]string(nil), e.Attachments...)
	if e.NextAttemptAt != nil {
		t := *e.NextAttemptAt
		cp.NextAttemptAt = &t
	}
	return cp
}

func (m *MemoryStore) Insert(_ context.Context, e *domain.LogEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	cp := clone(e)
	cp.ID = m.seq
	m.entries[cp.ID] = &cp
	return cp.ID, nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*domain.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := clone(e)
	return &cp, nil
}

func (m *MemoryStore) LatestIDByProviderMessageID(_ context.Context, providerMessageID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var id int64
	for _, e := range m.entries {
		if e.ProviderMessageID == providerMessageID && e.ID > id {
			id = e.ID
		}
	}
	if id == 0 {
		return 0, ErrNotFound
	}
	return id, nil
}

func applyChange(e *domain.LogEntry, ch Change, now time.Time) {
	e.UpdatedAt = now
	if ch.Status != "" {
		e.Status = ch.Status
	}
	if ch.HTTPStatus != nil {
		e.HTTPStatus = *ch.HTTPStatus
	}
	if ch.ProviderMessageID != nil {
		e.ProviderMessageID = *ch.ProviderMessageID
	}
	if ch.ErrorMessage != nil {
		e.ErrorMessage = *ch.ErrorMessage
	}
	if ch.LastErrorCode != nil {
		e.LastErrorCode = *ch.LastErrorCode
	}
	if ch.AttemptCount != nil {
		e.AttemptCount = *ch.AttemptCount
	}
	if ch.ClearNextAttempt {
		e.NextAttemptAt = nil
	} else if ch.NextAttemptAt != nil {
		t := ch.NextAttemptAt.UTC()
		e.NextAttemptAt = &t
	}
	if ch.DeliveryMode != "" {
		e.DeliveryMode = ch.DeliveryMode
	}
	if ch.WebhookEventType != nil {
		e.WebhookEventType = *ch.WebhookEventType
	}
	if ch.RequestPayload != nil {
		e.RequestPayload = *ch.RequestPayload
	}
	if ch.ResponseBody != nil {
		e.ResponseBody = *ch.ResponseBody
	}
}

func (m *MemoryStore) Apply(_ context.Context, id int64, expected domain.Status, ch Change, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != expected {
		return false, nil
	}
	applyChange(e, ch, now)
	return true, nil
}

// matching returns entries matching f, newest first. Callers hold mu.
func (m *MemoryStore) matching(f Filter) []*domain.LogEntry {
	var out []*domain.LogEntry
	for _, e := range m.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})
	return out
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]domain.LogEntry, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.matching(f)
	total := int64(len(all))
	if f.Offset > 0 {
		if f.Offset >= len(all) {
			all = nil
		} else {
			all = all[f.Offset:]
		}
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	out := make([]domain.LogEntry, 0, len(all))
	for _, e := range all {
		out = append(out, clone(e))
	}
	return out, total, nil
}

func (m *MemoryStore) Delete(_ context.Context, f Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.matching(f) {
		delete(m.entries, e.ID)
		n++
	}
	return n, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context, from, to time.Time) (map[domain.Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.Status]int64)
	for _, e := range m.matching(Filter{DateFrom: from, DateTo: to}) {
		out[e.Status]++
	}
	return out, nil
}

func (m *MemoryStore) ErrorBreakdown(_ context.Context, since time.Time, statuses []domain.Status, limit int) ([]ErrorCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64)
	for _, e := range m.matching(Filter{DateFrom: since, Statuses: statuses}) {
		if e.LastErrorCode != "" {
			counts[e.LastErrorCode]++
		}
	}
	out := make([]ErrorCount, 0, len(counts))
	for code, n := range counts {
		out = append(out, ErrorCount{Code: code, Total: n})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Total != out[b].Total {
			return out[a].Total > out[b].Total
		}
		return out[a].Code < out[b].Code
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
