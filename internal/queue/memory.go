package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/mailq/internal/domain"
)

// Memory is an in-process Repository with the same claim semantics as
// Postgres. It backs the memory storage driver and tests.
type Memory struct {
	mu         sync.Mutex
	seq        int64
	jobs       map[int64]*domain.Job
	StaleAfter time.Duration
	Now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[int64]*domain.Job), StaleAfter: DefaultStaleAfter, Now: time.Now}
}

func (q *Memory) Enqueue(_ context.Context, payload json.RawMessage, logID int64, firstAttemptAt time.Time) (int64, error) {
	j, err := domain.NewJob(payload, logID, firstAttemptAt, q.Now())
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	j.ID = q.seq
	q.jobs[j.ID] = j
	return j.ID, nil
}

func (q *Memory) due(now time.Time, limit int) []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.Status == domain.JobProcessing && j.LockedAt != nil && j.LockedAt.Before(now.Add(-q.StaleAfter)) {
			j.Status = domain.JobRetrying
			j.NextAttemptAt = now
			j.LockToken = ""
			j.LockedAt = nil
			j.UpdatedAt = now
		}
	}
	var out []domain.Job
	for _, j := range q.jobs {
		if j.Status.Claimable() && !j.NextAttemptAt.After(now) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].NextAttemptAt.Equal(out[b].NextAttemptAt) {
			return out[a].NextAttemptAt.Before(out[b].NextAttemptAt)
		}
		return out[a].ID < out[b].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// claim is the conditional update: it succeeds only while the job still
// has the status the caller observed.
func (q *Memory) claim(id int64, expected domain.JobStatus, now time.Time) (domain.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.Status != expected {
		return domain.Job{}, false
	}
	locked := now
	j.Status = domain.JobProcessing
	j.LockToken = uuid.NewString()
	j.LockedAt = &locked
	j.UpdatedAt = now
	return *j, true
}

func (q *Memory) ClaimDue(_ context.Context, limit int, now time.Time) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()
	var out []domain.Job
	for _, c := range q.due(now, limit) {
		if j, ok := q.claim(c.ID, c.Status, now); ok {
			out = append(out, j)
		}
	}
	return out, nil
}

func (q *Memory) Release(_ context.Context, jobID int64, attemptCount int, nextAttemptAt time.Time, lastErrorCode string) error {
	now := q.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil
	}
	j.Status = domain.JobRetrying
	j.AttemptCount = attemptCount
	j.NextAttemptAt = releaseDue(nextAttemptAt, now)
	j.LastErrorCode = lastErrorCode
	j.LockToken = ""
	j.LockedAt = nil
	j.UpdatedAt = now
	return nil
}

func (q *Memory) remove(jobID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, jobID)
	return nil
}

func (q *Memory) Fail(_ context.Context, jobID int64) error { return q.remove(jobID) }

func (q *Memory) Succeed(_ context.Context, jobID int64) error { return q.remove(jobID) }

func (q *Memory) Get(_ context.Context, jobID int64) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (q *Memory) CountBacklog(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

func (q *Memory) OldestCreated(context.Context) (time.Time, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var oldest time.Time
	for _, j := range q.jobs {
		if oldest.IsZero() || j.CreatedAt.Before(oldest) {
			oldest = j.CreatedAt
		}
	}
	return oldest, !oldest.IsZero(), nil
}

func (q *Memory) NextDue(context.Context) (time.Time, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	for _, j := range q.jobs {
		if !j.Status.Claimable() {
			continue
		}
		if next.IsZero() || j.NextAttemptAt.Before(next) {
			next = j.NextAttemptAt
		}
	}
	return next, !next.IsZero(), nil
}

func (q *Memory) Purge(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := q.Now().UTC().Add(-olderThan)
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for id, j := range q.jobs {
		if j.CreatedAt.Before(cutoff) {
			delete(q.jobs, id)
			n++
		}
	}
	return n, nil
}
