// Package queue stores pending delivery attempts and hands each due job to
// exactly one worker through a conditional claim.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/SirClappington/mailq/internal/domain"
)

// DefaultStaleAfter is how long a job may stay processing before the claim
// sweep assumes its worker died and makes it claimable again.
const DefaultStaleAfter = 300 * time.Second

var ErrNotFound = errors.New("queue job not found")

type Repository interface {
	Enqueue(ctx context.Context, payload json.RawMessage, logID int64, firstAttemptAt time.Time) (int64, error)
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]domain.Job, error)
	Release(ctx context.Context, jobID int64, attemptCount int, nextAttemptAt time.Time, lastErrorCode string) error
	Fail(ctx context.Context, jobID int64) error
	Succeed(ctx context.Context, jobID int64) error
	Get(ctx context.Context, jobID int64) (*domain.Job, error)

	CountBacklog(ctx context.Context) (int64, error)
	OldestCreated(ctx context.Context) (time.Time, bool, error)
	NextDue(ctx context.Context) (time.Time, bool, error)
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// releaseDue keeps a released job at least a second in the future.
func releaseDue(next, now time.Time) time.Time {
	if floor := now.Add(time.Second); next.Before(floor) {
		return floor.UTC()
	}
	return next.UTC()
}
