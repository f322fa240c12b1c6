package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SirClappington/mailq/internal/domain"
)

type Postgres struct {
	db         *pgxpool.Pool
	StaleAfter time.Duration
	Now        func() time.Time
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db, StaleAfter: DefaultStaleAfter, Now: time.Now}
}

func (q *Postgres) Enqueue(ctx context.Context, payload json.RawMessage, logID int64, firstAttemptAt time.Time) (int64, error) {
	j, err := domain.NewJob(payload, logID, firstAttemptAt, q.Now())
	if err != nil {
		return 0, err
	}
	var id int64
	err = q.db.QueryRow(ctx, `insert into mail_queue(
log_id, status, payload, attempt_count, next_attempt_at, created_at, updated_at
) values ($1,$2,$3,0,$4,$5,$5) returning id`,
		j.LogID, string(j.Status), []byte(j.Payload), j.NextAttemptAt, j.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// resetStale makes jobs abandoned in processing claimable again.
func (q *Postgres) resetStale(ctx context.Context, now time.Time) error {
	_, err := q.db.Exec(ctx, `
    update mail_queue
       set status = 'retrying', next_attempt_at = $1, lock_token = '', locked_at = null, updated_at = $1
     where status = 'processing' and locked_at is not null and locked_at < $2`,
		now, now.Add(-q.StaleAfter))
	return err
}

func (q *Postgres) ClaimDue(ctx context.Context, limit int, now time.Time) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()
	if err := q.resetStale(ctx, now); err != nil {
		return nil, fmt.Errorf("reset stale jobs: %w", err)
	}

	rows, err := q.db.Query(ctx, `
    select id, status from mail_queue
     where status in ('queued', 'retrying') and next_attempt_at <= $1
     order by next_attempt_at asc, id asc limit $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	type candidate struct {
		id     int64
		status string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.status); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Job, 0, len(candidates))
	for _, c := range candidates {
		token := uuid.NewString()
		j := domain.Job{Status: domain.JobProcessing, LockToken: token}
		var payload []byte
		err := q.db.QueryRow(ctx, `
    update mail_queue
       set status = 'processing', lock_token = $1, locked_at = $2, updated_at = $2
     where id = $3 and status = $4
 returning id, log_id, payload, attempt_count, next_attempt_at, last_error_code, locked_at, created_at, updated_at`,
			token, now, c.id, c.status,
		).Scan(&j.ID, &j.LogID, &payload, &j.AttemptCount, &j.NextAttemptAt, &j.LastErrorCode, &j.LockedAt, &j.CreatedAt, &j.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			// claimed by another worker between select and update
			continue
		}
		if err != nil {
			return out, fmt.Errorf("claim job %d: %w", c.id, err)
		}
		j.Payload = json.RawMessage(payload)
		out = append(out, j)
	}
	return out, nil
}

func (q *Postgres) Release(ctx context.Context, jobID int64, attemptCount int, nextAttemptAt time.Time, lastErrorCode string) error {
	now := q.Now().UTC()
	_, err := q.db.Exec(ctx, `
    update mail_queue
       set status = 'retrying', attempt_count = $1, next_attempt_at = $2, last_error_code = $3,
           lock_token = '', locked_at = null, updated_at = $4
     where id = $5`,
		attemptCount, releaseDue(nextAttemptAt, now), lastErrorCode, now, jobID)
	return err
}

func (q *Postgres) delete(ctx context.Context, jobID int64) error {
	_, err := q.db.Exec(ctx, `delete from mail_queue where id = $1`, jobID)
	return err
}

func (q *Postgres) Fail(ctx context.Context, jobID int64) error { return q.delete(ctx, jobID) }

func (q *Postgres) Succeed(ctx context.Context, jobID int64) error { return q.delete(ctx, jobID) }

func (q *Postgres) Get(ctx context.Context, jobID int64) (*domain.Job, error) {
	var j domain.Job
	var payload []byte
	err := q.db.QueryRow(ctx, `
    select id, log_id, status, payload, attempt_count, next_attempt_at, last_error_code,
           lock_token, locked_at, created_at, updated_at
      from mail_queue where id = $1`, jobID,
	).Scan(&j.ID, &j.LogID, &j.Status, &payload, &j.AttemptCount, &j.NextAttemptAt, &j.LastErrorCode,
		&j.LockToken, &j.LockedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	return &j, nil
}

func (q *Postgres) CountBacklog(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `select count(*) from mail_queue`).Scan(&n)
	return n, err
}

func (q *Postgres) OldestCreated(ctx context.Context) (time.Time, bool, error) {
	var t *time.Time
	if err := q.db.QueryRow(ctx, `select min(created_at) from mail_queue`).Scan(&t); err != nil {
		return time.Time{}, false, err
	}
	if t == nil {
		return time.Time{}, false, nil
	}
	return t.UTC(), true, nil
}

func (q *Postgres) NextDue(ctx context.Context) (time.Time, bool, error) {
	var t *time.Time
	err := q.db.QueryRow(ctx,
		`select min(next_attempt_at) from mail_queue where status in ('queued', 'retrying')`).Scan(&t)
	if err != nil {
		return time.Time{}, false, err
	}
	if t == nil {
		return time.Time{}, false, nil
	}
	return t.UTC(), true, nil
}

func (q *Postgres) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		olderThan = 0
	}
	tag, err := q.db.Exec(ctx, `delete from mail_queue where created_at < $1`, q.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
