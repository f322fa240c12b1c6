package deliverylog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SirClappington/mailq/internal/domain"
)

type PostgresStore struct{ db *pgxpool.Pool }

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore { return &PostgresStore{db} }

const logColumns = `id, created_at, updated_at, mail_to, subject, message, headers, attachments, status,
provider, provider_message_id, http_status, error_message, request_payload, response_body,
attempt_count, next_attempt_at, last_error_code, delivery_mode, webhook_event_type`

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanEntry(row pgx.Row) (*domain.LogEntry, error) {
	var e domain.LogEntry
	var httpStatus int16
	err := row.Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt, &e.Recipients, &e.Subject, &e.Message, &e.Headers,
		&e.Attachments, &e.Status, &e.Provider, &e.ProviderMessageID, &httpStatus, &e.ErrorMessage,
		&e.RequestPayload, &e.ResponseBody, &e.AttemptCount, &e.NextAttemptAt, &e.LastErrorCode,
		&e.DeliveryMode, &e.WebhookEventType)
	if err != nil {
		return nil, err
	}
	e.HTTPStatus = int(httpStatus)
	return &e, nil
}

func (p *PostgresStore) Insert(ctx context.Context, e *domain.LogEntry) (int64, error) {
	var id int64
	err := p.db.QueryRow(ctx, `insert into mail_logs(
created_at, updated_at, mail_to, subject, message, headers, attachments, status, provider,
provider_message_id, http_status, error_message, request_payload, response_body,
attempt_count, next_attempt_at, last_error_code, delivery_mode, webhook_event_type
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19) returning id`,
		e.CreatedAt, e.UpdatedAt, nonNil(e.Recipients), e.Subject, e.Message, nonNil(e.Headers),
		nonNil(e.Attachments), string(e.Status), e.Provider, e.ProviderMessageID, int16(e.HTTPStatus),
		e.ErrorMessage, e.RequestPayload, e.ResponseBody, e.AttemptCount, e.NextAttemptAt,
		e.LastErrorCode, string(e.DeliveryMode), e.WebhookEventType,
	).Scan(&id)
	return id, err
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*domain.LogEntry, error) {
	e, err := scanEntry(p.db.QueryRow(ctx, `select `+logColumns+` from mail_logs where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) LatestIDByProviderMessageID(ctx context.Context, providerMessageID string) (int64, error) {
	var id int64
	err := p.db.QueryRow(ctx,
		`select id from mail_logs where provider_message_id = $1 order by id desc limit 1`, providerMessageID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

type setBuilder struct {
	sets []string
	args []any
}

func (b *setBuilder) add(col string, v any) {
	b.args = append(b.args, v)
	b.sets = append(b.sets, fmt.Sprintf("%s = $%d", col, len(b.args)))
}

func (p *PostgresStore) Apply(ctx context.Context, id int64, expected domain.Status, ch Change, now time.Time) (bool, error) {
	b := &setBuilder{}
	b.add("updated_at", now)
	if ch.Status != "" {
		b.add("status", string(ch.Status))
	}
	if ch.HTTPStatus != nil {
		b.add("http_status", int16(*ch.HTTPStatus))
	}
	if ch.ProviderMessageID != nil {
		b.add("provider_message_id", *ch.ProviderMessageID)
	}
	if ch.ErrorMessage != nil {
		b.add("error_message", *ch.ErrorMessage)
	}
	if ch.LastErrorCode != nil {
		b.add("last_error_code", *ch.LastErrorCode)
	}
	if ch.AttemptCount != nil {
		b.add("attempt_count", *ch.AttemptCount)
	}
	if ch.ClearNextAttempt {
		b.sets = append(b.sets, "next_attempt_at = null")
	} else if ch.NextAttemptAt != nil {
		b.add("next_attempt_at", ch.NextAttemptAt.UTC())
	}
	if ch.DeliveryMode != "" {
		b.add("delivery_mode", string(ch.DeliveryMode))
	}
	if ch.WebhookEventType != nil {
		b.add("webhook_event_type", *ch.WebhookEventType)
	}
	if ch.RequestPayload != nil {
		b.add("request_payload", *ch.RequestPayload)
	}
	if ch.ResponseBody != nil {
		b.add("response_body", *ch.ResponseBody)
	}
	args := append(b.args, id, string(expected))
	sql := fmt.Sprintf(`update mail_logs set %s where id = $%d and status = $%d`,
		strings.Join(b.sets, ", "), len(args)-1, len(args))
	tag, err := p.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// where renders f as a SQL condition with positional arguments.
func where(f Filter) (string, []any) {
	conds := []string{"true"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		conds = append(conds, "status = any("+arg(ss)+")")
	}
	if len(f.IDs) > 0 {
		conds = append(conds, "id = any("+arg(f.IDs)+")")
	}
	if f.Search != "" {
		p := arg("%" + escapeLike(f.Search) + "%")
		conds = append(conds, fmt.Sprintf(
			"(subject ilike %[1]s or mail_to::text ilike %[1]s or error_message ilike %[1]s or provider_message_id ilike %[1]s or last_error_code ilike %[1]s)", p))
	}
	if !f.DateFrom.IsZero() {
		conds = append(conds, "created_at >= "+arg(f.DateFrom))
	}
	if !f.DateTo.IsZero() {
		conds = append(conds, "created_at < "+arg(f.DateTo))
	}
	if f.DeliveryMode != "" {
		conds = append(conds, "delivery_mode = "+arg(string(f.DeliveryMode)))
	}
	if f.ProviderMessageID != "" {
		conds = append(conds, "provider_message_id like "+arg("%"+escapeLike(f.ProviderMessageID)+"%"))
	}
	if f.HasPayload {
		conds = append(conds, "request_payload <> ''")
	}
	switch f.RetryState {
	case RetryRetrying:
		conds = append(conds, "status = 'retrying'")
	case RetryRetried:
		conds = append(conds, "attempt_count > 1")
	case RetryTerminal:
		conds = append(conds, "status in ('failed', 'dead_letter')")
	}
	return strings.Join(conds, " and "), args
}

func (p *PostgresStore) Query(ctx context.Context, f Filter) ([]domain.LogEntry, int64, error) {
	cond, args := where(f)
	var total int64
	if err := p.db.QueryRow(ctx, `select count(*) from mail_logs where `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}
	sql := `select ` + logColumns + ` from mail_logs where ` + cond + ` order by created_at desc, id desc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" limit $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sql += fmt.Sprintf(" offset $%d", len(args))
	}
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()
	var out []domain.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *e)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, f Filter) (int64, error) {
	cond, args := where(f)
	tag, err := p.db.Exec(ctx, `delete from mail_logs where `+cond, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) CountByStatus(ctx context.Context, from, to time.Time) (map[domain.Status]int64, error) {
	cond, args := where(Filter{DateFrom: from, DateTo: to})
	rows, err := p.db.Query(ctx, `select status, count(*) from mail_logs where `+cond+` group by status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[domain.Status]int64)
	for rows.Next() {
		var s string
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.Status(s)] = n
	}
	return out, rows.Err()
}

func (p *PostgresStore) ErrorBreakdown(ctx context.Context, since time.Time, statuses []domain.Status, limit int) ([]ErrorCount, error) {
	cond, args := where(Filter{DateFrom: since, Statuses: statuses})
	args = append(args, limit)
	rows, err := p.db.Query(ctx, fmt.Sprintf(`
    select last_error_code, count(*) as total from mail_logs
     where %s and last_error_code <> ''
     group by last_error_code order by total desc, last_error_code asc limit $%d`, cond, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ErrorCount
	for rows.Next() {
		var c ErrorCount
		if err := rows.Scan(&c.Code, &c.Total); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
