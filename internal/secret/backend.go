package secret

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct{ db *pgxpool.Pool }

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{db} }

func (p *Postgres) Load(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := p.db.QueryRow(ctx, `select value from mail_secrets where name = $1`, name).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (p *Postgres) Save(ctx context.Context, name, value string) error {
	_, err := p.db.Exec(ctx, `insert into mail_secrets(name, value, updated_at) values ($1, $2, now())
on conflict (name) do update set value = excluded.value, updated_at = now()`, name, value)
	return err
}

func (p *Postgres) Delete(ctx context.Context, name string) error {
	_, err := p.db.Exec(ctx, `delete from mail_secrets where name = $1`, name)
	return err
}

type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory { return &Memory{values: make(map[string]string)} }

func (m *Memory) Load(_ context.Context, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	return v, ok, nil
}

func (m *Memory) Save(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, name)
	return nil
}
