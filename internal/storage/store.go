package storage

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SchemaVersion is the goose version the code expects to find applied.
const SchemaVersion int64 = 3

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("invalid POSTGRES_DSN")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

func (s *Store) Pool() *pgxpool.Pool { return s.db }

func (s *Store) Close() { s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// Migrate applies all embedded migrations.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.db)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// CurrentVersion returns the applied schema version, 0 when nothing is applied.
func (s *Store) CurrentVersion(ctx context.Context) (int64, error) {
	db := stdlib.OpenDBFromPool(s.db)
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, db)
}

// Leader holds a session advisory lock on a dedicated connection so only one
// scheduler process runs the background jobs.
type Leader struct {
	db   *pgxpool.Pool
	key  int64
	conn *pgxpool.Conn
}

func (s *Store) Leader(key int64) *Leader { return &Leader{db: s.db, key: key} }

// TryLead takes the lock, or reports true while it is already held.
func (l *Leader) TryLead(ctx context.Context) (bool, error) {
	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		l.conn.Release()
		l.conn = nil
	}
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, err
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release drops the lock with its connection.
func (l *Leader) Release() {
	if l.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = l.conn.Exec(ctx, "select pg_advisory_unlock($1)", l.key)
	l.conn.Release()
	l.conn = nil
}

// RunLock is a per-run advisory lock. Unlike Leader it is held only for the
// length of one run and shared by every process using the database.
type RunLock struct {
	db  *pgxpool.Pool
	key int64
}

func (s *Store) RunLock(key int64) *RunLock { return &RunLock{db: s.db, key: key} }

// Acquire takes the lock on a dedicated connection. The returned func
// unlocks it and returns the connection to the pool.
func (l *RunLock) Acquire(ctx context.Context) (func(), bool, error) {
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire run lock connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try run lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, "select pg_advisory_unlock($1)", l.key); err != nil {
			// a session lock dies with its connection
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, true, nil
}
