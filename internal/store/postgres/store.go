package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/javierd009/agente-portero/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// DB is the database interface all queries run against. *pgxpool.Pool,
// *pgx.Conn and pgx.Tx all satisfy it, which is what lets a transaction-scoped
// Store reuse every query method unchanged.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL-backed [store.Store]. Obtain one via [New].
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	db   DB

	// inTx is true on transaction-scoped copies handed to Atomically
	// callbacks. Row locks (FOR UPDATE) are only taken in that mode.
	inTx bool
}

// New connects to the PostgreSQL database at dsn, verifies the connection and
// runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return &Store{pool: pool, db: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [store.Store.Ping].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Atomically implements [store.Store.Atomically]. A nested call inside an
// already transactional fn joins the outer transaction.
func (s *Store) Atomically(ctx context.Context, fn func(store.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	txStore := &Store{pool: s.pool, db: tx, inTx: true}
	if err := fn(txStore); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// marshalPoints serialises an access-point list as JSONB, never null.
func marshalPoints(points []store.AccessPoint) ([]byte, error) {
	if points == nil {
		points = []store.AccessPoint{}
	}
	data, err := json.Marshal(points)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal access points: %w", err)
	}
	return data, nil
}

// unmarshalPoints deserialises a JSONB access-point list.
func unmarshalPoints(data []byte) ([]store.AccessPoint, error) {
	var points []store.AccessPoint
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal access points: %w", err)
	}
	return points, nil
}

// marshalExtra serialises a free-form map as JSONB, never null.
func marshalExtra(extra map[string]any) ([]byte, error) {
	if extra == nil {
		extra = map[string]any{}
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal extra: %w", err)
	}
	return data, nil
}

// nullableTime maps the zero time onto SQL NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// timeOrZero maps SQL NULL onto the zero time.
func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
