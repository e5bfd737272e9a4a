// Package postgres stores cached captures in a Postgres table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "capture_cache"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for cache rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store reads and upserts cache rows keyed by fingerprint.
type Store struct {
	pool  pool
	table string
	clock capture.Clock
}

var _ capture.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, clock capture.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("cache.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, table, clock)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, clock capture.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, table: table, clock: clock}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the cache table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	fingerprint  TEXT PRIMARY KEY,
	data         BYTEA NOT NULL,
	content_type TEXT NOT NULL,
	region       TEXT NOT NULL DEFAULT '',
	stored_at    TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create cache table: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Get returns the row for key when it has not expired.
func (s *Store) Get(ctx context.Context, key string) (capture.Entry, bool, error) {
	if key == "" {
		return capture.Entry{}, false, fmt.Errorf("key is required")
	}
	query := fmt.Sprintf(`
SELECT data, content_type, region, stored_at, expires_at
FROM %s
WHERE fingerprint = $1 AND expires_at > $2`, s.table)

	var entry capture.Entry
	err := s.pool.QueryRow(ctx, query, key, s.clock.Now()).Scan(
		&entry.Data,
		&entry.ContentType,
		&entry.Region,
		&entry.StoredAt,
		&entry.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return capture.Entry{}, false, nil
	}
	if err != nil {
		return capture.Entry{}, false, fmt.Errorf("select cache row: %w", err)
	}
	return entry, true, nil
}

// Put upserts the row for key. Concurrent writers resolve to the last one.
func (s *Store) Put(ctx context.Context, key string, entry capture.Entry) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	fingerprint,
	data,
	content_type,
	region,
	stored_at,
	expires_at
) VALUES (
	$1,$2,$3,$4,$5,$6
)
ON CONFLICT (fingerprint) DO UPDATE SET
	data = EXCLUDED.data,
	content_type = EXCLUDED.content_type,
	region = EXCLUDED.region,
	stored_at = EXCLUDED.stored_at,
	expires_at = EXCLUDED.expires_at`, s.table)

	args := []any{
		key,
		entry.Data,
		entry.ContentType,
		entry.Region,
		entry.StoredAt,
		entry.ExpiresAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert cache row: %w", err)
	}
	return nil
}

// DeleteExpired removes rows that expired before now.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("delete expired rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
