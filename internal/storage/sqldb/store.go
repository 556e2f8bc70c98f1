// Package sqldb keeps rate-limit counters in a SQL database so that several
// gateway replicas share one view of each window.
package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/hospital-gateway/internal/ratelimit"
	"github.com/tjfontaine/hospital-gateway/internal/storage/dialect"
)

// Store is a SQL implementation of ratelimit.Store and ratelimit.Sweeper.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect

	incrQuery  string
	sweepQuery string
}

var (
	_ ratelimit.Store   = (*Store)(nil)
	_ ratelimit.Sweeper = (*Store)(nil)
)

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite, postgres
	DSN    string
}

// New opens the database and creates the counter table.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := NewWithDB(db, d)
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite opens an SQLite store at dsn.
func NewSQLite(dsn string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dsn})
}

// NewWithDB wraps an already-open database. The schema is not created.
func NewWithDB(db *sqlx.DB, d dialect.Dialect) *Store {
	// The whole check-then-increment is one statement, so concurrent
	// replicas never lose an increment.
	incr := d.Rebind(`INSERT INTO rate_limits (bucket, hits, reset_at) VALUES (?, 1, ?)
ON CONFLICT (bucket) DO UPDATE SET
	hits = CASE WHEN rate_limits.reset_at < ? THEN 1 ELSE rate_limits.hits + 1 END,
	reset_at = CASE WHEN rate_limits.reset_at < ? THEN excluded.reset_at ELSE rate_limits.reset_at END
RETURNING hits, reset_at`)

	return &Store{
		db:         db,
		dialect:    d,
		incrQuery:  incr,
		sweepQuery: d.Rebind(`DELETE FROM rate_limits WHERE reset_at < ?`),
	}
}

// DB returns the underlying sqlx.DB.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) initSchema() error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rate_limits (
bucket %s PRIMARY KEY,
hits %s NOT NULL,
reset_at %s NOT NULL
)`, s.dialect.TextType(), s.dialect.BigIntType(), s.dialect.BigIntType()),
		`CREATE INDEX IF NOT EXISTS idx_rate_limits_reset ON rate_limits(reset_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type counterRow struct {
	Hits    int   `db:"hits"`
	ResetAt int64 `db:"reset_at"`
}

// Incr implements ratelimit.Store. Times are stored as unix milliseconds.
func (s *Store) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (ratelimit.Record, error) {
	nowMs := now.UnixMilli()
	var row counterRow
	if err := s.db.GetContext(ctx, &row, s.incrQuery, key, now.Add(window).UnixMilli(), nowMs, nowMs); err != nil {
		return ratelimit.Record{}, fmt.Errorf("increment %s: %w", key, err)
	}
	return ratelimit.Record{
		Key:     key,
		Count:   row.Hits,
		ResetAt: time.UnixMilli(row.ResetAt),
	}, nil
}

// Sweep implements ratelimit.Sweeper.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.sweepQuery, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return int(n), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
