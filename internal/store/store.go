// Package store provides the durable queue storage and the job repository.
// The same repository code runs on two dialects: a SQLite file (the default,
// single host) and PostgreSQL (shared by workers on many hosts). Queries are
// built with squirrel so only placeholders and row locking differ.
//
// Every mutating operation re-validates the row state inside the transaction
// that performs the write. Mutual exclusion between workers comes from these
// conditional updates, never from in-process locks.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver
)

// Dialect identifies the SQL backend behind a Store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const defaultBusyTimeout = 5 * time.Second

// Store is the central data access object for jobs, dead letters, worker
// registrations and queue configuration.
type Store struct {
	db      *sql.DB
	pool    *pgxpool.Pool // nil for SQLite
	dialect Dialect
	sb      sq.StatementBuilderType
	now     func() time.Time
	// dbClock makes worker liveness timestamps come from the database
	// server instead of this process.
	dbClock bool
}

type options struct {
	maxConns    int32
	busyTimeout time.Duration
	migrate     bool
	now         func() time.Time
	customClock bool
	dbClock     *bool
}

// Option configures Open.
type Option func(*options)

// WithMaxConns caps the PostgreSQL pool size. Ignored for SQLite.
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// WithBusyTimeout sets how long SQLite waits on a locked database before
// returning SQLITE_BUSY. Ignored for PostgreSQL.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithMigrate controls whether Open applies pending migrations.
func WithMigrate(enabled bool) Option {
	return func(o *options) { o.migrate = enabled }
}

// WithClock replaces the wall clock used for every timestamp the store writes
// and for eligibility checks. Tests use it to step through backoff delays.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
		o.customClock = true
	}
}

// WithDatabaseClock controls whether worker heartbeats and the reclaim
// cutoff use the PostgreSQL server clock. It defaults to on for PostgreSQL
// unless WithClock is given. Ignored for SQLite, which is single host.
func WithDatabaseClock(enabled bool) Option {
	return func(o *options) { o.dbClock = &enabled }
}

// Open connects to the store at location. Locations starting with
// postgres:// or postgresql:// open PostgreSQL; anything else is treated as a
// SQLite database file path, created on demand.
func Open(ctx context.Context, location string, opts ...Option) (*Store, error) {
	o := options{
		maxConns:    10,
		busyTimeout: defaultBusyTimeout,
		migrate:     true,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.migrate {
		if err := Migrate(ctx, location); err != nil {
			return nil, err
		}
	}

	if IsPostgresURL(location) {
		return openPostgres(ctx, location, o)
	}
	return openSQLite(ctx, location, o)
}

// IsPostgresURL reports whether location names a PostgreSQL database.
func IsPostgresURL(location string) bool {
	return strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://")
}

func openPostgres(ctx context.Context, url string, o options) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if o.maxConns > 0 {
		poolCfg.MaxConns = o.maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgres(pool)
	s.now = o.now
	s.dbClock = !o.customClock
	if o.dbClock != nil {
		s.dbClock = *o.dbClock
	}
	return s, nil
}

func openSQLite(ctx context.Context, path string, o options) (*Store, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path, o.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := NewSQLite(db)
	s.now = o.now
	return s, nil
}

// sqliteDSN builds the go-sqlite3 DSN for path. WAL lets readers proceed
// during a claim; _txlock=immediate makes every transaction take the write
// lock up front so two claims can never interleave their read and write.
func sqliteDSN(path string, busyTimeout time.Duration) string {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		_ = os.MkdirAll(dir, 0o755) //nolint:errcheck // sql.Open reports the real failure
	}
	return fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
		path, busyTimeout.Milliseconds())
}

// NewPostgres creates a Store backed by pool. The pool is wrapped with the
// pgx stdlib adapter so the repository code is shared with SQLite.
func NewPostgres(pool *pgxpool.Pool) *Store {
	return &Store{
		db:      stdlib.OpenDBFromPool(pool),
		pool:    pool,
		dialect: DialectPostgres,
		sb:      sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		now:     time.Now,
		dbClock: true,
	}
}

// NewSQLite creates a Store backed by an already opened go-sqlite3 handle.
// The handle should be opened with _txlock=immediate (see Open).
func NewSQLite(db *sql.DB) *Store {
	return &Store{
		db:      db,
		dialect: DialectSQLite,
		sb:      sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now:     time.Now,
	}
}

// Dialect reports which backend the store talks to.
func (s *Store) Dialect() Dialect { return s.dialect }

// DB returns the database/sql handle. Tests use it for raw assertions.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle and, for PostgreSQL, the pool.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// clock returns the current time in UTC truncated to microseconds, the
// coarsest resolution both dialects round-trip exactly.
func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// withTx runs fn inside a database/sql transaction. The transaction is
// committed if fn returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// forUpdate appends a row lock to a SELECT on dialects that support it.
// SQLite needs none: the immediate transaction already holds the write lock.
func (s *Store) forUpdate(b sq.SelectBuilder, skipLocked bool) sq.SelectBuilder {
	if s.dialect != DialectPostgres {
		return b
	}
	if skipLocked {
		return b.Suffix("FOR UPDATE SKIP LOCKED")
	}
	return b.Suffix("FOR UPDATE")
}
