// ABOUTME: Test helper that starts a Postgres testcontainer with all migrations applied.
// ABOUTME: Use NewPostgresStore(t) in integration tests that need a shared-host store.
package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/scarson/queuectl/internal/store"
)

// pgContainer is shared by every test in a package run. Each test gets its
// own database inside it so tests stay independent and parallel.
var (
	pgOnce   sync.Once
	pgConn   string
	pgErr    error
	pgDBSeq  int
	pgDBSeqM sync.Mutex
)

func startPostgres() (string, error) {
	pgOnce.Do(func() {
		// Docker host discovery panics on some hosts without a runtime.
		defer func() {
			if r := recover(); r != nil {
				pgErr = fmt.Errorf("start postgres container: %v", r)
			}
		}()
		ctx := context.Background()
		ctr, err := tcpostgres.Run(ctx,
			"postgres:17-alpine",
			tcpostgres.WithDatabase("queuectl_test"),
			tcpostgres.WithUsername("queuectl_test"),
			tcpostgres.WithPassword("testpassword"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			pgErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		// The container is left for the testcontainers reaper to remove when
		// the test binary exits.
		pgConn, pgErr = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	return pgConn, pgErr
}

// NewPostgresStore returns a migrated store on a fresh database in a shared
// Postgres testcontainer. The test is skipped when QUEUECTL_SKIP_POSTGRES is
// set, in -short mode, or when no container runtime is available.
func NewPostgresStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	return OpenPostgresStore(t, NewPostgresURL(t), opts...)
}

// NewPostgresURL creates a fresh database in the shared container and
// returns its URL. Tests that need several stores on one database (one per
// simulated host) open it with OpenPostgresStore.
func NewPostgresURL(t *testing.T) string {
	t.Helper()
	if testing.Short() || os.Getenv("QUEUECTL_SKIP_POSTGRES") != "" {
		t.Skip("postgres tests disabled")
	}
	connStr, err := startPostgres()
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	ctx := context.Background()

	pgDBSeqM.Lock()
	pgDBSeq++
	dbName := fmt.Sprintf("queuectl_t%d", pgDBSeq)
	pgDBSeqM.Unlock()

	admin, err := pgx.Connect(ctx, connStr)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if _, err := admin.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		_ = admin.Close(ctx)
		t.Fatalf("create database %s: %v", dbName, err)
	}
	_ = admin.Close(ctx)

	cfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse connection string: %v", err)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, dbName)
}

// OpenPostgresStore opens (and migrates) a store at url, closed via t.Cleanup.
func OpenPostgresStore(t *testing.T, url string, opts ...store.Option) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), url, opts...)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Logf("close postgres store: %v", err)
		}
	})
	return st
}

// Backend names a store constructor for table-driven tests.
type Backend struct {
	Name string
	Open func(t *testing.T, opts ...store.Option) *store.Store
}

// Backends lists every store backend. PostgreSQL subtests skip themselves
// when Docker is unavailable.
func Backends() []Backend {
	return []Backend{
		{Name: "sqlite", Open: NewSQLiteStore},
		{Name: "postgres", Open: NewPostgresStore},
	}
}
