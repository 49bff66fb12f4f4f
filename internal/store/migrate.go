package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/scarson/queuectl/migrations"
)

// Migrate applies all pending migrations for the store at location. It uses
// a dedicated connection that is closed before returning, so it is safe to
// call before Open (Open does so unless WithMigrate(false) is given).
func Migrate(ctx context.Context, location string) error {
	m, err := newMigrator(location)
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck

	done := make(chan error, 1)
	go func() { done <- m.Up() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
		return nil
	case <-ctx.Done():
		m.GracefulStop <- true
		<-done
		return ctx.Err()
	}
}

// SchemaVersion returns the applied migration version and whether the last
// migration left the schema dirty.
func SchemaVersion(location string) (uint, bool, error) {
	m, err := newMigrator(location)
	if err != nil {
		return 0, false, err
	}
	defer m.Close() //nolint:errcheck

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migration version: %w", err)
	}
	return version, dirty, nil
}

func newMigrator(location string) (*migrate.Migrate, error) {
	dialect := DialectSQLite
	if IsPostgresURL(location) {
		dialect = DialectPostgres
	}

	src, err := iofs.New(migrations.FS, string(dialect))
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	if dialect == DialectPostgres {
		connCfg, err := pgx.ParseConfig(location)
		if err != nil {
			return nil, fmt.Errorf("parse db url: %w", err)
		}
		// Simple protocol lets postgres run a multi-statement migration file
		// natively.
		connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
		db := stdlib.OpenDB(*connCfg)
		driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migration driver: %w", err)
		}
		m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate init: %w", err)
		}
		return m, nil
	}

	db, err := sql.Open("sqlite3", sqliteDSN(location, defaultBusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate init: %w", err)
	}
	return m, nil
}
