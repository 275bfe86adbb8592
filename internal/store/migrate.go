package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatvault/internal/store/migrations"
)

// LatestSchema is the highest migration version embedded in this binary.
const LatestSchema uint = 2

var (
	// ErrDirtySchema means a previous migration stopped halfway.
	ErrDirtySchema = errors.New("schema is dirty from an interrupted migration")
	// ErrSchemaTooNew means the database was written by a newer build.
	ErrSchemaTooNew = errors.New("schema is newer than this build supports")
)

// MigrateResult describes a migration run.
type MigrateResult struct {
	From    uint // 0 for a fresh database
	Version uint
	Changed bool
}

// Migrate brings the schema up to LatestSchema.
func (db *DB) Migrate() (*MigrateResult, error) {
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}
	return migrateConn(conn)
}

func newMigrator(conn *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	drv, err := sqlite3.WithInstance(conn, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}

func migrateConn(conn *sql.DB) (*MigrateResult, error) {
	m, err := newMigrator(conn)
	if err != nil {
		return nil, err
	}

	from, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		from = 0
	case err != nil:
		return nil, fmt.Errorf("read schema version: %w", err)
	case dirty:
		return nil, fmt.Errorf("version %d: %w", from, ErrDirtySchema)
	case from > LatestSchema:
		return nil, fmt.Errorf("version %d > %d: %w", from, LatestSchema, ErrSchemaTooNew)
	}

	res := &MigrateResult{From: from, Version: from}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return res, nil
		}
		return nil, fmt.Errorf("migration up: %w", err)
	}
	res.Version, _, _ = m.Version()
	res.Changed = res.Version != from
	return res, nil
}

// SchemaVersion returns the applied migration version, or 0 on a database
// that has never been migrated.
func (db *DB) SchemaVersion(ctx context.Context) (uint, error) {
	conn, err := db.conn()
	if err != nil {
		return 0, err
	}
	var version uint
	err = conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return version, nil
}
