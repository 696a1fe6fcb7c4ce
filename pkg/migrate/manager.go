// Package migrate applies the PostgreSQL schema used by the taskguard stores.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nimburion/taskguard/pkg/observability/logger"
)

//go:embed migrations/*.sql
var embedded embed.FS

const (
	embeddedDir = "migrations"
	// metadataTable records the applied versions.
	metadataTable = "taskguard_schema_migrations"
	// advisoryLockID serializes concurrent migrators on one database.
	advisoryLockID int64 = 0x7461736b67 // "taskg"
)

var migrationNamePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+)\.(up|down)\.sql$`)

// Migration is one schema change with its rollback.
type Migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// AppliedMigration is a migration recorded in the metadata table.
type AppliedMigration struct {
	Version   int64     `json:"version" yaml:"version"`
	AppliedAt time.Time `json:"applied_at" yaml:"applied_at"`
}

// PendingMigration is a migration not applied yet.
type PendingMigration struct {
	Version int64  `json:"version" yaml:"version"`
	Name    string `json:"name" yaml:"name"`
}

// Status lists applied and pending migrations in version order.
type Status struct {
	Applied []AppliedMigration `json:"applied" yaml:"applied"`
	Pending []PendingMigration `json:"pending" yaml:"pending"`
}

// Manager applies and rolls back migrations.
type Manager struct {
	db         *sql.DB
	log        logger.Logger
	migrations []Migration
}

// NewManager creates a manager over the embedded taskguard schema.
func NewManager(db *sql.DB, log logger.Logger) (*Manager, error) {
	return NewManagerFromFS(db, log, embedded, embeddedDir)
}

// NewManagerFromFS creates a manager over migrations read from files.
func NewManagerFromFS(db *sql.DB, log logger.Logger, files fs.FS, dir string) (*Manager, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if files == nil {
		return nil, errors.New("migration files filesystem is required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("migration directory is required")
	}

	migrations, err := loadMigrations(files, dir)
	if err != nil {
		return nil, err
	}
	return &Manager{db: db, log: log, migrations: migrations}, nil
}

// Migrations returns the known migrations in version order.
func (m *Manager) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

// Up applies all pending migrations in order and returns how many ran.
func (m *Manager) Up(ctx context.Context) (int, error) {
	applied := 0
	err := m.withLock(ctx, func(conn *sql.Conn) error {
		versions, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		done := make(map[int64]struct{}, len(versions))
		for _, version := range versions {
			done[version.Version] = struct{}{}
		}

		for _, migration := range m.migrations {
			if _, ok := done[migration.Version]; ok {
				continue
			}
			err := inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, migration.UpSQL); err != nil {
					return fmt.Errorf("apply migration %d_%s: %w", migration.Version, migration.Name, err)
				}
				insert := fmt.Sprintf(`INSERT INTO %s (version, name, applied_at) VALUES ($1, $2, NOW())`, metadataTable)
				if _, err := tx.ExecContext(ctx, insert, migration.Version, migration.Name); err != nil {
					return fmt.Errorf("record migration %d: %w", migration.Version, err)
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.log.Info("migration applied", "version", migration.Version, "name", migration.Name)
			applied++
		}
		return nil
	})
	return applied, err
}

// Down rolls back the latest steps migrations and returns how many were reverted.
func (m *Manager) Down(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		return 0, errors.New("steps must be greater than zero")
	}

	reverted := 0
	err := m.withLock(ctx, func(conn *sql.Conn) error {
		versions, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for idx := len(versions) - 1; idx >= 0 && reverted < steps; idx-- {
			version := versions[idx].Version
			migration, ok := m.migrationByVersion(version)
			if !ok {
				return fmt.Errorf("migration definition not found for applied version %d", version)
			}
			if strings.TrimSpace(migration.DownSQL) == "" {
				return fmt.Errorf("down migration missing for version %d", version)
			}
			err := inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, migration.DownSQL); err != nil {
					return fmt.Errorf("rollback migration %d_%s: %w", migration.Version, migration.Name, err)
				}
				remove := fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, metadataTable)
				if _, err := tx.ExecContext(ctx, remove, version); err != nil {
					return fmt.Errorf("delete migration record %d: %w", version, err)
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.log.Info("migration reverted", "version", migration.Version, "name", migration.Name)
			reverted++
		}
		return nil
	})
	return reverted, err
}

// Status reports applied and pending migrations.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}
	defer conn.Close()

	if err := ensureMetadataTable(ctx, conn); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return nil, err
	}
	done := make(map[int64]struct{}, len(applied))
	for _, version := range applied {
		done[version.Version] = struct{}{}
	}

	status := &Status{Applied: applied, Pending: []PendingMigration{}}
	for _, migration := range m.migrations {
		if _, ok := done[migration.Version]; !ok {
			status.Pending = append(status.Pending, PendingMigration{Version: migration.Version, Name: migration.Name})
		}
	}
	return status, nil
}

// withLock runs fn on one connection holding the migration advisory lock.
func (m *Manager) withLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, advisoryLockID); err != nil {
			m.log.Warn("release migration lock failed", "error", err)
		}
	}()

	if err := ensureMetadataTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func (m *Manager) migrationByVersion(version int64) (Migration, bool) {
	for _, migration := range m.migrations {
		if migration.Version == version {
			return migration, true
		}
	}
	return Migration{}, false
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func ensureMetadataTable(ctx context.Context, conn *sql.Conn) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, metadataTable)
	if _, err := conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure %s table: %w", metadataTable, err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) ([]AppliedMigration, error) {
	query := fmt.Sprintf(`SELECT version, applied_at FROM %s ORDER BY version`, metadataTable)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make([]AppliedMigration, 0)
	for rows.Next() {
		var item AppliedMigration
		if err := rows.Scan(&item.Version, &item.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied = append(applied, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

func loadMigrations(files fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("read migration files: %w", err)
	}

	byVersion := make(map[int64]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationNamePattern.FindStringSubmatch(entry.Name())
		if len(matches) != 4 {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version %q: %w", matches[1], err)
		}
		payload, err := fs.ReadFile(files, dir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration file %q: %w", entry.Name(), err)
		}

		migration, ok := byVersion[version]
		if !ok {
			migration = &Migration{Version: version, Name: matches[2]}
			byVersion[version] = migration
		} else if migration.Name != matches[2] {
			return nil, fmt.Errorf("migration version %d has conflicting names %q and %q", version, migration.Name, matches[2])
		}
		if matches[3] == "up" {
			migration.UpSQL = string(payload)
		} else {
			migration.DownSQL = string(payload)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, migration := range byVersion {
		if strings.TrimSpace(migration.UpSQL) == "" {
			return nil, fmt.Errorf("missing up migration for version %d", migration.Version)
		}
		migrations = append(migrations, *migration)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
