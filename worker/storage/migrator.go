// Package storage connects to provisioned tenant databases and applies the
// tenant schema.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	// Import postgres driver
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wfahnestock/caass-server/worker/storage/migrations"
)

// DefaultHost is how the worker reaches ports published by the local engine.
const DefaultHost = "host.docker.internal"

// migrationLockKey is the pg_advisory_lock key held while migrating.
const migrationLockKey int64 = 0x63616173_73746e74

// TenantDatabase holds the connection parameters of a tenant database.
type TenantDatabase struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
}

// DSN returns a postgres:// connection URL. Credentials are escaped.
func (d TenantDatabase) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// String describes the database without its password.
func (d TenantDatabase) String() string {
	return fmt.Sprintf("%s@%s/%s", d.User, net.JoinHostPort(d.Host, d.Port), d.Name)
}

// Migrator brings a tenant database to the latest schema.
type Migrator interface {
	Migrate(ctx context.Context, db TenantDatabase) (applied int, err error)
}

// PostgresMigrator applies embedded SQL migrations over pgx.
type PostgresMigrator struct {
	FS             fs.FS
	ConnectTimeout time.Duration
}

// NewPostgresMigrator returns a migrator for the tenant schema.
func NewPostgresMigrator() *PostgresMigrator {
	return &PostgresMigrator{FS: migrations.Files, ConnectTimeout: 10 * time.Second}
}

// Migrate connects, takes the migration lock and applies every migration not
// yet recorded in schema_migrations. Concurrent calls against the same
// database run one after another.
func (m *PostgresMigrator) Migrate(ctx context.Context, tdb TenantDatabase) (int, error) {
	fsys := m.FS
	if fsys == nil {
		fsys = migrations.Files
	}

	db, err := sql.Open("pgx", tdb.DSN())
	if err != nil {
		return 0, fmt.Errorf("failed to open tenant database %s: %w", tdb, err)
	}
	defer db.Close()

	timeout := m.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return 0, fmt.Errorf("failed to ping tenant database %s: %w", tdb, err)
	}

	// Advisory locks are held by the session, so everything runs on one conn.
	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return 0, fmt.Errorf("failed to take migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			logWarn("Failed to release migration lock", "database", tdb.String(), "error", err)
		}
	}()

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return 0, err
	}
	pending, err := PendingMigrations(fsys, applied)
	if err != nil {
		return 0, err
	}

	for _, file := range pending {
		if err := applyMigration(ctx, conn, fsys, file); err != nil {
			return 0, err
		}
		logDebug("Applied tenant migration", "database", tdb.String(), "version", file)
	}
	return len(pending), nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, conn *sql.Conn, fsys fs.FS, file string) error {
	sqlBytes, err := fs.ReadFile(fsys, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", file, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

// PendingMigrations returns the migrations in fsys not present in applied,
// in filename order.
func PendingMigrations(fsys fs.FS, applied map[string]bool) ([]string, error) {
	files, err := listMigrationFiles(fsys)
	if err != nil {
		return nil, err
	}
	pending := files[:0]
	for _, f := range files {
		if !applied[f] {
			pending = append(pending, f)
		}
	}
	return pending, nil
}

func listMigrationFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}
