// Package database manages the SQLite connection and schema migrations for
// Firma-Sign. It uses database/sql with the pure-Go modernc.org/sqlite
// driver, and golang-migrate for schema migrations.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// DB wraps a sqlite connection and provides health checks and graceful
// shutdown. SQLite only accepts one writer at a time, so Conn is capped to a
// single open connection; WAL mode lets readers proceed concurrently with it.
type DB struct {
	Conn   *sql.DB
	logger *slog.Logger
}

// New opens the SQLite database at path, enabling WAL journaling and a busy
// timeout so concurrent repository calls queue instead of failing outright.
// It verifies connectivity with a ping before returning.
func New(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(30 * time.Minute)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("database connection established", slog.String("path", path))

	return &DB{Conn: conn, logger: logger}, nil
}

// HealthCheck verifies the database connection is alive by executing a
// simple query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var result int
	if err := db.Conn.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// Close gracefully shuts down the connection.
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.Conn.Close()
}

// MigrateUp applies every embedded migration newer than the schema's current
// version, in order, each inside its own transaction.
//
// golang-migrate ships database drivers for cgo-backed SQLite
// (database/sqlite3, via mattn/go-sqlite3) but not for the pure-Go
// modernc.org/sqlite driver this package uses, so only the source half
// (source/iofs, unchanged from upstream) is reused here; applying each
// migration's SQL is done directly against *sql.DB.
func MigrateUp(ctx context.Context, conn *sql.DB, logger *slog.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	defer src.Close()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return err
	}

	current, err := currentVersion(ctx, conn)
	if err != nil {
		return err
	}

	logger.Info("running database migrations (up)", slog.Uint64("current_version", uint64(current)))

	applied := uint(0)
	version := current
	for {
		next, err := advance(src, version)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return fmt.Errorf("locating next migration: %w", err)
		}

		if err := applyMigration(ctx, conn, src, next, true); err != nil {
			return fmt.Errorf("applying migration %d: %w", next, err)
		}
		version = next
		applied++
	}

	logger.Info("migrations complete", slog.Uint64("version", uint64(version)), slog.Uint64("applied", uint64(applied)))
	return nil
}

// MigrateDown rolls back every applied migration in reverse order. Use with
// caution.
func MigrateDown(ctx context.Context, conn *sql.DB, logger *slog.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	defer src.Close()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return err
	}

	logger.Warn("running database migrations (down) - this will drop all tables")

	version, err := currentVersion(ctx, conn)
	if err != nil {
		return err
	}

	for version != 0 {
		if err := applyMigration(ctx, conn, src, version, false); err != nil {
			return fmt.Errorf("rolling back migration %d: %w", version, err)
		}
		prev, err := src.Prev(version)
		if errors.Is(err, os.ErrNotExist) {
			version = 0
			break
		}
		if err != nil {
			return fmt.Errorf("locating previous migration: %w", err)
		}
		version = prev
	}

	if _, err := conn.ExecContext(ctx, "DELETE FROM schema_migrations"); err != nil {
		return fmt.Errorf("clearing schema_migrations: %w", err)
	}

	logger.Info("migrations rolled back")
	return nil
}

// MigrateStatus returns the current migration version.
func MigrateStatus(ctx context.Context, conn *sql.DB) (version uint, err error) {
	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return 0, err
	}
	return currentVersion(ctx, conn)
}

func ensureMigrationsTable(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}
	return nil
}

func currentVersion(ctx context.Context, conn *sql.DB) (uint, error) {
	var version uint
	err := conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading schema_migrations: %w", err)
	}
	return version, nil
}

// advance returns the next migration version after from, or os.ErrNotExist
// when there is none.
func advance(src source.Driver, from uint) (uint, error) {
	if from == 0 {
		return src.First()
	}
	return src.Next(from)
}

func applyMigration(ctx context.Context, conn *sql.DB, src source.Driver, version uint, up bool) error {
	var (
		r   io.ReadCloser
		err error
	)
	if up {
		r, _, err = src.ReadUp(version)
	} else {
		r, _, err = src.ReadDown(version)
	}
	if err != nil {
		return fmt.Errorf("reading migration %d: %w", version, err)
	}
	defer r.Close()

	sqlBytes, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading migration %d body: %w", version, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting migration transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("executing migration %d: %w", version, err)
	}

	if up {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, version); err != nil {
			return fmt.Errorf("unrecording migration %d: %w", version, err)
		}
	}

	return tx.Commit()
}
