package database

import (
	"context"
	"database/sql"
	"io/fs"
	"log/slog"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("reading embedded migrations dir: %v", err)
	}

	if len(entries) == 0 {
		t.Fatal("no migration files embedded")
	}

	var hasUp, hasDown bool
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".up.sql") {
			hasUp = true
		}
		if strings.HasSuffix(name, ".down.sql") {
			hasDown = true
		}
	}

	if !hasUp {
		t.Error("no .up.sql migration files found")
	}
	if !hasDown {
		t.Error("no .down.sql migration files found")
	}
}

func TestMigration001_Content(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_initial_schema.up.sql")
	if err != nil {
		t.Fatalf("reading 001_initial_schema.up.sql: %v", err)
	}

	content := string(data)
	expectedTables := []string{
		"CREATE TABLE peers",
		"CREATE TABLE peer_identifiers",
		"CREATE TABLE peer_connections",
		"CREATE TABLE transfers",
		"CREATE TABLE documents",
		"CREATE TABLE recipients",
		"CREATE TABLE messages",
		"CREATE TABLE groups",
		"CREATE TABLE group_members",
		"CREATE TABLE transport_configs",
	}

	for _, table := range expectedTables {
		if !strings.Contains(content, table) {
			t.Errorf("migration missing expected SQL: %s", table)
		}
	}
}

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("opening in-memory sqlite: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateUp_CreatesAllTables(t *testing.T) {
	conn := openMemoryDB(t)
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	ctx := context.Background()

	if err := MigrateUp(ctx, conn, logger); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}

	for _, table := range []string{
		"peers", "peer_identifiers", "peer_connections", "transfers",
		"documents", "recipients", "messages", "groups", "group_members",
		"transport_configs",
	} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not created: %v", table, err)
		}
	}

	version, err := MigrateStatus(ctx, conn)
	if err != nil {
		t.Fatalf("MigrateStatus: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}

	// Applying again must be a no-op, not an error.
	if err := MigrateUp(ctx, conn, logger); err != nil {
		t.Fatalf("second MigrateUp: %v", err)
	}
}

func TestMigrateDown_DropsAllTables(t *testing.T) {
	conn := openMemoryDB(t)
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	ctx := context.Background()

	if err := MigrateUp(ctx, conn, logger); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	if err := MigrateDown(ctx, conn, logger); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}

	version, err := MigrateStatus(ctx, conn)
	if err != nil {
		t.Fatalf("MigrateStatus: %v", err)
	}
	if version != 0 {
		t.Errorf("version after rollback = %d, want 0", version)
	}

	var name string
	err = conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'peers'`).Scan(&name)
	if err != sql.ErrNoRows {
		t.Errorf("expected peers table to be dropped, got err = %v", err)
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
