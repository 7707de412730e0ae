package migrations

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	createReadings = Migration{
		Version:     1,
		Description: "create readings",
		Up:          `CREATE TABLE readings (id INTEGER PRIMARY KEY, value REAL NOT NULL)`,
		Down:        `DROP TABLE readings`,
	}
	indexReadings = Migration{
		Version:     2,
		Description: "index readings",
		Up:          `CREATE INDEX idx_readings_value ON readings(value)`,
		Down:        `DROP INDEX idx_readings_value`,
	}
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestApplyAndRollback(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)

	// registered out of order on purpose
	manager := NewManager(indexReadings, createReadings)
	if manager.Latest() != 2 {
		t.Fatalf("expected latest 2, got %d", manager.Latest())
	}

	n, err := manager.Apply(ctx, db)
	if err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 migrations applied, got %d", n)
	}

	version, err := Version(ctx, db)
	if err != nil {
		t.Fatalf("failed to read version: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}

	if _, err := db.Exec("INSERT INTO readings (id, value) VALUES (1, 0.5)"); err != nil {
		t.Fatalf("readings table not created: %v", err)
	}

	// second apply is a no-op
	n, err = manager.Apply(ctx, db)
	if err != nil {
		t.Fatalf("re-apply failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no migrations on re-apply, got %d", n)
	}

	if err := manager.Rollback(ctx, db); err != nil {
		t.Fatalf("failed to rollback: %v", err)
	}
	version, _ = Version(ctx, db)
	if version != 1 {
		t.Errorf("expected version 1 after rollback, got %d", version)
	}

	if err := manager.Rollback(ctx, db); err != nil {
		t.Fatalf("failed to rollback: %v", err)
	}
	if _, err := db.Exec("INSERT INTO readings (id, value) VALUES (2, 0.5)"); err == nil {
		t.Error("readings table should have been dropped")
	}

	if err := manager.Rollback(ctx, db); err == nil {
		t.Error("expected error rolling back an empty database")
	}
}

func TestFailedMigrationIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)

	broken := Migration{Version: 2, Description: "broken", Up: `CREATE TABLE nope (`}
	manager := NewManager(createReadings, broken)

	n, err := manager.Apply(ctx, db)
	if err == nil {
		t.Fatal("expected broken migration to fail")
	}
	if n != 1 {
		t.Errorf("expected 1 migration applied before failure, got %d", n)
	}
	version, _ := Version(ctx, db)
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}
}
