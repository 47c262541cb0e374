package migrations

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRun(t *testing.T) {
	db := openTestDB(t)

	if err := Run(db); err != nil {
		t.Fatalf("migration run: %v", err)
	}

	version, err := Version(db)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}

	tables := []string{
		"messages", "compactions", "subagents", "agent_templates",
		"background_tasks", "episodic", "task_metrics", "blackboard",
		"nudges", "_migrations",
	}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	// columns added by later migrations
	for _, probe := range []string{
		"SELECT tools_granted, tier_preference FROM subagents LIMIT 1",
		"SELECT event_type FROM episodic LIMIT 1",
	} {
		if _, err := db.Exec(probe); err != nil {
			t.Errorf("%s: %v", probe, err)
		}
	}

	// the FTS index and its sync triggers must exist too
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='trigger' AND name LIKE 'episodic_%'").Scan(&n); err != nil {
		t.Fatalf("count triggers: %v", err)
	}
	if n != 3 {
		t.Errorf("episodic triggers = %d, want 3", n)
	}
}

func TestRunIdempotent(t *testing.T) {
	db := openTestDB(t)

	if err := Run(db); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := Run(db); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Errorf("migration count = %d, want 2", count)
	}
}

func TestPending(t *testing.T) {
	db := openTestDB(t)

	if err := ensureMigrationsTable(db); err != nil {
		t.Fatalf("ensure migrations table: %v", err)
	}

	pending, err := Pending(db)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending count = %d, want 2", len(pending))
	}

	if err := Run(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pending, err = Pending(db)
	if err != nil {
		t.Fatalf("get pending after run: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after run = %d, want 0", len(pending))
	}
}

func TestVersionEmptyDB(t *testing.T) {
	db := openTestDB(t)

	if err := ensureMigrationsTable(db); err != nil {
		t.Fatalf("ensure migrations table: %v", err)
	}

	version, err := Version(db)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if version != 0 {
		t.Errorf("version = %d, want 0", version)
	}
}
