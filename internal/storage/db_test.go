package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "agent.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
	}

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err != nil {
		t.Errorf("query failed: %v", err)
	}
	if result != 1 {
		t.Errorf("result = %d, want 1", result)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "deeper", "agent.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
}

func TestOpenWALMode(t *testing.T) {
	db := testDB(t)

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestWithTxCommit(t *testing.T) {
	db := testDB(t)

	err := db.WithTx(func(tx *Tx) error {
		_, err := tx.Exec("INSERT INTO blackboard (user_id, key, value, updated_at) VALUES ('owner', 'k', 'v', CURRENT_TIMESTAMP)")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	v, err := db.BlackboardGet("owner", "k")
	if err != nil {
		t.Fatalf("BlackboardGet failed: %v", err)
	}
	if v != "v" {
		t.Errorf("value = %q, want v", v)
	}
}

func TestWithTxRollback(t *testing.T) {
	db := testDB(t)

	boom := errors.New("boom")
	err := db.WithTx(func(tx *Tx) error {
		if _, err := tx.Exec("INSERT INTO blackboard (user_id, key, value, updated_at) VALUES ('owner', 'k', 'v', CURRENT_TIMESTAMP)"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}

	if _, err := db.BlackboardGet("owner", "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled-back row visible, err = %v", err)
	}
}
