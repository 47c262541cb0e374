package heartware

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tinyclaw/internal/intercom"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestWriteBacksUpPrevious(t *testing.T) {
	m := testManager(t)

	if err := m.Write(FileIdentity, "# Pip v1"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// First write had nothing to back up.
	backups, err := m.Backups(FileIdentity)
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 0 {
		t.Fatalf("backups after first write = %d, want 0", len(backups))
	}

	if err := m.Write(FileIdentity, "# Pip v2"); err != nil {
		t.Fatal(err)
	}
	backups, _ = m.Backups(FileIdentity)
	if len(backups) != 1 {
		t.Fatalf("backups = %d, want 1", len(backups))
	}
	data, err := os.ReadFile(backups[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# Pip v1" {
		t.Errorf("backup content = %q, want the pre-write version", data)
	}

	got, err := m.Read(FileIdentity)
	if err != nil {
		t.Fatal(err)
	}
	if got != "# Pip v2" {
		t.Errorf("Read = %q", got)
	}
}

func TestUnknownFileRejected(t *testing.T) {
	m := testManager(t)

	if err := m.Write("../../etc/passwd", "x"); !errors.Is(err, ErrUnknownFile) {
		t.Errorf("traversal write = %v, want ErrUnknownFile", err)
	}
	if _, err := m.Read("notes.md"); !errors.Is(err, ErrUnknownFile) {
		t.Errorf("unmanaged read = %v, want ErrUnknownFile", err)
	}
}

func TestReadMissing(t *testing.T) {
	m := testManager(t)
	if _, err := m.Read(FileSoul); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing read = %v, want ErrNotFound", err)
	}
}

func TestSeedOnlyFillsGaps(t *testing.T) {
	m := testManager(t)

	if err := m.Write(FileSoul, "handcrafted"); err != nil {
		t.Fatal(err)
	}
	err := m.Seed(map[string]string{
		FileSoul:     "default soul",
		FileIdentity: "default identity",
	})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	soul, _ := m.Read(FileSoul)
	if soul != "handcrafted" {
		t.Error("Seed overwrote an existing file")
	}
	identity, _ := m.Read(FileIdentity)
	if identity != "default identity" {
		t.Error("Seed did not fill the missing file")
	}
}

func TestBackupPrune(t *testing.T) {
	m := testManager(t)

	for i := 0; i <= backupsPerFile+5; i++ {
		if err := m.Write(FileFriend, strings.Repeat("x", i+1)); err != nil {
			t.Fatal(err)
		}
		// Backup names are millisecond-stamped; keep them distinct.
		time.Sleep(2 * time.Millisecond)
	}
	backups, err := m.Backups(FileFriend)
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) > backupsPerFile {
		t.Errorf("backups = %d, want at most %d", len(backups), backupsPerFile)
	}
}

func TestWatcherPublishesOnEdit(t *testing.T) {
	m := testManager(t)
	bus := intercom.New(zerolog.Nop())

	changed := make(chan string, 4)
	bus.On(intercom.TopicHeartwareChanged, func(ev intercom.Event) {
		if name, ok := ev.Payload.(string); ok {
			changed <- name
		}
	})

	w, err := NewWatcher(m, bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	if err := m.Write(FileThreats, "## threats"); err != nil {
		t.Fatal(err)
	}

	select {
	case name := <-changed:
		if name != FileThreats {
			t.Errorf("changed file = %s, want %s", name, FileThreats)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change event published")
	}
}
