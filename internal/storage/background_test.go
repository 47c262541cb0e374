package storage

import (
	"testing"
	"time"
)

func TestBackgroundTaskFlow(t *testing.T) {
	db := testDB(t)

	task, err := db.CreateBackgroundTask("task-1", "owner", "agent-1", "research competitors")
	if err != nil {
		t.Fatalf("CreateBackgroundTask failed: %v", err)
	}
	if task.Status != TaskRunning {
		t.Errorf("status = %q, want running", task.Status)
	}

	ok, err := db.FinishBackgroundTask("task-1", TaskCompleted, "findings: ...", "")
	if err != nil || !ok {
		t.Fatalf("FinishBackgroundTask = %v, %v", ok, err)
	}
	// a second finish (e.g. cancel racing completion) is a no-op
	ok, err = db.FinishBackgroundTask("task-1", TaskFailed, "", "cancelled")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second finish should not apply")
	}

	got, _ := db.GetBackgroundTask("task-1")
	if got.Status != TaskCompleted || got.Result != "findings: ..." {
		t.Errorf("task = %+v", got)
	}
}

func TestUndeliveredExactlyOnce(t *testing.T) {
	db := testDB(t)

	if _, err := db.CreateBackgroundTask("t1", "owner", "", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.FinishBackgroundTask("t1", TaskCompleted, "done", ""); err != nil {
		t.Fatal(err)
	}
	// running tasks never appear
	if _, err := db.CreateBackgroundTask("t2", "owner", "", "b"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.UndeliveredTasks("owner")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].TaskID != "t1" {
		t.Fatalf("pending = %+v", pending)
	}

	ok, err := db.MarkTaskDelivered("t1")
	if err != nil || !ok {
		t.Fatalf("MarkTaskDelivered = %v, %v", ok, err)
	}
	ok, err = db.MarkTaskDelivered("t1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second delivery should report false")
	}

	pending, _ = db.UndeliveredTasks("owner")
	if len(pending) != 0 {
		t.Errorf("pending after delivery = %d, want 0", len(pending))
	}
}

func TestRunningTasksOlderThan(t *testing.T) {
	db := testDB(t)

	if _, err := db.CreateBackgroundTask("t1", "owner", "agent-1", "x"); err != nil {
		t.Fatal(err)
	}

	stale, err := db.RunningTasksOlderThan(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Errorf("stale = %d, want 1", len(stale))
	}

	busy, err := db.RunningTasksForAgent("agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if !busy {
		t.Error("agent-1 should be busy")
	}
}
