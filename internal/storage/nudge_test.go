package storage

import (
	"testing"
	"time"
)

func TestNudgeQueue(t *testing.T) {
	db := testDB(t)

	n1, err := db.EnqueueNudge("owner", "health", "drink water", "low", nil, time.Time{})
	if err != nil {
		t.Fatalf("EnqueueNudge failed: %v", err)
	}
	meta := map[string]string{"source": "calendar"}
	if _, err := db.EnqueueNudge("owner", "calendar", "meeting in 5", "urgent", meta, time.Time{}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingNudges("owner")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != n1.ID {
		t.Error("pending not oldest-first")
	}
	if pending[1].Metadata["source"] != "calendar" {
		t.Errorf("metadata lost: %v", pending[1].Metadata)
	}
	if pending[0].DeliverAfter.IsZero() {
		t.Error("zero deliverAfter should default to enqueue time")
	}

	ok, err := db.MarkNudgeDelivered(n1.ID)
	if err != nil || !ok {
		t.Fatalf("MarkNudgeDelivered = %v, %v", ok, err)
	}
	ok, _ = db.MarkNudgeDelivered(n1.ID)
	if ok {
		t.Error("double delivery should report false")
	}

	count, err := db.DeliveredNudgeCountSince("owner", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("delivered in window = %d, want 1", count)
	}
}

func TestNudgeDeferredDelivery(t *testing.T) {
	db := testDB(t)

	later := time.Now().Add(time.Hour)
	n, err := db.EnqueueNudge("owner", "reminder", "call mom", "normal", nil, later)
	if err != nil {
		t.Fatal(err)
	}
	if !n.DeliverAfter.After(time.Now()) {
		t.Error("deliverAfter not preserved")
	}

	all, err := db.AllPendingNudges()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("all pending = %d, want 1", len(all))
	}
}
