package storage

import (
	"errors"
	"testing"
	"time"
)

func TestSubagentLifecycle(t *testing.T) {
	db := testDB(t)

	a, err := db.CreateSubagent("owner", "research-helper", "Researches topics and summarizes findings", []string{"research", "summarize"}, nil, "", "")
	if err != nil {
		t.Fatalf("CreateSubagent failed: %v", err)
	}
	if a.Status != AgentActive {
		t.Errorf("status = %q, want active", a.Status)
	}

	if err := db.SetSubagentStatus(a.AgentID, AgentSuspended); err != nil {
		t.Fatalf("suspend failed: %v", err)
	}
	got, _ := db.GetSubagent(a.AgentID)
	if got.Status != AgentSuspended || got.SuspendedAt == nil {
		t.Errorf("suspend not stamped: %+v", got)
	}

	if err := db.SetSubagentStatus(a.AgentID, AgentActive); err != nil {
		t.Fatalf("revive failed: %v", err)
	}
	got, _ = db.GetSubagent(a.AgentID)
	if got.Status != AgentActive || got.SuspendedAt != nil {
		t.Errorf("revive did not clear suspended_at: %+v", got)
	}
}

func TestRecordTaskResult(t *testing.T) {
	db := testDB(t)

	a, err := db.CreateSubagent("owner", "coder", "Writes code", []string{"code"}, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}

	got, err := db.RecordTaskResult(a.AgentID, true)
	if err != nil {
		t.Fatalf("RecordTaskResult failed: %v", err)
	}
	if got.TasksCompleted != 1 || got.PerformanceScore != 1.0 {
		t.Errorf("after success: %+v", got)
	}

	got, err = db.RecordTaskResult(a.AgentID, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.TasksFailed != 1 || got.PerformanceScore != 0.5 {
		t.Errorf("after failure: completed=%d failed=%d score=%f", got.TasksCompleted, got.TasksFailed, got.PerformanceScore)
	}
	if got.LastTaskAt == nil {
		t.Error("last_task_at not stamped")
	}
}

func TestCountActiveSubagents(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 3; i++ {
		if _, err := db.CreateSubagent("owner", "a", "role", []string{"k"}, nil, "", ""); err != nil {
			t.Fatal(err)
		}
	}
	a, _ := db.CreateSubagent("owner", "b", "role", []string{"k"}, nil, "", "")
	if err := db.SetSubagentStatus(a.AgentID, AgentSuspended); err != nil {
		t.Fatal(err)
	}

	n, err := db.CountActiveSubagents("owner")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("active = %d, want 3", n)
	}
}

func TestSubagentsInState(t *testing.T) {
	db := testDB(t)

	a, _ := db.CreateSubagent("owner", "old", "role", []string{"k"}, nil, "", "")
	if err := db.SetSubagentStatus(a.AgentID, AgentSuspended); err != nil {
		t.Fatal(err)
	}

	// cutoff in the future catches the fresh suspension
	hits, err := db.SubagentsInState(AgentSuspended, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Errorf("hits = %d, want 1", len(hits))
	}

	// cutoff in the past catches nothing
	hits, err = db.SubagentsInState(AgentSuspended, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("hits = %d, want 0", len(hits))
	}
}

func TestSubagentGrantsAndTierRoundTrip(t *testing.T) {
	db := testDB(t)

	a, err := db.CreateSubagent("owner", "researcher", "digs up sources", []string{"research"},
		[]string{"memory_search", "execute_code"}, "complex", "")
	if err != nil {
		t.Fatal(err)
	}

	got, err := db.GetSubagent(a.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.ToolsGranted) != 2 || got.ToolsGranted[0] != "memory_search" || got.ToolsGranted[1] != "execute_code" {
		t.Errorf("tools_granted = %v", got.ToolsGranted)
	}
	if got.TierPreference != "complex" {
		t.Errorf("tier_preference = %q, want complex", got.TierPreference)
	}

	// nil grants persist as an empty roster, not NULL
	b, err := db.CreateSubagent("owner", "plain", "no tools", nil, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	got, err = db.GetSubagent(b.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ToolsGranted == nil || len(got.ToolsGranted) != 0 {
		t.Errorf("empty roster = %v", got.ToolsGranted)
	}
	if got.TierPreference != "" {
		t.Errorf("tier_preference = %q, want empty", got.TierPreference)
	}
}

func TestSubagentsByStatusAndTemplateLink(t *testing.T) {
	db := testDB(t)

	a, err := db.CreateSubagent("owner", "scout", "finds local news", []string{"news", "local"}, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateSubagent("friend:abc", "helper", "answers questions", []string{"questions"}, nil, "", ""); err != nil {
		t.Fatal(err)
	}

	actives, err := db.SubagentsByStatus(AgentActive)
	if err != nil {
		t.Fatal(err)
	}
	if len(actives) != 2 {
		t.Errorf("actives across users = %d, want 2", len(actives))
	}

	tmpl, err := db.CreateTemplate("owner", "scout", "finds local news", []string{"news", "local"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetSubagentTemplate(a.AgentID, tmpl.TemplateID); err != nil {
		t.Fatalf("SetSubagentTemplate failed: %v", err)
	}
	got, err := db.GetSubagent(a.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TemplateID != tmpl.TemplateID {
		t.Errorf("template id = %q, want linked", got.TemplateID)
	}

	if err := db.SetSubagentTemplate("missing", tmpl.TemplateID); !errors.Is(err, ErrNotFound) {
		t.Errorf("link to missing agent = %v, want ErrNotFound", err)
	}
}

func TestDeleteSubagentPurgesChannel(t *testing.T) {
	db := testDB(t)

	a, _ := db.CreateSubagent("owner", "doomed", "role", []string{"k"}, nil, "", "")
	if _, err := db.AppendMessage(a.Channel(), "owner", "user", "hello", nil, ""); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteSubagent(a.AgentID); err != nil {
		t.Fatalf("DeleteSubagent failed: %v", err)
	}
	if _, err := db.GetSubagent(a.AgentID); !errors.Is(err, ErrNotFound) {
		t.Errorf("row still present, err = %v", err)
	}
	n, _ := db.CountMessages(a.Channel())
	if n != 0 {
		t.Errorf("transcript rows remain: %d", n)
	}
}
