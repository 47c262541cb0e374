package storage

import (
	"errors"
	"math"
	"testing"
)

func TestTemplateCap(t *testing.T) {
	db := testDB(t)

	for i := 0; i < MaxTemplatesPerUser; i++ {
		if _, err := db.CreateTemplate("owner", "tmpl", "role", []string{"k"}); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}
	_, err := db.CreateTemplate("owner", "one-too-many", "role", []string{"k"})
	if !errors.Is(err, ErrTemplateCapReached) {
		t.Errorf("err = %v, want ErrTemplateCapReached", err)
	}

	// cap is per user
	if _, err := db.CreateTemplate("friend:abc", "tmpl", "role", []string{"k"}); err != nil {
		t.Errorf("other user's create failed: %v", err)
	}
}

func TestRecordTemplateUsageRollingAverage(t *testing.T) {
	db := testDB(t)

	tmpl, err := db.CreateTemplate("owner", "researcher", "role", []string{"research"})
	if err != nil {
		t.Fatal(err)
	}

	for _, score := range []float64{1.0, 0.5} {
		if err := db.RecordTemplateUsage(tmpl.TemplateID, score); err != nil {
			t.Fatalf("RecordTemplateUsage failed: %v", err)
		}
	}

	got, err := db.GetTemplate(tmpl.TemplateID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsageCount != 2 {
		t.Errorf("usage_count = %d, want 2", got.UsageCount)
	}
	if math.Abs(got.AvgPerformance-0.75) > 1e-9 {
		t.Errorf("avg_performance = %f, want 0.75", got.AvgPerformance)
	}
	if got.LastUsedAt == nil {
		t.Error("last_used_at not stamped")
	}
}
