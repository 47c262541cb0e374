package storage

import (
	"errors"
	"testing"
	"time"
)

func TestEpisodicInsertAndSearch(t *testing.T) {
	db := testDB(t)

	if _, err := db.InsertEpisodic("owner", "prefers coffee without sugar", "preference", "preference_learned", 0.8); err != nil {
		t.Fatalf("InsertEpisodic failed: %v", err)
	}
	if _, err := db.InsertEpisodic("owner", "deadline for the tax filing is friday", "fact", "fact_stored", 0.6); err != nil {
		t.Fatal(err)
	}
	// other user's memory must not surface
	if _, err := db.InsertEpisodic("friend:abc", "coffee meetup next week", "fact", "fact_stored", 0.5); err != nil {
		t.Fatal(err)
	}

	hits, err := db.SearchEpisodic("owner", "coffee", 10)
	if err != nil {
		t.Fatalf("SearchEpisodic failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	if hits[0].Content != "prefers coffee without sugar" {
		t.Errorf("content = %q", hits[0].Content)
	}
	if hits[0].EventType != "preference_learned" {
		t.Errorf("event_type = %q, want preference_learned", hits[0].EventType)
	}
	if hits[0].Rank >= 0 {
		// fts5 bm25 rank is negative for matches; the engine relies on it
		t.Errorf("rank = %f, want negative", hits[0].Rank)
	}
}

func TestEpisodicTouch(t *testing.T) {
	db := testDB(t)

	r, err := db.InsertEpisodic("owner", "remember the wifi password", "fact", "fact_stored", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.TouchEpisodic([]string{r.ID}); err != nil {
		t.Fatalf("TouchEpisodic failed: %v", err)
	}

	got, err := db.GetEpisodic(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessCount != 1 {
		t.Errorf("access_count = %d, want 1", got.AccessCount)
	}
	if got.LastAccessedAt == nil {
		t.Error("last_accessed_at not set")
	}
}

func TestEpisodicUpdateKeepsFTSInSync(t *testing.T) {
	db := testDB(t)

	r, err := db.InsertEpisodic("owner", "likes hiking", "preference", "fact_stored", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateEpisodic(r.ID, "likes alpine climbing", 0.7); err != nil {
		t.Fatalf("UpdateEpisodic failed: %v", err)
	}

	hits, err := db.SearchEpisodic("owner", "climbing", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits for new content = %d, want 1", len(hits))
	}
	old, err := db.SearchEpisodic("owner", "hiking", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 0 {
		t.Errorf("hits for old content = %d, want 0", len(old))
	}
}

func TestEpisodicMerge(t *testing.T) {
	db := testDB(t)

	dst, err := db.InsertEpisodic("owner", "owner walks the dog at 7am", "fact", "fact_stored", 0.4)
	if err != nil {
		t.Fatal(err)
	}
	src, err := db.InsertEpisodic("owner", "owner walks the dog around 7 in the morning", "fact", "fact_stored", 0.7)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.TouchEpisodic([]string{src.ID, src.ID, dst.ID}); err != nil {
		t.Fatal(err)
	}

	if err := db.MergeEpisodic(dst.ID, src.ID); err != nil {
		t.Fatalf("MergeEpisodic failed: %v", err)
	}

	got, err := db.GetEpisodic(dst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Importance != 0.7 {
		t.Errorf("importance = %f, want max 0.7", got.Importance)
	}
	if got.AccessCount != 3 {
		t.Errorf("access count = %d, want 3", got.AccessCount)
	}
	if got.Content != "owner walks the dog at 7am" {
		t.Errorf("content = %q, want dst content kept", got.Content)
	}
	if _, err := db.GetEpisodic(src.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("src lookup after merge = %v, want ErrNotFound", err)
	}

	if err := db.MergeEpisodic(dst.ID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("merge with missing src = %v, want ErrNotFound", err)
	}
}

func TestEpisodicDecayAndPrune(t *testing.T) {
	db := testDB(t)

	r, err := db.InsertEpisodic("owner", "ephemeral note", "general", "fact_stored", 0.1)
	if err != nil {
		t.Fatal(err)
	}

	decayed, err := db.DecayEpisodic("owner", time.Now().Add(time.Minute), 0.9)
	if err != nil {
		t.Fatalf("DecayEpisodic failed: %v", err)
	}
	if decayed != 1 {
		t.Errorf("decayed = %d, want 1", decayed)
	}
	got, _ := db.GetEpisodic(r.ID)
	if got.Importance > 0.1 {
		t.Errorf("importance = %f, want decayed below 0.1", got.Importance)
	}

	pruned, err := db.PruneEpisodic("owner", 0.2, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneEpisodic failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
}
