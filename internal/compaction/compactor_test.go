package compaction

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"tinyclaw/internal/provider"
	"tinyclaw/internal/storage"
)

type mockProvider struct {
	calls    int
	lastReq  provider.ChatRequest
	chatFunc func(calls int, req provider.ChatRequest) (*provider.ChatResponse, error)
}

func (m *mockProvider) ID() string   { return "mock" }
func (m *mockProvider) Name() string { return "Mock" }

func (m *mockProvider) Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	m.calls++
	m.lastReq = req
	if m.chatFunc != nil {
		return m.chatFunc(m.calls, req)
	}
	return &provider.ChatResponse{Content: "Summary of the conversation."}, nil
}

func (m *mockProvider) Stream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	return nil, errors.New("not implemented")
}

func (m *mockProvider) Available(ctx context.Context) bool { return true }

func testCompactor(t *testing.T, cfg Config) (*Compactor, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, cfg, zerolog.Nop()), db
}

func smallConfig() Config {
	return Config{
		TriggerTokens:      40,
		KeepRecent:         2,
		L1FoldCount:        9,
		SummaryMaxTokens:   200,
		StripEmoji:         true,
		DedupLines:         true,
		DedupSentences:     true,
		SentenceSimilarity: 0.85,
	}
}

func seedChannel(t *testing.T, db *storage.DB, channel string, contents ...string) {
	t.Helper()
	role := "user"
	for _, content := range contents {
		if _, err := db.AppendMessage(channel, "owner", role, content, nil, ""); err != nil {
			t.Fatal(err)
		}
		if role == "user" {
			role = "assistant"
		} else {
			role = "user"
		}
	}
}

func TestCompactIfNeededBelowThreshold(t *testing.T) {
	c, db := testCompactor(t, smallConfig())
	seedChannel(t, db, "owner:main", "hi", "hello!")

	ran, err := c.CompactIfNeeded(context.Background(), "owner:main", &mockProvider{})
	if err != nil {
		t.Fatalf("CompactIfNeeded failed: %v", err)
	}
	if ran {
		t.Error("pass ran below threshold")
	}
	if n, _ := db.CountSummaries("owner:main", storage.TierL1); n != 0 {
		t.Errorf("summaries = %d, want 0", n)
	}
}

func TestCompactIfNeededFoldsOldRows(t *testing.T) {
	c, db := testCompactor(t, smallConfig())
	seedChannel(t, db, "owner:main",
		"watered the ferns this morning 🐜",
		"the market had fresh mangoes today",
		"library books are due thursday",
		"pharmacy called about the refill",
		"penultimate message stays in place",
		"final message stays in place too",
	)

	prov := &mockProvider{chatFunc: func(calls int, req provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Content: "The owner tended plants and ran errands."}, nil
	}}

	ran, err := c.CompactIfNeeded(context.Background(), "owner:main", prov)
	if err != nil {
		t.Fatalf("CompactIfNeeded failed: %v", err)
	}
	if !ran {
		t.Fatal("pass did not run")
	}

	if n, _ := db.CountMessages("owner:main"); n != 2 {
		t.Errorf("messages left = %d, want recent window 2", n)
	}
	if n, _ := db.CountSummaries("owner:main", storage.TierL1); n != 1 {
		t.Fatalf("coarse summaries = %d, want 1", n)
	}

	prompt := prov.lastReq.Messages[0].Content
	if !strings.Contains(prompt, "watered the ferns") {
		t.Errorf("prompt missing folded row: %q", prompt)
	}
	if strings.Contains(prompt, "stays in place") {
		t.Errorf("prompt contains kept rows: %q", prompt)
	}
	if strings.Contains(prompt, "🐜") {
		t.Errorf("prompt contains emoji: %q", prompt)
	}
	if prov.lastReq.MaxTokens != 200 {
		t.Errorf("max tokens = %d, want summary cap", prov.lastReq.MaxTokens)
	}

	block, err := c.LatestSummary("owner:main")
	if err != nil {
		t.Fatal(err)
	}
	if block != "The owner tended plants and ran errands." {
		t.Errorf("latest summary = %q", block)
	}
}

func TestCompactFoldsArchive(t *testing.T) {
	cfg := smallConfig()
	cfg.L1FoldCount = 2
	c, db := testCompactor(t, cfg)

	if _, err := db.SaveSummary("owner:main", storage.TierL1, "likes hiking on weekends.", 4); err != nil {
		t.Fatal(err)
	}
	if _, err := db.SaveSummary("owner:main", storage.TierL1, "works from home on fridays.", 4); err != nil {
		t.Fatal(err)
	}
	seedChannel(t, db, "owner:main",
		"booked the dentist for monday morning",
		"the garden fence needs a new post",
		"ordered more coffee beans online",
		"penultimate message stays in place",
		"final message stays in place too",
	)

	prov := &mockProvider{chatFunc: func(calls int, req provider.ChatRequest) (*provider.ChatResponse, error) {
		if calls == 1 {
			return &provider.ChatResponse{Content: "owner scheduled a dentist visit."}, nil
		}
		return &provider.ChatResponse{Content: "the full archive."}, nil
	}}

	ran, err := c.CompactIfNeeded(context.Background(), "owner:main", prov)
	if err != nil {
		t.Fatalf("CompactIfNeeded failed: %v", err)
	}
	if !ran {
		t.Fatal("pass did not run")
	}
	if prov.calls != 2 {
		t.Errorf("provider calls = %d, want summary then archive", prov.calls)
	}
	if n, _ := db.CountSummaries("owner:main", storage.TierL1); n != 0 {
		t.Errorf("coarse summaries = %d, want all folded", n)
	}
	if n, _ := db.CountSummaries("owner:main", storage.TierL2); n != 1 {
		t.Errorf("archives = %d, want 1", n)
	}

	block, err := c.LatestSummary("owner:main")
	if err != nil {
		t.Fatal(err)
	}
	if block != "the full archive." {
		t.Errorf("latest summary = %q", block)
	}
}

func TestCompactDropsRestatedFacts(t *testing.T) {
	c, db := testCompactor(t, smallConfig())

	if _, err := db.SaveSummary("owner:main", storage.TierL1, "Owner lives in Manila.", 4); err != nil {
		t.Fatal(err)
	}
	seedChannel(t, db, "owner:main",
		"the cat knocked over the plant again",
		"new curtains arrived for the bedroom",
		"bike tire patched at the corner shop",
		"penultimate message stays in place",
		"final message stays in place too",
	)

	prov := &mockProvider{chatFunc: func(calls int, req provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Content: "Owner lives in Manila. Owner adopted a cat."}, nil
	}}

	if _, err := c.CompactIfNeeded(context.Background(), "owner:main", prov); err != nil {
		t.Fatal(err)
	}

	l1s, err := db.SummariesByTier("owner:main", storage.TierL1)
	if err != nil {
		t.Fatal(err)
	}
	if len(l1s) != 2 {
		t.Fatalf("coarse summaries = %d, want prior plus new", len(l1s))
	}
	newest := l1s[len(l1s)-1]
	if newest.Content != "Owner adopted a cat." {
		t.Errorf("new summary = %q, want restated fact dropped", newest.Content)
	}
}

func TestLatestSummaryMergesTiers(t *testing.T) {
	c, db := testCompactor(t, smallConfig())

	if _, err := db.SaveSummary("owner:main", storage.TierL2, "archive text.", 20); err != nil {
		t.Fatal(err)
	}
	if _, err := db.SaveSummary("owner:main", storage.TierL1, "coarse alpha.", 4); err != nil {
		t.Fatal(err)
	}
	if _, err := db.SaveSummary("owner:main", storage.TierL1, "coarse beta.", 4); err != nil {
		t.Fatal(err)
	}

	block, err := c.LatestSummary("owner:main")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(block, "archive text.") {
		t.Errorf("block = %q, want archive first", block)
	}
	if !strings.Contains(block, "coarse alpha.") || !strings.Contains(block, "coarse beta.") {
		t.Errorf("block = %q, want both coarse summaries", block)
	}

	empty, err := c.LatestSummary("friend:xyz")
	if err != nil {
		t.Fatal(err)
	}
	if empty != "" {
		t.Errorf("block for untouched channel = %q, want empty", empty)
	}
}

func TestCompactNoProvider(t *testing.T) {
	c, _ := testCompactor(t, smallConfig())

	if _, err := c.CompactIfNeeded(context.Background(), "owner:main", nil); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

func TestCompactProviderFailureLeavesWindow(t *testing.T) {
	c, db := testCompactor(t, smallConfig())
	seedChannel(t, db, "owner:main",
		"watered the ferns this morning",
		"the market had fresh mangoes today",
		"library books are due thursday",
		"pharmacy called about the refill",
		"penultimate message stays in place",
		"final message stays in place too",
	)

	prov := &mockProvider{chatFunc: func(calls int, req provider.ChatRequest) (*provider.ChatResponse, error) {
		return nil, errors.New("backend down")
	}}

	_, err := c.CompactIfNeeded(context.Background(), "owner:main", prov)
	if !errors.Is(err, ErrSummaryFailed) {
		t.Fatalf("err = %v, want ErrSummaryFailed", err)
	}
	if n, _ := db.CountMessages("owner:main"); n != 6 {
		t.Errorf("messages = %d, want untouched window", n)
	}
}
