package compaction

import (
	"strings"
	"testing"
)

func TestStripEmoji(t *testing.T) {
	in := "Got it! I'll remember that. ✓ 🐜🎉"
	got := StripEmoji(in)
	if strings.ContainsAny(got, "✓🐜🎉") {
		t.Errorf("emoji left in %q", got)
	}
	if !strings.Contains(got, "I'll remember that.") {
		t.Errorf("text damaged: %q", got)
	}
}

func TestDedupLines(t *testing.T) {
	in := "alpha\nbeta\nalpha\n\nbeta\ngamma"
	want := "alpha\nbeta\n\ngamma"
	if got := DedupLines(in); got != want {
		t.Errorf("DedupLines = %q, want %q", got, want)
	}
}

func TestDedupSentences(t *testing.T) {
	in := "Owner likes tea. Owner likes teas. The cat is orange."
	got := DedupSentences(in, 0.85)
	if strings.Contains(got, "Owner likes teas.") {
		t.Errorf("near-duplicate kept: %q", got)
	}
	if !strings.Contains(got, "Owner likes tea.") || !strings.Contains(got, "The cat is orange.") {
		t.Errorf("distinct sentences dropped: %q", got)
	}
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("One. Two! Three?\nFour")
	want := []string{"One.", "Two!", "Three?", "Four"}
	if len(got) != len(want) {
		t.Fatalf("sentences = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}
}
