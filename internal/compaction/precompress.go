package compaction

import (
	"strings"

	"tinyclaw/internal/memory"
)

// StripEmoji removes emoji and other pictographic runes.
func StripEmoji(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isEmoji(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, emoticons, transport, supplemental
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols and dingbats
		return true
	case r == 0x2B50 || r == 0x2B55:
		return true
	case r == 0xFE0F || r == 0x200D: // variation selector, zero-width joiner
		return true
	}
	return false
}

// DedupLines drops exact repeats of earlier lines, keeping the first
// occurrence and blank separators.
func DedupLines(s string) string {
	seen := make(map[string]bool)
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		key := strings.TrimSpace(line)
		if key == "" {
			kept = append(kept, line)
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// DedupSentences drops sentences whose similarity to an earlier kept
// sentence is at or above threshold.
func DedupSentences(s string, threshold float64) string {
	var kept []string
	for _, cand := range splitSentences(s) {
		if !restated(cand, kept, threshold) {
			kept = append(kept, cand)
		}
	}
	return strings.Join(kept, "\n")
}

// dropKnownSentences removes sentences already stated in prior text.
func dropKnownSentences(s, prior string, threshold float64) string {
	if prior == "" {
		return s
	}
	known := splitSentences(prior)
	var kept []string
	for _, cand := range splitSentences(s) {
		if !restated(cand, known, threshold) {
			kept = append(kept, cand)
		}
	}
	return strings.Join(kept, "\n")
}

func restated(cand string, against []string, threshold float64) bool {
	for _, k := range against {
		if memory.Similarity(cand, k) >= threshold {
			return true
		}
	}
	return false
}

func splitSentences(s string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if t := strings.TrimSpace(b.String()); t != "" {
			out = append(out, t)
		}
		b.Reset()
	}
	for _, r := range s {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			flush()
		}
	}
	flush()
	return out
}
