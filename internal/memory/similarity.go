package memory

import "strings"

// Similarity returns the character-trigram Dice coefficient of a and b in
// [0,1]. Case and whitespace runs are ignored.
func Similarity(a, b string) float64 {
	a = normalizeText(a)
	b = normalizeText(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	ta := trigrams(a)
	tb := trigrams(b)
	common := 0
	for g := range ta {
		if tb[g] {
			common++
		}
	}
	return 2 * float64(common) / float64(len(ta)+len(tb))
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func trigrams(s string) map[string]bool {
	runes := []rune(s)
	if len(runes) < 3 {
		return map[string]bool{string(runes): true}
	}
	set := make(map[string]bool, len(runes))
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = true
	}
	return set
}
