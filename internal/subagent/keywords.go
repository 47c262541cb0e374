package subagent

import "strings"

// stopwords are skipped during keyword extraction so that role overlap
// compares content words, not glue.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"if": true, "then": true, "else": true, "of": true, "in": true, "on": true,
	"at": true, "to": true, "for": true, "from": true, "with": true, "by": true,
	"about": true, "as": true, "into": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "should": true, "could": true,
	"can": true, "may": true, "might": true, "must": true, "shall": true,
	"have": true, "has": true, "had": true, "it": true, "its": true, "this": true,
	"that": true, "these": true, "those": true, "you": true, "your": true,
	"i": true, "my": true, "me": true, "we": true, "our": true, "they": true,
	"their": true, "he": true, "she": true, "his": true, "her": true,
	"what": true, "which": true, "who": true, "when": true, "where": true,
	"how": true, "why": true, "all": true, "any": true, "some": true, "no": true,
	"not": true, "so": true, "than": true, "too": true, "very": true,
	"just": true, "also": true, "up": true, "out": true, "down": true,
}

// ExtractKeywords lowercases text, strips punctuation and stopwords, and
// returns the distinct remaining words in first-seen order.
func ExtractKeywords(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return ' '
		}
	}, text)

	seen := make(map[string]bool)
	var words []string
	for _, w := range strings.Fields(cleaned) {
		if len(w) < 2 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}
	return words
}

// KeywordOverlap scores how much two keyword sets share, as the fraction of
// the smaller set found in the larger. Empty sets score 0.
func KeywordOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, w := range a {
		set[w] = true
	}
	matches := 0
	for _, w := range b {
		if set[w] {
			matches++
		}
	}
	min := len(a)
	if len(b) < min {
		min = len(b)
	}
	return float64(matches) / float64(min)
}
