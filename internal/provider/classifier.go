package provider

import (
	"regexp"
	"strings"
)

// Tier buckets queries by how much model capability they need.
type Tier string

const (
	TierSimple    Tier = "simple"
	TierModerate  Tier = "moderate"
	TierComplex   Tier = "complex"
	TierReasoning Tier = "reasoning"
)

// Tiers lists all routing tiers in ascending capability order.
var Tiers = []Tier{TierSimple, TierModerate, TierComplex, TierReasoning}

// ValidTier reports whether t is a known routing tier.
func ValidTier(t Tier) bool {
	switch t {
	case TierSimple, TierModerate, TierComplex, TierReasoning:
		return true
	}
	return false
}

// Classification is the classifier verdict for one message.
type Classification struct {
	Tier       Tier    `json:"tier"`
	Confidence float64 `json:"confidence"`
}

// tierPatterns holds regex signals for each tier that is detected by keywords.
// Checked in priority order: reasoning first, then complex.
var tierPatterns = map[Tier]*regexp.Regexp{
	TierReasoning: regexp.MustCompile(`(?i)\b(prove|theorem|derive|deduce|step[ -]by[ -]step|logic puzzle|formally|rigorous|from first principles)\b`),
	TierComplex:   regexp.MustCompile(`(?i)\b(design|architect|refactor|implement|debug|analyze|analyse|optimi[sz]e|research|investigate|compare|trade[ -]?offs?|strategy|migrate|write (a|the|some) (program|script|code|module))\b`),
}

var tierOrder = []Tier{TierReasoning, TierComplex}

// smalltalk covers short social messages that any model can answer.
var smalltalk = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true,
	"thanks": true, "thank you": true, "thx": true, "ty": true,
	"ok": true, "okay": true, "yes": true, "no": true, "yep": true, "nope": true,
	"bye": true, "goodbye": true, "good morning": true, "good night": true,
	"lol": true, "nice": true, "cool": true, "great": true, "how are you": true,
}

// complexLengthWords is the word count beyond which a message is treated as
// complex even without keyword signals.
const complexLengthWords = 80

// Classify buckets a user message into a routing tier.
// Purely lexical: the same input always yields the same verdict.
func Classify(text string) Classification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Classification{Tier: TierSimple, Confidence: 0.9}
	}

	for _, tier := range tierOrder {
		if tierPatterns[tier].MatchString(trimmed) {
			conf := 0.8
			if tier == TierReasoning {
				conf = 0.9
			}
			return Classification{Tier: tier, Confidence: conf}
		}
	}

	words := len(strings.Fields(trimmed))
	if words > complexLengthWords {
		return Classification{Tier: TierComplex, Confidence: 0.6}
	}

	normalized := strings.ToLower(strings.Trim(trimmed, ".!?,~ "))
	if smalltalk[normalized] {
		return Classification{Tier: TierSimple, Confidence: 0.9}
	}
	if words <= 4 && !strings.Contains(trimmed, "?") {
		return Classification{Tier: TierSimple, Confidence: 0.6}
	}

	return Classification{Tier: TierModerate, Confidence: 0.5}
}
