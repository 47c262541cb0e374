package memory

import (
	"regexp"
	"strings"
)

// Memory categories, most specific first in detection order.
const (
	CategoryContact    = "contact"
	CategoryTask       = "task"
	CategoryPreference = "preference"
	CategoryEvent      = "event"
	CategoryFact       = "fact"
	CategoryOther      = "other"
)

// CategoryDetector assigns a category to memory content by matching an
// ordered rule list, most specific rules first.
type CategoryDetector struct {
	rules []categoryRule
}

type categoryRule struct {
	category string
	pattern  *regexp.Regexp
}

// NewCategoryDetector returns a detector with the default rules.
func NewCategoryDetector() *CategoryDetector {
	return &CategoryDetector{rules: []categoryRule{
		{CategoryContact, regexp.MustCompile(`\+\d{7,}|[\w.-]+@[\w.-]+\.\w+|(?i)\b(is called|named|phone number|address is)\b`)},
		{CategoryTask, regexp.MustCompile(`(?i)\b(todo|remind me|deadline|due (on|by)|need to|needs to|have to|has to|don't forget|appointment)\b`)},
		{CategoryPreference, regexp.MustCompile(`(?i)\b(prefers?|likes?|loves?|hates?|wants?|favorite|enjoys?|dislikes?|allergic)\b`)},
		{CategoryEvent, regexp.MustCompile(`(?i)\b(yesterday|today|tomorrow|tonight|last (week|night|month)|next (week|month)|met|went to|visited|happened)\b`)},
		{CategoryFact, regexp.MustCompile(`(?i)\b(is|are|was|were|has|have|had|lives? in|works? (at|as)|born)\b`)},
	}}
}

// Detect returns the category for content, or CategoryOther when no rule
// matches.
func (d *CategoryDetector) Detect(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return CategoryOther
	}
	for _, r := range d.rules {
		if r.pattern.MatchString(content) {
			return r.category
		}
	}
	return CategoryOther
}
