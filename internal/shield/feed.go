package shield

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// FeedSchemaConstraint is the feed schema range this build understands.
const FeedSchemaConstraint = "^1"

// feedHeader is the optional first block of a feed carrying metadata.
type feedHeader struct {
	Schema  string     `yaml:"schema"`
	Updated *time.Time `yaml:"updated"`
}

// ParseFeed extracts threat entries from a markdown threat feed.
// Entries live in fenced blocks of YAML; prose between blocks is ignored.
// Revoked and expired entries are dropped here so the engine never sees
// them. Warnings cover skipped blocks and bad directives; the error is
// reserved for a schema the build cannot evaluate safely.
func ParseFeed(data []byte, now time.Time) ([]*ThreatEntry, []error, error) {
	var (
		entries  []*ThreatEntry
		warnings []error
	)

	for _, block := range fencedBlocks(string(data)) {
		var header feedHeader
		if err := yaml.Unmarshal([]byte(block), &header); err == nil && header.Schema != "" {
			if err := checkSchema(header.Schema); err != nil {
				return nil, warnings, err
			}
			continue
		}

		var entry ThreatEntry
		if err := yaml.Unmarshal([]byte(block), &entry); err != nil {
			warnings = append(warnings, fmt.Errorf("unparseable feed block: %w", err))
			continue
		}
		if entry.ID == "" {
			warnings = append(warnings, fmt.Errorf("feed block without id skipped"))
			continue
		}
		if !ValidCategory(entry.Category) {
			warnings = append(warnings, fmt.Errorf("threat %s: unknown category %q", entry.ID, entry.Category))
			continue
		}
		if entry.Revoked {
			continue
		}
		if entry.ExpiresAt != nil && entry.ExpiresAt.Before(now) {
			continue
		}
		if entry.Confidence < 0 {
			entry.Confidence = 0
		}
		if entry.Confidence > 1 {
			entry.Confidence = 1
		}

		directives, errs := ParseDirectives(entry.RecommendationAgent)
		for _, err := range errs {
			warnings = append(warnings, fmt.Errorf("threat %s: %w", entry.ID, err))
		}
		if len(directives) == 0 {
			warnings = append(warnings, fmt.Errorf("threat %s: no directives, entry is inert", entry.ID))
			continue
		}
		entry.directives = directives
		entries = append(entries, &entry)
	}

	// Sorted order makes evaluation and tie-breaking deterministic.
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	return entries, warnings, nil
}

// LoadFeedFile reads and parses a threat feed from disk.
func LoadFeedFile(path string, now time.Time) ([]*ThreatEntry, []error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrFeedNotFound, path)
		}
		return nil, nil, err
	}
	return ParseFeed(data, now)
}

// fencedBlocks returns the contents of yaml fenced blocks in order.
// Blocks tagged with another language are left alone.
func fencedBlocks(doc string) []string {
	var (
		blocks  []string
		current []string
		inBlock bool
		keep    bool
	)

	for _, line := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inBlock {
				if keep && len(current) > 0 {
					blocks = append(blocks, strings.Join(current, "\n"))
				}
				current = current[:0]
				inBlock = false
				continue
			}
			lang := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))
			keep = lang == "" || lang == "yaml" || lang == "yml"
			inBlock = true
			continue
		}
		if inBlock {
			current = append(current, line)
		}
	}

	return blocks
}

// checkSchema gates the declared feed schema against what we support.
func checkSchema(declared string) error {
	version, err := semver.NewVersion(declared)
	if err != nil {
		return fmt.Errorf("%w: bad schema version %q: %v", ErrSchemaIncompatible, declared, err)
	}
	constraint, err := semver.NewConstraint(FeedSchemaConstraint)
	if err != nil {
		return fmt.Errorf("shield: bad schema constraint: %w", err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("%w: feed declares %s, supported %s", ErrSchemaIncompatible, declared, FeedSchemaConstraint)
	}
	return nil
}
