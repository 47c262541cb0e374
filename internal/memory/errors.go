// Package memory implements the episodic memory engine: full-text recall
// with hybrid relevance scoring, reinforcement on access, and periodic
// consolidation of near-duplicate records.
package memory

import "errors"

// Memory errors.
var (
	// ErrEmptyContent indicates a record attempt with no content.
	ErrEmptyContent = errors.New("memory: empty content")
)
