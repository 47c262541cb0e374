// Package compaction folds conversation history into tiered summaries so
// long-running channels stay inside the model context window. Raw rows
// beyond the recent window summarize into coarse L1 rows; accumulated L1
// rows fold into a single archival L2 row.
package compaction

import "errors"

// Compaction errors.
var (
	// ErrNoProvider indicates no provider was supplied for summarization.
	ErrNoProvider = errors.New("compaction: provider not configured")

	// ErrSummaryFailed indicates that summary generation failed.
	ErrSummaryFailed = errors.New("compaction: summary generation failed")
)
