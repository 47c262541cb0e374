package compaction

// Config holds compaction thresholds and pre-compression switches.
type Config struct {
	// TriggerTokens is the estimated window size above which a pass runs.
	TriggerTokens int `mapstructure:"trigger_tokens"`

	// KeepRecent is the number of raw rows left in the window after a pass.
	KeepRecent int `mapstructure:"keep_recent"`

	// L1FoldCount is the number of coarse summaries that triggers an
	// archival fold.
	L1FoldCount int `mapstructure:"l1_fold_count"`

	// SummaryMaxTokens caps each summarization reply.
	SummaryMaxTokens int `mapstructure:"summary_max_tokens"`

	// Pre-compression switches applied to the transcript before the
	// model call.
	StripEmoji     bool `mapstructure:"strip_emoji"`
	DedupLines     bool `mapstructure:"dedup_lines"`
	DedupSentences bool `mapstructure:"dedup_sentences"`

	// SentenceSimilarity is the trigram similarity at or above which two
	// sentences count as restatements.
	SentenceSimilarity float64 `mapstructure:"sentence_similarity"`
}

// DefaultConfig returns the production compaction settings.
func DefaultConfig() Config {
	return Config{
		TriggerTokens:      8000,
		KeepRecent:         10,
		L1FoldCount:        5,
		SummaryMaxTokens:   500,
		StripEmoji:         true,
		DedupLines:         true,
		DedupSentences:     true,
		SentenceSimilarity: 0.85,
	}
}
