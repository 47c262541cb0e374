package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"tinyclaw/internal/provider"
	"tinyclaw/internal/storage"
)

const l1Prompt = `Summarize the following conversation concisely. Preserve facts, decisions, commitments, and open questions. Write plain sentences.

Conversation:
%s

Summary:`

const l2Prompt = `Condense the following summaries into a single archival summary. Keep only durable facts and decisions, drop conversational detail.

Summaries:
%s

Archival summary:`

// Compactor compresses channel history into stored summaries.
type Compactor struct {
	db      *storage.DB
	cfg     Config
	counter *TokenCounter
	logger  zerolog.Logger
}

// New creates a Compactor over db. A zero Config falls back to
// DefaultConfig.
func New(db *storage.DB, cfg Config, logger zerolog.Logger) *Compactor {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return &Compactor{
		db:      db,
		cfg:     cfg,
		counter: NewTokenCounter(),
		logger:  logger,
	}
}

// CompactIfNeeded runs one compaction pass over channel when its estimated
// window exceeds the trigger: rows beyond the recent window summarize into
// an L1 row and are pruned, and accumulated L1 rows fold into the L2
// archive. Reports whether a pass ran.
func (c *Compactor) CompactIfNeeded(ctx context.Context, channel string, prov provider.Provider) (bool, error) {
	if prov == nil {
		return false, ErrNoProvider
	}

	msgs, err := c.db.RecentMessages(channel, 0)
	if err != nil {
		return false, err
	}
	if c.counter.EstimateMessages(msgs) <= c.cfg.TriggerTokens {
		return false, nil
	}
	if len(msgs) <= c.cfg.KeepRecent {
		return false, nil
	}

	leaving := msgs[:len(msgs)-c.cfg.KeepRecent]
	transcript := c.preCompress(renderTranscript(leaving))

	if transcript != "" {
		summary, err := c.summarize(ctx, prov, fmt.Sprintf(l1Prompt, transcript))
		if err != nil {
			return false, err
		}
		if c.cfg.DedupSentences {
			prior, err := c.LatestSummary(channel)
			if err != nil {
				return false, err
			}
			summary = dropKnownSentences(summary, prior, c.cfg.SentenceSimilarity)
		}
		if summary != "" {
			if _, err := c.db.SaveSummary(channel, storage.TierL1, summary, len(leaving)); err != nil {
				return false, err
			}
		}
	}

	if _, err := c.db.PruneMessages(channel, c.cfg.KeepRecent); err != nil {
		return false, err
	}
	if err := c.foldArchive(ctx, channel, prov); err != nil {
		return false, err
	}

	c.logger.Info().
		Str("channel", channel).
		Int("folded", len(leaving)).
		Msg("history compacted")
	return true, nil
}

// foldArchive folds accumulated L1 summaries, together with the previous
// archive, into a fresh L2 row.
func (c *Compactor) foldArchive(ctx context.Context, channel string, prov provider.Provider) error {
	l1s, err := c.db.SummariesByTier(channel, storage.TierL1)
	if err != nil {
		return err
	}
	if len(l1s) < c.cfg.L1FoldCount {
		return nil
	}

	var parts []string
	var superseded []string
	olds, err := c.db.SummariesByTier(channel, storage.TierL2)
	if err != nil {
		return err
	}
	for _, s := range olds {
		parts = append(parts, s.Content)
		superseded = append(superseded, s.ID)
	}
	span := 0
	for _, s := range l1s {
		parts = append(parts, s.Content)
		superseded = append(superseded, s.ID)
		span += s.Span
	}

	archive, err := c.summarize(ctx, prov, fmt.Sprintf(l2Prompt, strings.Join(parts, "\n\n")))
	if err != nil {
		return err
	}
	if _, err := c.db.SaveSummary(channel, storage.TierL2, archive, span); err != nil {
		return err
	}
	return c.db.DeleteSummaries(superseded)
}

// LatestSummary returns the archival and coarse summaries of a channel as
// one block ready for prompt injection, archive first. Empty when nothing
// was compacted yet.
func (c *Compactor) LatestSummary(channel string) (string, error) {
	var parts []string

	l2, err := c.db.LatestSummary(channel, storage.TierL2)
	switch {
	case err == nil:
		parts = append(parts, l2.Content)
	case !errors.Is(err, storage.ErrNotFound):
		return "", err
	}

	l1s, err := c.db.SummariesByTier(channel, storage.TierL1)
	if err != nil {
		return "", err
	}
	for _, s := range l1s {
		parts = append(parts, s.Content)
	}
	return strings.Join(parts, "\n\n"), nil
}

func (c *Compactor) preCompress(s string) string {
	if c.cfg.StripEmoji {
		s = StripEmoji(s)
	}
	if c.cfg.DedupLines {
		s = DedupLines(s)
	}
	if c.cfg.DedupSentences {
		s = DedupSentences(s, c.cfg.SentenceSimilarity)
	}
	return strings.TrimSpace(s)
}

func (c *Compactor) summarize(ctx context.Context, prov provider.Provider, prompt string) (string, error) {
	resp, err := prov.Chat(ctx, provider.ChatRequest{
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: prompt}},
		MaxTokens: c.cfg.SummaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummaryFailed, err)
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", ErrSummaryFailed
	}
	return out, nil
}

func renderTranscript(msgs []*storage.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		content := m.Content
		if content == "" && len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for i := range m.ToolCalls {
				names = append(names, m.ToolCalls[i].GetName())
			}
			content = "(called " + strings.Join(names, ", ") + ")"
		}
		if content == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, content)
	}
	return b.String()
}
