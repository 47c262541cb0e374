package memory

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tinyclaw/internal/storage"
)

// Relevance weights. Tuned so the text, recency, and importance terms are
// comparable for a one-day-old hit of medium importance, and so a fresher,
// more important record never ranks below a staler, less important one at
// equal text rank.
const (
	textWeight       = 0.45
	recencyWeight    = 0.35
	importanceWeight = 0.20

	// recencyLambda is the per-day decay rate of the recency term.
	recencyLambda = 0.15
)

// DefaultImportance is assigned when a caller records an event without one.
const DefaultImportance = 0.5

// Config controls recall size and consolidation thresholds.
type Config struct {
	RecallLimit    int           `mapstructure:"recall_limit"`    // memories injected into a prompt
	MergeThreshold float64       `mapstructure:"merge_threshold"` // trigram similarity at or above which records merge
	PruneFloor     float64       `mapstructure:"prune_floor"`     // importance below which never-accessed records are pruned
	PruneAge       time.Duration `mapstructure:"prune_age"`       // minimum age before pruning
	DecayAge       time.Duration `mapstructure:"decay_age"`       // idle time before importance decay
	DecayFactor    float64       `mapstructure:"decay_factor"`
}

// DefaultConfig returns the production consolidation thresholds.
func DefaultConfig() Config {
	return Config{
		RecallLimit:    5,
		MergeThreshold: 0.55,
		PruneFloor:     0.2,
		PruneAge:       7 * 24 * time.Hour,
		DecayAge:       30 * 24 * time.Hour,
		DecayFactor:    0.9,
	}
}

// Engine is the episodic memory store for one runtime.
type Engine struct {
	db       *storage.DB
	cfg      Config
	detector *CategoryDetector
	logger   zerolog.Logger

	now func() time.Time
}

// New creates an Engine over db. A zero Config falls back to DefaultConfig.
func New(db *storage.DB, cfg Config, logger zerolog.Logger) *Engine {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return &Engine{
		db:       db,
		cfg:      cfg,
		detector: NewCategoryDetector(),
		logger:   logger,
		now:      time.Now,
	}
}

// Episodic event types. Every memory carries one; the category stays a
// rendering hint on top.
const (
	EventTaskCompleted     = "task_completed"
	EventPreferenceLearned = "preference_learned"
	EventCorrection        = "correction"
	EventDelegationResult  = "delegation_result"
	EventFactStored        = "fact_stored"
)

// Record persists one episodic memory. An empty category is detected from
// the content; importance 0 falls back to DefaultImportance. Preference
// memories book as preference_learned, everything else as fact_stored; use
// RecordEvent for the other event types.
func (e *Engine) Record(userID, content, category string, importance float64) (*storage.EpisodicRecord, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if category == "" {
		category = e.detector.Detect(content)
	}
	eventType := EventFactStored
	if category == CategoryPreference {
		eventType = EventPreferenceLearned
	}
	return e.record(userID, content, category, eventType, importance)
}

// RecordEvent persists a memory with an explicit event type, for the
// lifecycle writers (task completion, delegation results, corrections).
func (e *Engine) RecordEvent(userID, eventType, content string, importance float64) (*storage.EpisodicRecord, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	return e.record(userID, content, e.detector.Detect(content), eventType, importance)
}

func (e *Engine) record(userID, content, category, eventType string, importance float64) (*storage.EpisodicRecord, error) {
	if importance <= 0 {
		importance = DefaultImportance
	} else if importance > 1 {
		importance = 1
	}

	r, err := e.db.InsertEpisodic(userID, content, category, eventType, importance)
	if err != nil {
		return nil, err
	}
	e.logger.Debug().
		Str("user", userID).
		Str("category", category).
		Str("event", eventType).
		Float64("importance", importance).
		Msg("memory recorded")
	return r, nil
}

// Result is a recalled memory with its relevance score.
type Result struct {
	*storage.EpisodicRecord
	Score float64
}

// Search returns up to limit memories for userID, best first. With a query
// the score blends full-text rank with recency and importance; without one
// the most important memories are returned. Recalled memories count as
// accessed.
func (e *Engine) Search(userID, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = e.cfg.RecallLimit
	}

	var results []Result
	if match := ftsQuery(query); match != "" {
		fetch := limit * 4
		if fetch < 20 {
			fetch = 20
		}
		hits, err := e.db.SearchEpisodic(userID, match, fetch)
		if err != nil {
			return nil, err
		}
		results = e.scoreHits(hits)
	} else {
		records, err := e.db.TopEpisodic(userID, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			results = append(results, Result{EpisodicRecord: r, Score: importanceWeight * r.Importance})
		}
	}

	if len(results) > limit {
		results = results[:limit]
	}
	if len(results) == 0 {
		return nil, nil
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	if err := e.db.TouchEpisodic(ids); err != nil {
		e.logger.Warn().Err(err).Msg("memory access bump failed")
	}
	return results, nil
}

// scoreHits converts raw FTS hits into scored results, best first. Ties
// break toward the newer record.
func (e *Engine) scoreHits(hits []*storage.EpisodicHit) []Result {
	if len(hits) == 0 {
		return nil
	}

	// bm25 ranks are negative and more negative is better; the best hit
	// of the candidate set anchors a text score of 1.
	best := 0.0
	for _, h := range hits {
		if h.Rank < best {
			best = h.Rank
		}
	}

	now := e.now()
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		text := 0.0
		if best < 0 && h.Rank < 0 {
			text = h.Rank / best
		}
		ageDays := now.Sub(h.CreatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		score := textWeight*text +
			recencyWeight*math.Exp(-recencyLambda*ageDays) +
			importanceWeight*h.Importance

		rec := h.EpisodicRecord
		results = append(results, Result{EpisodicRecord: &rec, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	return results
}

// Reinforce bumps the access count and recency of one memory.
func (e *Engine) Reinforce(id string) error {
	return e.db.TouchEpisodic([]string{id})
}

// Forget deletes memories by id, returning how many existed.
func (e *Engine) Forget(ids ...string) (int64, error) {
	return e.db.DeleteEpisodic(ids)
}

// ConsolidateStats reports one consolidation pass.
type ConsolidateStats struct {
	Merged  int `json:"merged"`
	Pruned  int `json:"pruned"`
	Decayed int `json:"decayed"`
}

// Consolidate merges near-duplicate memories, prunes stale never-accessed
// low-importance ones, and decays the importance of long-idle ones.
func (e *Engine) Consolidate(userID string) (ConsolidateStats, error) {
	var stats ConsolidateStats

	records, err := e.db.ListEpisodic(userID)
	if err != nil {
		return stats, err
	}

	// ListEpisodic returns newest first; walk oldest first so the earliest
	// record of a duplicate cluster survives the merge.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	absorbed := make(map[string]bool)
	for i := 0; i < len(records); i++ {
		if absorbed[records[i].ID] {
			continue
		}
		for j := i + 1; j < len(records); j++ {
			if absorbed[records[j].ID] {
				continue
			}
			if Similarity(records[i].Content, records[j].Content) < e.cfg.MergeThreshold {
				continue
			}
			if err := e.db.MergeEpisodic(records[i].ID, records[j].ID); err != nil {
				return stats, err
			}
			absorbed[records[j].ID] = true
			stats.Merged++
		}
	}

	now := e.now()
	pruned, err := e.db.PruneEpisodic(userID, e.cfg.PruneFloor, now.Add(-e.cfg.PruneAge))
	if err != nil {
		return stats, err
	}
	stats.Pruned = int(pruned)

	decayed, err := e.db.DecayEpisodic(userID, now.Add(-e.cfg.DecayAge), e.cfg.DecayFactor)
	if err != nil {
		return stats, err
	}
	stats.Decayed = int(decayed)

	e.logger.Info().
		Str("user", userID).
		Int("merged", stats.Merged).
		Int("pruned", stats.Pruned).
		Int("decayed", stats.Decayed).
		Msg("memory consolidated")
	return stats, nil
}

// ContextForAgent renders the top memories for userID as a block ready for
// prompt injection. Returns "" when nothing relevant is stored.
func (e *Engine) ContextForAgent(userID, query string) (string, error) {
	results, err := e.Search(userID, query, e.cfg.RecallLimit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Relevant memories:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- [%s] %s\n", r.Category, r.Content)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// ftsQuery rewrites free text into an FTS5 MATCH expression. Operator
// characters become spaces and the surviving tokens are quoted and
// OR-joined so any term can match. Returns "" when nothing queryable
// is left.
func ftsQuery(query string) string {
	const operators = "\"*()[]{}:@+-=<>!^.,;?'"

	var b strings.Builder
	for _, r := range query {
		if strings.ContainsRune(operators, r) {
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}

	tokens := strings.Fields(b.String())
	if len(tokens) == 0 {
		return ""
	}
	for i, tok := range tokens {
		tokens[i] = `"` + tok + `"`
	}
	return strings.Join(tokens, " OR ")
}
