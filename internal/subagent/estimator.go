package subagent

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tinyclaw/internal/provider"
	"tinyclaw/internal/storage"
)

// Task categories for the estimator's keyword vote.
const (
	TaskResearch     = "research"
	TaskCode         = "code"
	TaskAnalysis     = "analysis"
	TaskWriting      = "writing"
	TaskSimpleLookup = "simple_lookup"
)

// taskPriority breaks classification ties.
var taskPriority = []string{TaskResearch, TaskCode, TaskAnalysis, TaskWriting, TaskSimpleLookup}

var taskKeywords = map[string][]string{
	TaskResearch:     {"research", "find", "search", "investigate", "gather", "sources", "learn", "explore", "discover", "latest"},
	TaskCode:         {"code", "script", "program", "function", "debug", "implement", "refactor", "bug", "compile", "api", "test"},
	TaskAnalysis:     {"analyze", "analyse", "compare", "evaluate", "assess", "summarize", "summarise", "review", "trends", "metrics", "data"},
	TaskWriting:      {"write", "draft", "compose", "email", "letter", "essay", "blog", "document", "rewrite", "edit"},
	TaskSimpleLookup: {"what", "when", "where", "who", "check", "lookup", "weather", "time", "define", "convert"},
}

// ClassifyTask votes task text into a category by keyword hits. Zero votes
// fall back to simple_lookup; ties go to the earlier category in taskPriority.
func ClassifyTask(text string) string {
	words := make(map[string]bool)
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
	for _, w := range strings.Fields(cleaned) {
		words[w] = true
	}

	best := TaskSimpleLookup
	bestVotes := 0
	for _, cat := range taskPriority {
		votes := 0
		for _, kw := range taskKeywords[cat] {
			if words[kw] {
				votes++
			}
		}
		if votes > bestVotes {
			best, bestVotes = cat, votes
		}
	}
	return best
}

// Estimate bases for reporting how a budget was derived.
const (
	BasisHistorical  = "historical"
	BasisTierDefault = "tier_default"
	BasisFallback    = "fallback"
)

// Estimate is a task budget: how long to allow and how many agent loop
// iterations to expect.
type Estimate struct {
	Timeout    time.Duration `json:"timeout"`
	Iterations int           `json:"iterations"`
	Confidence float64       `json:"confidence"`
	Basis      string        `json:"basis"`
}

const (
	minTimeout    = 15 * time.Second
	maxTimeout    = 300 * time.Second
	historyWindow = 30 * 24 * time.Hour
	minSamples    = 5
)

var tierDefaults = map[provider.Tier]Estimate{
	provider.TierSimple:    {Timeout: 30 * time.Second, Iterations: 5},
	provider.TierModerate:  {Timeout: 60 * time.Second, Iterations: 10},
	provider.TierComplex:   {Timeout: 120 * time.Second, Iterations: 15},
	provider.TierReasoning: {Timeout: 180 * time.Second, Iterations: 20},
}

// Estimator derives task budgets from recorded history.
type Estimator struct {
	db     *storage.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewEstimator wires an Estimator over db.
func NewEstimator(db *storage.DB, logger zerolog.Logger) *Estimator {
	return &Estimator{
		db:     db,
		logger: logger.With().Str("component", "estimator").Logger(),
		now:    time.Now,
	}
}

func metricKey(category string, tier provider.Tier) string {
	return category + ":" + string(tier)
}

// Estimate budgets a task from the last 30 days of metrics for its
// (category, tier) pair. Five or more samples give a P85-derived budget;
// fewer fall back to tier defaults, and an unknown tier to a fixed budget.
func (e *Estimator) Estimate(text string, tier provider.Tier) Estimate {
	category := ClassifyTask(text)
	metrics, err := e.db.MetricsSince(metricKey(category, tier), e.now().Add(-historyWindow))
	if err != nil {
		e.logger.Warn().Err(err).Str("category", category).Msg("metric lookup failed")
		metrics = nil
	}

	if len(metrics) >= minSamples {
		durations := make([]int64, len(metrics))
		iterations := make([]int, len(metrics))
		for i, m := range metrics {
			durations[i] = m.DurationMs
			iterations[i] = m.Iterations
		}
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		sort.Ints(iterations)

		timeout := time.Duration(float64(percentile85(durations))*1.5) * time.Millisecond
		if timeout < minTimeout {
			timeout = minTimeout
		}
		if timeout > maxTimeout {
			timeout = maxTimeout
		}
		p85Iter := iterations[p85Index(len(iterations))]
		confidence := float64(len(metrics)) / 20
		if confidence > 1 {
			confidence = 1
		}
		return Estimate{
			Timeout:    timeout,
			Iterations: int(math.Ceil(float64(p85Iter) * 1.2)),
			Confidence: confidence,
			Basis:      BasisHistorical,
		}
	}

	if def, ok := tierDefaults[tier]; ok {
		def.Basis = BasisTierDefault
		return def
	}
	return Estimate{Timeout: 60 * time.Second, Iterations: 10, Basis: BasisFallback}
}

// RecordObservation books a finished task into the metric history that
// future estimates draw from.
func (e *Estimator) RecordObservation(userID, text string, tier provider.Tier, duration time.Duration, iterations int, success bool) error {
	category := ClassifyTask(text)
	return e.db.RecordTaskMetric(userID, metricKey(category, tier), duration.Milliseconds(), iterations, success)
}

// p85Index is the nearest-rank 85th percentile index for n sorted samples.
func p85Index(n int) int {
	idx := int(math.Ceil(0.85*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	return idx
}

func percentile85(sorted []int64) int64 {
	return sorted[p85Index(len(sorted))]
}

// MaxExtensions caps how many times one task's budget may grow.
const MaxExtensions = 2

// ExtensionTime is the wall-clock bump granted per time extension.
const ExtensionTime = 30 * time.Second

// Extension is a budget bump granted mid-task.
type Extension struct {
	AddIterations int
	AddTime       time.Duration
}

// ShouldExtend decides whether a running task earns more budget. A task
// burning iterations faster than wall clock gets more iterations; one burning
// clock faster than iterations gets more time. At most MaxExtensions grants.
func ShouldExtend(currentIter, maxIter int, elapsed, timeout time.Duration, extensionsGranted int) (Extension, bool) {
	if extensionsGranted >= MaxExtensions || maxIter <= 0 || timeout <= 0 {
		return Extension{}, false
	}
	iterRatio := float64(currentIter) / float64(maxIter)
	elapsedRatio := float64(elapsed) / float64(timeout)

	if iterRatio >= 0.7 && elapsedRatio < 0.8 {
		return Extension{AddIterations: 5}, true
	}
	if elapsedRatio >= 0.9 && iterRatio < 0.5 {
		return Extension{AddTime: ExtensionTime}, true
	}
	return Extension{}, false
}
