package shield

import (
	"log/slog"
	"sync"
	"time"
)

// Auditor records every shield decision somewhere durable.
type Auditor interface {
	Record(ev *Event, d Decision) error
}

// Engine holds the active threat set and evaluates events against it.
type Engine struct {
	mu      sync.RWMutex
	threats []*ThreatEntry

	logger  *slog.Logger
	auditor Auditor
}

// NewEngine creates an engine with no threats loaded.
func NewEngine() *Engine {
	return &Engine{
		logger: slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (e *Engine) SetLogger(l *slog.Logger) {
	e.logger = l
}

// SetAuditor sets the decision auditor. A nil auditor disables auditing.
func (e *Engine) SetAuditor(a Auditor) {
	e.auditor = a
}

// SetThreats replaces the active threat set.
func (e *Engine) SetThreats(threats []*ThreatEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threats = threats
}

// Threats returns a snapshot of the active threat set.
func (e *Engine) Threats() []*ThreatEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*ThreatEntry, len(e.threats))
	copy(out, e.threats)
	return out
}

// LoadFeed parses the feed file and swaps in its threats.
// On error the previous threat set stays active.
func (e *Engine) LoadFeed(path string) error {
	threats, warnings, err := LoadFeedFile(path, time.Now())
	if err != nil {
		return err
	}
	for _, w := range warnings {
		e.logger.Warn("shield feed warning", "warning", w.Error())
	}

	e.SetThreats(threats)
	e.logger.Info("shield feed loaded", "path", path, "threats", len(threats))
	return nil
}

// Evaluate checks an event against every scope-compatible threat.
// Per threat the first matching directive produces a candidate; candidates
// combine by action priority (block > require_approval > log), then by
// severity weight times confidence, ties by lexicographic threat id.
// No match yields a log decision with an empty threat id.
func (e *Engine) Evaluate(ev *Event) Decision {
	e.mu.RLock()
	threats := e.threats
	e.mu.RUnlock()

	best := Decision{Action: ActionLog}
	matched := false

	for _, threat := range threats {
		if !ev.Scope.CompatibleWith(threat.Category) {
			continue
		}
		for _, directive := range threat.directives {
			if !directive.Matches(ev) {
				continue
			}
			candidate := Decision{
				Action:     directive.Action,
				ThreatID:   threat.ID,
				Title:      threat.Title,
				Reason:     directive.Text,
				Severity:   threat.Severity,
				Confidence: threat.Confidence,
			}
			if !matched || betterDecision(candidate, best) {
				best = candidate
				matched = true
			}
			break
		}
	}

	if matched {
		e.logger.Info("shield decision",
			"scope", string(ev.Scope),
			"principal", ev.Principal,
			"action", string(best.Action),
			"threat_id", best.ThreatID,
		)
	}
	if e.auditor != nil {
		if err := e.auditor.Record(ev, best); err != nil {
			e.logger.Error("shield audit write failed", "error", err)
		}
	}

	return best
}

// betterDecision reports whether a beats b.
func betterDecision(a, b Decision) bool {
	if a.Action.priority() != b.Action.priority() {
		return a.Action.priority() > b.Action.priority()
	}
	if a.score() != b.score() {
		return a.score() > b.score()
	}
	return a.ThreatID < b.ThreatID
}
