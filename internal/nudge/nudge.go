// Package nudge queues proactive outbound notifications and delivers them
// under quiet-hour and rate-limit policy.
package nudge

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tinyclaw/internal/intercom"
	"tinyclaw/internal/storage"
)

// Priorities, highest first.
const (
	PriorityUrgent = "urgent"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// urgentFlushDelay bounds how long an urgent nudge waits for delivery.
const urgentFlushDelay = 500 * time.Millisecond

// ErrStopped is returned for schedules after Stop.
var ErrStopped = errors.New("nudge: engine stopped")

// Deliverer pushes one nudge to the user. A returned error keeps the nudge
// queued for the next flush.
type Deliverer interface {
	Deliver(userID string, n *storage.NudgeRecord) error
}

// Config tunes delivery policy.
type Config struct {
	MaxPerHour int `mapstructure:"max_per_hour"`
	// QuietStart/QuietEnd are local hours [0,24). Non-urgent nudges are
	// deferred inside the window. Equal values disable quiet hours.
	QuietStart int `mapstructure:"quiet_start"`
	QuietEnd   int `mapstructure:"quiet_end"`
}

// DefaultConfig allows 4 nudges an hour and keeps 23:00-08:00 quiet.
func DefaultConfig() Config {
	return Config{MaxPerHour: 4, QuietStart: 23, QuietEnd: 8}
}

// Engine schedules and flushes nudges. The queue is the nudges table; the
// per-user delivery log is an in-memory bounded deque seeded from storage
// counts after restart.
type Engine struct {
	db        *storage.DB
	deliverer Deliverer
	bus       *intercom.Bus
	cfg       Config
	logger    zerolog.Logger

	mu        sync.Mutex
	delivered map[string][]time.Time // per-user delivery times, bounded
	timers    map[string]*time.Timer // pending urgent auto-flushes
	stopped   bool

	now func() time.Time
}

// New wires an Engine. A zero Config gets defaults.
func New(db *storage.DB, deliverer Deliverer, bus *intercom.Bus, cfg Config, logger zerolog.Logger) *Engine {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return &Engine{
		db:        db,
		deliverer: deliverer,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With().Str("component", "nudge").Logger(),
		delivered: make(map[string][]time.Time),
		timers:    make(map[string]*time.Timer),
		now:       time.Now,
	}
}

// Schedule queues a nudge. Urgent nudges trigger an automatic flush within
// 500 ms; everything else waits for the next periodic flush.
func (e *Engine) Schedule(userID, category, content, priority string, metadata map[string]string, deliverAfter time.Time) (*storage.NudgeRecord, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	e.mu.Unlock()

	switch priority {
	case PriorityUrgent, PriorityNormal, PriorityLow:
	default:
		priority = PriorityNormal
	}

	n, err := e.db.EnqueueNudge(userID, category, content, priority, metadata, deliverAfter)
	if err != nil {
		return nil, err
	}

	if priority == PriorityUrgent {
		e.mu.Lock()
		if !e.stopped {
			id := n.ID
			e.timers[id] = time.AfterFunc(urgentFlushDelay, func() {
				e.mu.Lock()
				delete(e.timers, id)
				e.mu.Unlock()
				if _, err := e.Flush(); err != nil {
					e.logger.Warn().Err(err).Msg("urgent flush failed")
				}
			})
		}
		e.mu.Unlock()
	}
	return n, nil
}

// Flush delivers every due nudge permitted by policy, in priority order
// (urgent, normal, low; ties oldest first). Returns the number delivered.
func (e *Engine) Flush() (int, error) {
	pending, err := e.db.AllPendingNudges()
	if err != nil {
		return 0, err
	}
	now := e.now()

	due := pending[:0]
	for _, n := range pending {
		if !n.DeliverAfter.After(now) {
			due = append(due, n)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		pi, pj := priorityRank(due[i].Priority), priorityRank(due[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return due[i].QueuedAt.Before(due[j].QueuedAt)
	})

	delivered := 0
	for _, n := range due {
		urgent := n.Priority == PriorityUrgent
		if !urgent && e.inQuietHours(now) {
			continue
		}
		if !urgent && !e.underRateCap(n.UserID, now) {
			continue
		}
		if err := e.deliverer.Deliver(n.UserID, n); err != nil {
			e.logger.Warn().Err(err).Str("nudge", n.ID).Msg("delivery failed, nudge stays queued")
			continue
		}
		won, err := e.db.MarkNudgeDelivered(n.ID)
		if err != nil {
			e.logger.Error().Err(err).Str("nudge", n.ID).Msg("delivery not recorded")
			continue
		}
		if !won {
			continue
		}
		e.recordDelivery(n.UserID, now)
		delivered++
		e.bus.Publish(intercom.TopicNudgeDelivered, intercom.NudgePayload{
			NudgeID:  n.ID,
			UserID:   n.UserID,
			Category: n.Category,
			Priority: n.Priority,
		})
	}
	if delivered > 0 {
		e.logger.Debug().Int("delivered", delivered).Msg("nudges flushed")
	}
	return delivered, nil
}

// Pending returns a user's queued nudges.
func (e *Engine) Pending(userID string) ([]*storage.NudgeRecord, error) {
	return e.db.PendingNudges(userID)
}

// UpdatePolicy swaps the delivery policy at runtime. A zero Config restores
// defaults. Takes effect on the next flush.
func (e *Engine) UpdatePolicy(cfg Config) {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) policy() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Stop cancels pending urgent auto-flush timers and rejects new schedules.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

// inQuietHours reports whether t falls inside the configured quiet window.
// The window may wrap midnight.
func (e *Engine) inQuietHours(t time.Time) bool {
	cfg := e.policy()
	start, end := cfg.QuietStart, cfg.QuietEnd
	if start == end {
		return false
	}
	h := t.Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// underRateCap checks the sliding one-hour window for the user, seeding the
// in-memory log from storage on first sight of the user.
func (e *Engine) underRateCap(userID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	max := e.cfg.MaxPerHour
	if max <= 0 {
		return true
	}

	log, seen := e.delivered[userID]
	if !seen {
		count, err := e.db.DeliveredNudgeCountSince(userID, now.Add(-time.Hour))
		if err == nil {
			for i := 0; i < count; i++ {
				log = append(log, now)
			}
		}
		e.delivered[userID] = log
	}

	cutoff := now.Add(-time.Hour)
	live := log[:0]
	for _, ts := range log {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	e.delivered[userID] = live
	return len(live) < max
}

func (e *Engine) recordDelivery(userID string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	log := append(e.delivered[userID], now)
	if max := e.cfg.MaxPerHour * 4; max > 0 && len(log) > max {
		log = log[len(log)-max:]
	}
	e.delivered[userID] = log
}

func priorityRank(p string) int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}
