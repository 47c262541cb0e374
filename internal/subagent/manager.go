package subagent

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tinyclaw/internal/storage"
)

// orientation opens every subagent system prompt so delegated workers know
// their place in the runtime.
const orientation = `You are a focused worker agent. You were spawned by a personal companion agent to handle one delegated task. Stay within your role, be concise, and report results plainly. You have no authority to change owner settings or spawn further agents.`

// Config bounds the subagent population and its lifecycle timings.
type Config struct {
	MaxActivePerUser   int           `mapstructure:"max_active_per_user"`
	SuspendedRetention time.Duration `mapstructure:"suspended_retention"`
	DeletedRetention   time.Duration `mapstructure:"deleted_retention"`
	ReuseThreshold     float64       `mapstructure:"reuse_threshold"`
	PromoteScore       float64       `mapstructure:"promote_score"`
	PromoteMinTasks    int           `mapstructure:"promote_min_tasks"`
}

// DefaultConfig returns the stock lifecycle bounds.
func DefaultConfig() Config {
	return Config{
		MaxActivePerUser:   10,
		SuspendedRetention: 7 * 24 * time.Hour,
		DeletedRetention:   14 * 24 * time.Hour,
		ReuseThreshold:     0.6,
		PromoteScore:       0.8,
		PromoteMinTasks:    3,
	}
}

// Manager owns subagent lifecycle state in the store.
type Manager struct {
	db     *storage.DB
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager wires a Manager over db. A zero Config gets defaults.
func NewManager(db *storage.DB, cfg Config, logger zerolog.Logger) *Manager {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return &Manager{
		db:     db,
		cfg:    cfg,
		logger: logger.With().Str("component", "subagent").Logger(),
		now:    time.Now,
	}
}

// DefaultToolGrants is the roster handed to new agents when the caller does
// not name one. Delegation tools are never granted to workers.
var DefaultToolGrants = []string{"memory_search", "execute_code"}

// Create spawns a new agent for userID, enforcing the per-user active cap.
// Keywords are extracted from the name and role description. Empty toolsGranted
// gets the default roster; tierPreference may be empty for no preference.
func (m *Manager) Create(userID, name, roleDescription string, toolsGranted []string, tierPreference, templateID string) (*storage.Subagent, error) {
	active, err := m.db.CountActiveSubagents(userID)
	if err != nil {
		return nil, err
	}
	if active >= m.cfg.MaxActivePerUser {
		return nil, ErrCapacityExceeded
	}
	if len(toolsGranted) == 0 {
		toolsGranted = DefaultToolGrants
	}
	keywords := ExtractKeywords(name + " " + roleDescription)
	agent, err := m.db.CreateSubagent(userID, name, roleDescription, keywords, toolsGranted, tierPreference, templateID)
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("agent", agent.AgentID).Str("user", userID).Str("name", name).Msg("subagent created")
	return agent, nil
}

// SystemPrompt composes the delegated worker's system prompt from the shared
// orientation block and the agent's role.
func (m *Manager) SystemPrompt(agent *storage.Subagent) string {
	return orientation + "\n\nYour role: " + agent.RoleDescription
}

// FindReusable returns the user's agent whose keywords best overlap roleText,
// searching active, suspended, and soft-deleted agents alike. Returns nil when
// no agent clears the reuse threshold.
func (m *Manager) FindReusable(userID, roleText string) (*storage.Subagent, float64, error) {
	agents, err := m.db.ListSubagents(userID,
		storage.AgentActive, storage.AgentSuspended, storage.AgentSoftDeleted)
	if err != nil {
		return nil, 0, err
	}
	want := ExtractKeywords(roleText)
	var best *storage.Subagent
	var bestScore float64
	for _, a := range agents {
		score := KeywordOverlap(a.Keywords, want)
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	if best == nil || bestScore < m.cfg.ReuseThreshold {
		return nil, 0, nil
	}
	return best, bestScore, nil
}

// Suspend parks an agent, keeping its data.
func (m *Manager) Suspend(agentID string) error {
	return m.db.SetSubagentStatus(agentID, storage.AgentSuspended)
}

// Dismiss soft-deletes an agent; Cleanup purges it after the retention window.
func (m *Manager) Dismiss(agentID string) error {
	return m.db.SetSubagentStatus(agentID, storage.AgentSoftDeleted)
}

// Revive restores a suspended or soft-deleted agent to active, subject to the
// same capacity cap as Create.
func (m *Manager) Revive(agentID string) error {
	agent, err := m.db.GetSubagent(agentID)
	if err != nil {
		return err
	}
	if agent.Status == storage.AgentActive {
		return nil
	}
	active, err := m.db.CountActiveSubagents(agent.UserID)
	if err != nil {
		return err
	}
	if active >= m.cfg.MaxActivePerUser {
		return ErrCapacityExceeded
	}
	return m.db.SetSubagentStatus(agentID, storage.AgentActive)
}

// Kill removes the agent and its conversation history synchronously.
func (m *Manager) Kill(agentID string) error {
	if err := m.db.DeleteSubagent(agentID); err != nil {
		return err
	}
	m.logger.Info().Str("agent", agentID).Msg("subagent killed")
	return nil
}

// RecordTaskResult books a finished task on the agent, feeds its template's
// rolling average, and promotes consistently strong untemplated agents to a
// new template. Promotion failure is logged, never fatal.
func (m *Manager) RecordTaskResult(agentID string, success bool) (*storage.Subagent, error) {
	agent, err := m.db.RecordTaskResult(agentID, success)
	if err != nil {
		return nil, err
	}
	if agent.TemplateID != "" {
		score := 0.0
		if success {
			score = 1.0
		}
		if err := m.db.RecordTemplateUsage(agent.TemplateID, score); err != nil {
			m.logger.Warn().Err(err).Str("template", agent.TemplateID).Msg("template usage not recorded")
		}
		return agent, nil
	}
	total := agent.TasksCompleted + agent.TasksFailed
	if total >= m.cfg.PromoteMinTasks && agent.PerformanceScore >= m.cfg.PromoteScore {
		m.promote(agent)
	}
	return agent, nil
}

func (m *Manager) promote(agent *storage.Subagent) {
	tpl, err := m.db.CreateTemplate(agent.UserID, agent.Name, agent.RoleDescription, agent.Keywords)
	if err != nil {
		if errors.Is(err, storage.ErrTemplateCapReached) {
			m.logger.Info().Str("user", agent.UserID).Msg("template limit reached, promotion skipped")
		} else {
			m.logger.Warn().Err(err).Str("agent", agent.AgentID).Msg("promotion failed")
		}
		return
	}
	if err := m.db.SetSubagentTemplate(agent.AgentID, tpl.TemplateID); err != nil {
		m.logger.Warn().Err(err).Str("agent", agent.AgentID).Msg("template link failed")
		return
	}
	agent.TemplateID = tpl.TemplateID
	m.logger.Info().
		Str("agent", agent.AgentID).
		Str("template", tpl.TemplateID).
		Float64("score", agent.PerformanceScore).
		Msg("subagent promoted to template")
}

// FindBestTemplate returns the user's template whose keywords best overlap
// text, preferring higher avgPerformance on equal overlap. Nil when nothing
// clears the reuse threshold.
func (m *Manager) FindBestTemplate(userID, text string) (*storage.AgentTemplate, error) {
	templates, err := m.db.ListTemplates(userID)
	if err != nil {
		return nil, err
	}
	want := ExtractKeywords(text)
	var best *storage.AgentTemplate
	var bestScore float64
	for _, t := range templates {
		score := KeywordOverlap(t.Keywords, want)
		if score < m.cfg.ReuseThreshold {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && t.AvgPerformance > best.AvgPerformance) {
			best, bestScore = t, score
		}
	}
	return best, nil
}

// Cleanup archives suspended agents idle past the suspended retention and
// purges soft-deleted agents past the deleted retention. Returns the count
// archived and purged.
func (m *Manager) Cleanup() (archived, purged int, err error) {
	now := m.now()

	stale, err := m.db.SubagentsInState(storage.AgentSuspended, now.Add(-m.cfg.SuspendedRetention))
	if err != nil {
		return 0, 0, err
	}
	for _, a := range stale {
		if err := m.db.SetSubagentStatus(a.AgentID, storage.AgentSoftDeleted); err != nil {
			return archived, purged, fmt.Errorf("archive %s: %w", a.AgentID, err)
		}
		archived++
	}

	dead, err := m.db.SubagentsInState(storage.AgentSoftDeleted, now.Add(-m.cfg.DeletedRetention))
	if err != nil {
		return archived, 0, err
	}
	for _, a := range dead {
		if err := m.db.DeleteSubagent(a.AgentID); err != nil {
			return archived, purged, fmt.Errorf("purge %s: %w", a.AgentID, err)
		}
		purged++
	}

	if archived > 0 || purged > 0 {
		m.logger.Info().Int("archived", archived).Int("purged", purged).Msg("subagent cleanup")
	}
	return archived, purged, nil
}

// StartupSweep suspends active agents that have no running background task.
// Run once after restart so agents orphaned by a crash do not hold capacity.
func (m *Manager) StartupSweep() (int, error) {
	agents, err := m.db.SubagentsByStatus(storage.AgentActive)
	if err != nil {
		return 0, err
	}
	suspended := 0
	for _, a := range agents {
		busy, err := m.db.RunningTasksForAgent(a.AgentID)
		if err != nil {
			return suspended, err
		}
		if busy {
			continue
		}
		if err := m.db.SetSubagentStatus(a.AgentID, storage.AgentSuspended); err != nil {
			return suspended, err
		}
		suspended++
	}
	if suspended > 0 {
		m.logger.Info().Int("suspended", suspended).Msg("startup sweep parked idle agents")
	}
	return suspended, nil
}
