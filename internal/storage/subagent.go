package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sub-agent lifecycle states.
const (
	AgentActive      = "active"
	AgentSuspended   = "suspended"
	AgentSoftDeleted = "soft_deleted"
)

// Subagent is one persisted sub-agent roster row.
type Subagent struct {
	AgentID          string     `json:"agent_id"`
	UserID           string     `json:"user_id"`
	Name             string     `json:"name"`
	RoleDescription  string     `json:"role_description"`
	Keywords         []string   `json:"keywords"`
	ToolsGranted     []string   `json:"tools_granted"`
	TierPreference   string     `json:"tier_preference,omitempty"`
	Status           string     `json:"status"`
	TasksCompleted   int        `json:"tasks_completed"`
	TasksFailed      int        `json:"tasks_failed"`
	PerformanceScore float64    `json:"performance_score"`
	TemplateID       string     `json:"template_id,omitempty"`
	LastTaskAt       *time.Time `json:"last_task_at,omitempty"`
	SuspendedAt      *time.Time `json:"suspended_at,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Channel returns the transcript channel backing this agent.
func (a *Subagent) Channel() string {
	return "subagent:" + a.AgentID
}

// CreateSubagent inserts a new active sub-agent with its tool grants and
// preferred model tier.
func (db *DB) CreateSubagent(userID, name, roleDescription string, keywords, toolsGranted []string, tierPreference, templateID string) (*Subagent, error) {
	if toolsGranted == nil {
		toolsGranted = []string{}
	}
	a := &Subagent{
		AgentID:         uuid.New().String(),
		UserID:          userID,
		Name:            name,
		RoleDescription: roleDescription,
		Keywords:        keywords,
		ToolsGranted:    toolsGranted,
		TierPreference:  tierPreference,
		Status:          AgentActive,
		TemplateID:      templateID,
		CreatedAt:       time.Now(),
	}
	kw, err := json.Marshal(keywords)
	if err != nil {
		return nil, err
	}
	tg, err := json.Marshal(toolsGranted)
	if err != nil {
		return nil, err
	}
	var tmpl *string
	if templateID != "" {
		tmpl = &templateID
	}
	_, err = db.Exec(
		"INSERT INTO subagents (agent_id, user_id, name, role_description, keywords, tools_granted, tier_preference, status, template_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		a.AgentID, a.UserID, a.Name, a.RoleDescription, string(kw), string(tg), a.TierPreference, a.Status, tmpl, a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetSubagent fetches one sub-agent by id.
func (db *DB) GetSubagent(agentID string) (*Subagent, error) {
	row := db.QueryRow(subagentColumns+" WHERE agent_id = ?", agentID)
	a, err := scanSubagent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListSubagents returns a user's sub-agents, optionally filtered by status,
// newest activity first.
func (db *DB) ListSubagents(userID string, statuses ...string) ([]*Subagent, error) {
	query := subagentColumns + " WHERE user_id = ?"
	args := []any{userID}
	if len(statuses) > 0 {
		query += " AND status IN ("
		for i, s := range statuses {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, s)
		}
		query += ")"
	}
	query += " ORDER BY COALESCE(last_task_at, created_at) DESC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Subagent
	for rows.Next() {
		a, err := scanSubagent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountActiveSubagents counts a user's active sub-agents.
func (db *DB) CountActiveSubagents(userID string) (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM subagents WHERE user_id = ? AND status = ?", userID, AgentActive).Scan(&n)
	return n, err
}

// SetSubagentStatus transitions a sub-agent's lifecycle state, stamping or
// clearing the matching timestamp.
func (db *DB) SetSubagentStatus(agentID, status string) error {
	now := time.Now()
	var query string
	switch status {
	case AgentSuspended:
		query = "UPDATE subagents SET status = ?, suspended_at = ? WHERE agent_id = ?"
	case AgentSoftDeleted:
		query = "UPDATE subagents SET status = ?, deleted_at = ? WHERE agent_id = ?"
	case AgentActive:
		query = "UPDATE subagents SET status = ?, suspended_at = NULL, deleted_at = NULL, last_task_at = ? WHERE agent_id = ?"
	default:
		query = "UPDATE subagents SET status = ?, last_task_at = ? WHERE agent_id = ?"
	}
	result, err := db.Exec(query, status, now, agentID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTaskResult updates counters and the derived performance score in
// one transaction so concurrent completions never clobber each other.
func (db *DB) RecordTaskResult(agentID string, success bool) (*Subagent, error) {
	var out *Subagent
	err := db.WithTx(func(tx *Tx) error {
		row := tx.QueryRow("SELECT tasks_completed, tasks_failed FROM subagents WHERE agent_id = ?", agentID)
		var completed, failed int
		if err := row.Scan(&completed, &failed); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if success {
			completed++
		} else {
			failed++
		}
		score := 0.0
		if total := completed + failed; total > 0 {
			score = float64(completed) / float64(total)
		}
		_, err := tx.Exec(
			"UPDATE subagents SET tasks_completed = ?, tasks_failed = ?, performance_score = ?, last_task_at = ? WHERE agent_id = ?",
			completed, failed, score, time.Now(), agentID,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	out, err = db.GetSubagent(agentID)
	return out, err
}

// SubagentsByStatus returns every sub-agent in a state, across users.
func (db *DB) SubagentsByStatus(status string) ([]*Subagent, error) {
	rows, err := db.Query(subagentColumns+" WHERE status = ?", status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Subagent
	for rows.Next() {
		a, err := scanSubagent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetSubagentTemplate links an agent to the template distilled from it.
func (db *DB) SetSubagentTemplate(agentID, templateID string) error {
	result, err := db.Exec("UPDATE subagents SET template_id = ? WHERE agent_id = ?", templateID, agentID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SubagentsInState returns sub-agents whose state timestamp is older than
// cutoff. Drives the retention sweep.
func (db *DB) SubagentsInState(status string, cutoff time.Time) ([]*Subagent, error) {
	col := "suspended_at"
	if status == AgentSoftDeleted {
		col = "deleted_at"
	}
	rows, err := db.Query(subagentColumns+" WHERE status = ? AND "+col+" IS NOT NULL AND "+col+" < ?", status, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Subagent
	for rows.Next() {
		a, err := scanSubagent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteSubagent hard-deletes the roster row and its transcript channel.
func (db *DB) DeleteSubagent(agentID string) error {
	return db.WithTx(func(tx *Tx) error {
		if _, err := tx.Exec("DELETE FROM messages WHERE channel = ?", "subagent:"+agentID); err != nil {
			return err
		}
		result, err := tx.Exec("DELETE FROM subagents WHERE agent_id = ?", agentID)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const subagentColumns = "SELECT agent_id, user_id, name, role_description, keywords, tools_granted, tier_preference, status, tasks_completed, tasks_failed, performance_score, template_id, last_task_at, suspended_at, deleted_at, created_at FROM subagents"

func scanSubagent(row rowScanner) (*Subagent, error) {
	var a Subagent
	var kw, tg string
	var tmpl sql.NullString
	var lastTask, suspended, deleted sql.NullTime

	if err := row.Scan(&a.AgentID, &a.UserID, &a.Name, &a.RoleDescription, &kw, &tg, &a.TierPreference, &a.Status,
		&a.TasksCompleted, &a.TasksFailed, &a.PerformanceScore, &tmpl, &lastTask, &suspended, &deleted, &a.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(kw), &a.Keywords); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tg), &a.ToolsGranted); err != nil {
		return nil, err
	}
	if tmpl.Valid {
		a.TemplateID = tmpl.String
	}
	if lastTask.Valid {
		t := lastTask.Time
		a.LastTaskAt = &t
	}
	if suspended.Valid {
		t := suspended.Time
		a.SuspendedAt = &t
	}
	if deleted.Valid {
		t := deleted.Time
		a.DeletedAt = &t
	}
	return &a, nil
}
