package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTemplateCapReached indicates the per-user template cap is full.
var ErrTemplateCapReached = errors.New("template cap reached")

// MaxTemplatesPerUser bounds stored role templates per user.
const MaxTemplatesPerUser = 50

// AgentTemplate is a reusable sub-agent role definition distilled from
// well-performing agents.
type AgentTemplate struct {
	TemplateID      string     `json:"template_id"`
	UserID          string     `json:"user_id"`
	Name            string     `json:"name"`
	RoleDescription string     `json:"role_description"`
	Keywords        []string   `json:"keywords"`
	UsageCount      int        `json:"usage_count"`
	AvgPerformance  float64    `json:"avg_performance"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// CreateTemplate inserts a template, enforcing the per-user cap.
func (db *DB) CreateTemplate(userID, name, roleDescription string, keywords []string) (*AgentTemplate, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM agent_templates WHERE user_id = ?", userID).Scan(&n); err != nil {
		return nil, err
	}
	if n >= MaxTemplatesPerUser {
		return nil, ErrTemplateCapReached
	}

	t := &AgentTemplate{
		TemplateID:      uuid.New().String(),
		UserID:          userID,
		Name:            name,
		RoleDescription: roleDescription,
		Keywords:        keywords,
		CreatedAt:       time.Now(),
	}
	kw, err := json.Marshal(keywords)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(
		"INSERT INTO agent_templates (template_id, user_id, name, role_description, keywords, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		t.TemplateID, t.UserID, t.Name, t.RoleDescription, string(kw), t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTemplate fetches one template.
func (db *DB) GetTemplate(templateID string) (*AgentTemplate, error) {
	row := db.QueryRow(templateColumns+" WHERE template_id = ?", templateID)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTemplates returns a user's templates, most recently used first.
func (db *DB) ListTemplates(userID string) ([]*AgentTemplate, error) {
	rows, err := db.Query(templateColumns+" WHERE user_id = ? ORDER BY COALESCE(last_used_at, created_at) DESC", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AgentTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordTemplateUsage bumps usage and folds score into the rolling average
// atomically.
func (db *DB) RecordTemplateUsage(templateID string, score float64) error {
	return db.WithTx(func(tx *Tx) error {
		var count int
		var avg float64
		err := tx.QueryRow("SELECT usage_count, avg_performance FROM agent_templates WHERE template_id = ?", templateID).
			Scan(&count, &avg)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		newAvg := (avg*float64(count) + score) / float64(count+1)
		_, err = tx.Exec(
			"UPDATE agent_templates SET usage_count = ?, avg_performance = ?, last_used_at = ? WHERE template_id = ?",
			count+1, newAvg, time.Now(), templateID,
		)
		return err
	})
}

// UpdateTemplate rewrites the role definition of an existing template.
func (db *DB) UpdateTemplate(templateID, name, roleDescription string, keywords []string) error {
	kw, err := json.Marshal(keywords)
	if err != nil {
		return err
	}
	result, err := db.Exec(
		"UPDATE agent_templates SET name = ?, role_description = ?, keywords = ? WHERE template_id = ?",
		name, roleDescription, string(kw), templateID,
	)
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

// DeleteTemplate removes a template.
func (db *DB) DeleteTemplate(templateID string) error {
	result, err := db.Exec("DELETE FROM agent_templates WHERE template_id = ?", templateID)
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

const templateColumns = "SELECT template_id, user_id, name, role_description, keywords, usage_count, avg_performance, last_used_at, created_at FROM agent_templates"

func scanTemplate(row rowScanner) (*AgentTemplate, error) {
	var t AgentTemplate
	var kw string
	var lastUsed sql.NullTime

	if err := row.Scan(&t.TemplateID, &t.UserID, &t.Name, &t.RoleDescription, &kw, &t.UsageCount, &t.AvgPerformance, &lastUsed, &t.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(kw), &t.Keywords); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		lt := lastUsed.Time
		t.LastUsedAt = &lt
	}
	return &t, nil
}
