package storage

import (
	"time"

	"github.com/google/uuid"
)

// TaskMetric is one completed-task observation used for timeout estimation.
type TaskMetric struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Category   string    `json:"category"`
	DurationMs int64     `json:"duration_ms"`
	Iterations int       `json:"iterations"`
	Success    bool      `json:"success"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordTaskMetric stores one observation.
func (db *DB) RecordTaskMetric(userID, category string, durationMs int64, iterations int, success bool) error {
	_, err := db.Exec(
		"INSERT INTO task_metrics (id, user_id, category, duration_ms, iterations, success, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		uuid.New().String(), userID, category, durationMs, iterations, success, time.Now(),
	)
	return err
}

// MetricsSince returns all observations for a category newer than cutoff,
// sorted by duration ascending so percentile math is a direct index.
func (db *DB) MetricsSince(category string, cutoff time.Time) ([]*TaskMetric, error) {
	rows, err := db.Query(
		"SELECT id, user_id, category, duration_ms, iterations, success, created_at FROM task_metrics WHERE category = ? AND created_at > ? ORDER BY duration_ms ASC",
		category, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TaskMetric
	for rows.Next() {
		var m TaskMetric
		if err := rows.Scan(&m.ID, &m.UserID, &m.Category, &m.DurationMs, &m.Iterations, &m.Success, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// PruneMetrics deletes observations older than cutoff.
func (db *DB) PruneMetrics(cutoff time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM task_metrics WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
