package storage

import (
	"database/sql"
	"errors"
	"time"
)

// Background task states.
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// BackgroundTask is one persisted background delegation.
type BackgroundTask struct {
	TaskID      string     `json:"task_id"`
	UserID      string     `json:"user_id"`
	AgentID     string     `json:"agent_id,omitempty"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// CreateBackgroundTask inserts a running task row.
func (db *DB) CreateBackgroundTask(taskID, userID, agentID, description string) (*BackgroundTask, error) {
	t := &BackgroundTask{
		TaskID:      taskID,
		UserID:      userID,
		AgentID:     agentID,
		Description: description,
		Status:      TaskRunning,
		StartedAt:   time.Now(),
	}
	var agent *string
	if agentID != "" {
		agent = &agentID
	}
	_, err := db.Exec(
		"INSERT INTO background_tasks (task_id, user_id, agent_id, description, status, started_at) VALUES (?, ?, ?, ?, ?, ?)",
		t.TaskID, t.UserID, agent, t.Description, t.Status, t.StartedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetBackgroundTask fetches one task.
func (db *DB) GetBackgroundTask(taskID string) (*BackgroundTask, error) {
	row := db.QueryRow(bgTaskColumns+" WHERE task_id = ?", taskID)
	t, err := scanBackgroundTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FinishBackgroundTask records the terminal state of a task. Finishing a
// task that already finished is a no-op so cancel and natural completion
// cannot double-write.
func (db *DB) FinishBackgroundTask(taskID, status, result, errMsg string) (bool, error) {
	res, err := db.Exec(
		"UPDATE background_tasks SET status = ?, result = ?, error = ?, finished_at = ? WHERE task_id = ? AND status = ?",
		status, result, errMsg, time.Now(), taskID, TaskRunning,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListBackgroundTasks returns a user's tasks, newest first.
func (db *DB) ListBackgroundTasks(userID string, limit int) ([]*BackgroundTask, error) {
	query := bgTaskColumns + " WHERE user_id = ? ORDER BY started_at DESC"
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BackgroundTask
	for rows.Next() {
		t, err := scanBackgroundTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UndeliveredTasks returns finished tasks whose results have not yet been
// surfaced to the user, oldest first.
func (db *DB) UndeliveredTasks(userID string) ([]*BackgroundTask, error) {
	rows, err := db.Query(
		bgTaskColumns+" WHERE user_id = ? AND status IN (?, ?) AND delivered_at IS NULL ORDER BY finished_at ASC",
		userID, TaskCompleted, TaskFailed,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BackgroundTask
	for rows.Next() {
		t, err := scanBackgroundTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTaskDelivered stamps a task as delivered. Returns false when it was
// already delivered, so results surface exactly once.
func (db *DB) MarkTaskDelivered(taskID string) (bool, error) {
	res, err := db.Exec(
		"UPDATE background_tasks SET delivered_at = ? WHERE task_id = ? AND delivered_at IS NULL",
		time.Now(), taskID,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// RunningTasksOlderThan returns running tasks started before cutoff; these
// are presumed orphaned after a crash.
func (db *DB) RunningTasksOlderThan(cutoff time.Time) ([]*BackgroundTask, error) {
	rows, err := db.Query(bgTaskColumns+" WHERE status = ? AND started_at < ?", TaskRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BackgroundTask
	for rows.Next() {
		t, err := scanBackgroundTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RunningTasksForAgent reports whether an agent has at least one task in
// flight.
func (db *DB) RunningTasksForAgent(agentID string) (bool, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM background_tasks WHERE agent_id = ? AND status = ?", agentID, TaskRunning).Scan(&n)
	return n > 0, err
}

const bgTaskColumns = "SELECT task_id, user_id, agent_id, description, status, result, error, started_at, finished_at, delivered_at FROM background_tasks"

func scanBackgroundTask(row rowScanner) (*BackgroundTask, error) {
	var t BackgroundTask
	var agent, result, errMsg sql.NullString
	var finished, delivered sql.NullTime

	if err := row.Scan(&t.TaskID, &t.UserID, &agent, &t.Description, &t.Status, &result, &errMsg, &t.StartedAt, &finished, &delivered); err != nil {
		return nil, err
	}
	if agent.Valid {
		t.AgentID = agent.String
	}
	if result.Valid {
		t.Result = result.String
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	if finished.Valid {
		ft := finished.Time
		t.FinishedAt = &ft
	}
	if delivered.Valid {
		dt := delivered.Time
		t.DeliveredAt = &dt
	}
	return &t, nil
}
