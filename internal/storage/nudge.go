package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NudgeRecord is one queued proactive notification. Rows survive restarts
// so a failed delivery is retried rather than lost.
type NudgeRecord struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Category     string            `json:"category"`
	Content      string            `json:"content"`
	Priority     string            `json:"priority"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	DeliverAfter time.Time         `json:"deliver_after"`
	QueuedAt     time.Time         `json:"queued_at"`
	DeliveredAt  *time.Time        `json:"delivered_at,omitempty"`
}

// EnqueueNudge persists a pending nudge. A zero deliverAfter means deliver
// at the next flush.
func (db *DB) EnqueueNudge(userID, category, content, priority string, metadata map[string]string, deliverAfter time.Time) (*NudgeRecord, error) {
	now := time.Now()
	if deliverAfter.IsZero() {
		deliverAfter = now
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	n := &NudgeRecord{
		ID:           uuid.New().String(),
		UserID:       userID,
		Category:     category,
		Content:      content,
		Priority:     priority,
		Metadata:     metadata,
		DeliverAfter: deliverAfter,
		QueuedAt:     now,
	}
	_, err = db.Exec(
		"INSERT INTO nudges (id, user_id, category, content, priority, metadata, deliver_after, queued_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		n.ID, n.UserID, n.Category, n.Content, n.Priority, string(meta), n.DeliverAfter, n.QueuedAt,
	)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// PendingNudges returns a user's undelivered nudges, oldest first.
func (db *DB) PendingNudges(userID string) ([]*NudgeRecord, error) {
	rows, err := db.Query(
		"SELECT id, user_id, category, content, priority, metadata, deliver_after, queued_at, delivered_at FROM nudges WHERE user_id = ? AND delivered_at IS NULL ORDER BY queued_at ASC",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNudges(rows)
}

// AllPendingNudges returns every undelivered nudge across users, oldest
// first. Backs the periodic flush.
func (db *DB) AllPendingNudges() ([]*NudgeRecord, error) {
	rows, err := db.Query(
		"SELECT id, user_id, category, content, priority, metadata, deliver_after, queued_at, delivered_at FROM nudges WHERE delivered_at IS NULL ORDER BY queued_at ASC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNudges(rows)
}

func scanNudges(rows *sql.Rows) ([]*NudgeRecord, error) {
	var out []*NudgeRecord
	for rows.Next() {
		var n NudgeRecord
		var meta string
		var delivered sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &n.Category, &n.Content, &n.Priority, &meta, &n.DeliverAfter, &n.QueuedAt, &delivered); err != nil {
			return nil, err
		}
		if delivered.Valid {
			t := delivered.Time
			n.DeliveredAt = &t
		}
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &n.Metadata)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkNudgeDelivered stamps a nudge delivered. Returns false if it already
// was.
func (db *DB) MarkNudgeDelivered(id string) (bool, error) {
	result, err := db.Exec("UPDATE nudges SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL", time.Now(), id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeliveredNudgeCountSince counts deliveries to a user in the window.
// Backs the per-hour delivery cap across restarts.
func (db *DB) DeliveredNudgeCountSince(userID string, since time.Time) (int, error) {
	var n int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM nudges WHERE user_id = ? AND delivered_at IS NOT NULL AND delivered_at > ?",
		userID, since,
	).Scan(&n)
	return n, err
}

// PruneNudges deletes delivered nudges older than cutoff.
func (db *DB) PruneNudges(cutoff time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM nudges WHERE delivered_at IS NOT NULL AND delivered_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
