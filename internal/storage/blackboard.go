package storage

import (
	"database/sql"
	"errors"
	"time"
)

// The blackboard holds learned preferences and other small facts as
// per-user dotted keys ("style.tone", "schedule.wake_hour").

// BlackboardSet writes a key for a user.
func (db *DB) BlackboardSet(userID, key, value string) error {
	_, err := db.Exec(
		"INSERT OR REPLACE INTO blackboard (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)",
		userID, key, value, time.Now(),
	)
	return err
}

// BlackboardGet reads a key for a user.
func (db *DB) BlackboardGet(userID, key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM blackboard WHERE user_id = ? AND key = ?", userID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// BlackboardDelete removes a key for a user.
func (db *DB) BlackboardDelete(userID, key string) error {
	result, err := db.Exec("DELETE FROM blackboard WHERE user_id = ? AND key = ?", userID, key)
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

// BlackboardList returns a user's keys under a dotted prefix.
func (db *DB) BlackboardList(userID, prefix string) (map[string]string, error) {
	rows, err := db.Query(
		"SELECT key, value FROM blackboard WHERE user_id = ? AND key LIKE ? || '%' ORDER BY key",
		userID, prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
