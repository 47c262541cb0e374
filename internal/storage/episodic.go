package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EpisodicRecord is one stored memory.
type EpisodicRecord struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Content        string     `json:"content"`
	Category       string     `json:"category"`
	EventType      string     `json:"event_type"`
	Importance     float64    `json:"importance"`
	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// EpisodicHit pairs a record with its raw FTS rank (bm25; lower is better).
type EpisodicHit struct {
	EpisodicRecord
	Rank float64 `json:"rank"`
}

// InsertEpisodic stores a memory. The FTS index follows via triggers.
func (db *DB) InsertEpisodic(userID, content, category, eventType string, importance float64) (*EpisodicRecord, error) {
	r := &EpisodicRecord{
		ID:         uuid.New().String(),
		UserID:     userID,
		Content:    content,
		Category:   category,
		EventType:  eventType,
		Importance: importance,
		CreatedAt:  time.Now(),
	}
	_, err := db.Exec(
		"INSERT INTO episodic (id, user_id, content, category, event_type, importance, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.UserID, r.Content, r.Category, r.EventType, r.Importance, r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetEpisodic fetches one memory by id.
func (db *DB) GetEpisodic(id string) (*EpisodicRecord, error) {
	row := db.QueryRow(episodicColumns+" WHERE id = ?", id)
	r, err := scanEpisodic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SearchEpisodic runs an FTS5 match for a user and returns hits with their
// bm25 rank. The caller blends rank with recency and importance.
func (db *DB) SearchEpisodic(userID, match string, limit int) ([]*EpisodicHit, error) {
	rows, err := db.Query(`
		SELECT e.id, e.user_id, e.content, e.category, e.event_type, e.importance, e.access_count, e.last_accessed_at, e.created_at,
		       bm25(episodic_fts) AS rank
		FROM episodic_fts f
		JOIN episodic e ON e.rowid = f.rowid
		WHERE episodic_fts MATCH ? AND e.user_id = ?
		ORDER BY rank
		LIMIT ?`, match, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EpisodicHit
	for rows.Next() {
		var h EpisodicHit
		var lastAccessed sql.NullTime
		if err := rows.Scan(&h.ID, &h.UserID, &h.Content, &h.Category, &h.EventType, &h.Importance,
			&h.AccessCount, &lastAccessed, &h.CreatedAt, &h.Rank); err != nil {
			return nil, err
		}
		if lastAccessed.Valid {
			t := lastAccessed.Time
			h.LastAccessedAt = &t
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// ListEpisodic returns all of a user's memories, newest first. Feeds the
// consolidation pass.
func (db *DB) ListEpisodic(userID string) ([]*EpisodicRecord, error) {
	rows, err := db.Query(episodicColumns+" WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EpisodicRecord
	for rows.Next() {
		r, err := scanEpisodic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TopEpisodic returns a user's highest-importance memories, ties broken by
// recency.
func (db *DB) TopEpisodic(userID string, limit int) ([]*EpisodicRecord, error) {
	rows, err := db.Query(episodicColumns+" WHERE user_id = ? ORDER BY importance DESC, created_at DESC LIMIT ?", userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EpisodicRecord
	for rows.Next() {
		r, err := scanEpisodic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TouchEpisodic reinforces memories: bumps access count and the accessed
// timestamp.
func (db *DB) TouchEpisodic(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithTx(func(tx *Tx) error {
		now := time.Now()
		for _, id := range ids {
			if _, err := tx.Exec(
				"UPDATE episodic SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?",
				now, id,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateEpisodic rewrites content and importance of a merged memory.
func (db *DB) UpdateEpisodic(id, content string, importance float64) error {
	result, err := db.Exec("UPDATE episodic SET content = ?, importance = ? WHERE id = ?", content, importance, id)
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

// MergeEpisodic folds src into dst: dst keeps its content, takes the higher
// importance and the summed access counts, and src is deleted.
func (db *DB) MergeEpisodic(dstID, srcID string) error {
	return db.WithTx(func(tx *Tx) error {
		result, err := tx.Exec(`
			UPDATE episodic SET
				importance = MAX(importance, (SELECT importance FROM episodic WHERE id = ?)),
				access_count = access_count + (SELECT access_count FROM episodic WHERE id = ?)
			WHERE id = ? AND EXISTS (SELECT 1 FROM episodic WHERE id = ?)`,
			srcID, srcID, dstID, srcID)
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
		_, err = tx.Exec("DELETE FROM episodic WHERE id = ?", srcID)
		return err
	})
}

// DeleteEpisodic removes memories by id.
func (db *DB) DeleteEpisodic(ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	err := db.WithTx(func(tx *Tx) error {
		for _, id := range ids {
			res, err := tx.Exec("DELETE FROM episodic WHERE id = ?", id)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

// DecayEpisodic multiplies importance by factor for memories untouched
// since cutoff. Returns the number of rows decayed.
func (db *DB) DecayEpisodic(userID string, cutoff time.Time, factor float64) (int64, error) {
	result, err := db.Exec(`
		UPDATE episodic SET importance = importance * ?
		WHERE user_id = ? AND COALESCE(last_accessed_at, created_at) < ?`,
		factor, userID, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PruneEpisodic deletes stale low-value memories: importance below the
// floor, never accessed, older than cutoff.
func (db *DB) PruneEpisodic(userID string, importanceFloor float64, cutoff time.Time) (int64, error) {
	result, err := db.Exec(
		"DELETE FROM episodic WHERE user_id = ? AND importance < ? AND access_count = 0 AND created_at < ?",
		userID, importanceFloor, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const episodicColumns = "SELECT id, user_id, content, category, event_type, importance, access_count, last_accessed_at, created_at FROM episodic"

func scanEpisodic(row rowScanner) (*EpisodicRecord, error) {
	var r EpisodicRecord
	var lastAccessed sql.NullTime
	if err := row.Scan(&r.ID, &r.UserID, &r.Content, &r.Category, &r.EventType, &r.Importance,
		&r.AccessCount, &lastAccessed, &r.CreatedAt); err != nil {
		return nil, err
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		r.LastAccessedAt = &t
	}
	return &r, nil
}
