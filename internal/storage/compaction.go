package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Compaction tiers. L1 folds raw turns, L2 folds L1 summaries.
const (
	TierL1 = "l1"
	TierL2 = "l2"
)

// Summary is one stored compaction result for a channel.
type Summary struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Tier      string    `json:"tier"`
	Content   string    `json:"content"`
	Span      int       `json:"span"` // rows folded into this summary
	CreatedAt time.Time `json:"created_at"`
}

// SaveSummary stores a compaction result.
func (db *DB) SaveSummary(channel, tier, content string, span int) (*Summary, error) {
	s := &Summary{
		ID:        uuid.New().String(),
		Channel:   channel,
		Tier:      tier,
		Content:   content,
		Span:      span,
		CreatedAt: time.Now(),
	}
	_, err := db.Exec(
		"INSERT INTO compactions (id, channel, tier, content, span, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		s.ID, s.Channel, s.Tier, s.Content, s.Span, s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// LatestSummary returns the newest summary of a tier for a channel.
func (db *DB) LatestSummary(channel, tier string) (*Summary, error) {
	var s Summary
	err := db.QueryRow(
		"SELECT id, channel, tier, content, span, created_at FROM compactions WHERE channel = ? AND tier = ? ORDER BY created_at DESC, id DESC LIMIT 1",
		channel, tier,
	).Scan(&s.ID, &s.Channel, &s.Tier, &s.Content, &s.Span, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SummariesByTier returns all summaries of a tier for a channel, oldest
// first.
func (db *DB) SummariesByTier(channel, tier string) ([]*Summary, error) {
	rows, err := db.Query(
		"SELECT id, channel, tier, content, span, created_at FROM compactions WHERE channel = ? AND tier = ? ORDER BY created_at ASC, id ASC",
		channel, tier,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.Channel, &s.Tier, &s.Content, &s.Span, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// CountSummaries counts summaries of a tier for a channel.
func (db *DB) CountSummaries(channel, tier string) (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM compactions WHERE channel = ? AND tier = ?", channel, tier).Scan(&n)
	return n, err
}

// DeleteSummaries removes the given summaries after they have been folded
// into a higher tier.
func (db *DB) DeleteSummaries(ids []string) error {
	return db.WithTx(func(tx *Tx) error {
		for _, id := range ids {
			if _, err := tx.Exec("DELETE FROM compactions WHERE id = ?", id); err != nil {
				return err
			}
		}
		return nil
	})
}
