package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ToolCall is a persisted tool invocation attached to an assistant message.
type ToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function json.RawMessage `json:"function"`
}

// GetName returns the called tool's name.
func (tc *ToolCall) GetName() string {
	if len(tc.Function) == 0 {
		return ""
	}
	var fn struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(tc.Function, &fn); err != nil {
		return ""
	}
	return fn.Name
}

// GetArguments returns the raw argument string of the tool call.
func (tc *ToolCall) GetArguments() string {
	if len(tc.Function) == 0 {
		return ""
	}
	var fn struct {
		Arguments string `json:"arguments"`
	}
	if err := json.Unmarshal(tc.Function, &fn); err != nil {
		return ""
	}
	return fn.Arguments
}

// Message is one transcript row. Channel partitions history: "owner:main"
// for the owner surface, "friend:<id>" per guest, "subagent:<id>" per
// delegated agent.
type Message struct {
	ID         string     `json:"id"`
	Channel    string     `json:"channel"`
	UserID     string     `json:"user_id"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AppendMessage appends one message to a channel.
func (db *DB) AppendMessage(channel, userID, role, content string, toolCalls []ToolCall, toolCallID string) (*Message, error) {
	id := uuid.New().String()
	now := time.Now()

	var toolCallsJSON *string
	if len(toolCalls) > 0 {
		data, err := json.Marshal(toolCalls)
		if err != nil {
			return nil, err
		}
		s := string(data)
		toolCallsJSON = &s
	}

	var toolCallIDPtr *string
	if toolCallID != "" {
		toolCallIDPtr = &toolCallID
	}

	_, err := db.Exec(
		"INSERT INTO messages (id, channel, user_id, role, content, tool_calls, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		id, channel, userID, role, content, toolCallsJSON, toolCallIDPtr, now,
	)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:         id,
		Channel:    channel,
		UserID:     userID,
		Role:       role,
		Content:    content,
		ToolCalls:  toolCalls,
		ToolCallID: toolCallID,
		CreatedAt:  now,
	}, nil
}

// RecentMessages returns the newest limit messages of a channel in
// chronological order. limit <= 0 returns the whole channel.
func (db *DB) RecentMessages(channel string, limit int) ([]*Message, error) {
	query := "SELECT id, channel, user_id, role, content, tool_calls, tool_call_id, created_at FROM messages WHERE channel = ? ORDER BY created_at DESC, id DESC"
	args := []any{channel}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse into chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetMessage fetches one message by id.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(
		"SELECT id, channel, user_id, role, content, tool_calls, tool_call_id, created_at FROM messages WHERE id = ?",
		id,
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CountMessages counts the messages in a channel.
func (db *DB) CountMessages(channel string) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM messages WHERE channel = ?", channel).Scan(&count)
	return count, err
}

// DeleteChannel removes every message of a channel. Used when a sub-agent
// is killed and its transcript purged.
func (db *DB) DeleteChannel(channel string) (int64, error) {
	result, err := db.Exec("DELETE FROM messages WHERE channel = ?", channel)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PruneMessages deletes the oldest rows of a channel, keeping keep newest.
// Called after a compaction pass has folded them into a summary.
func (db *DB) PruneMessages(channel string, keep int) (int64, error) {
	result, err := db.Exec(`
		DELETE FROM messages WHERE channel = ? AND id NOT IN (
			SELECT id FROM messages WHERE channel = ? ORDER BY created_at DESC, id DESC LIMIT ?
		)`, channel, channel, keep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var toolCallsJSON, toolCallID sql.NullString

	if err := row.Scan(&m.ID, &m.Channel, &m.UserID, &m.Role, &m.Content, &toolCallsJSON, &toolCallID, &m.CreatedAt); err != nil {
		return nil, err
	}
	if toolCallsJSON.Valid {
		if err := json.Unmarshal([]byte(toolCallsJSON.String), &m.ToolCalls); err != nil {
			return nil, err
		}
	}
	if toolCallID.Valid {
		m.ToolCallID = toolCallID.String
	}
	return &m, nil
}
