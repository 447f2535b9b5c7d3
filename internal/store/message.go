package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// InsertMessage stores a new message. The store assigns the id and
// timestamp; rows are immutable once written.
func (db *DB) InsertMessage(chatID, senderID, content string) (*Message, error) {
	m := &Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}
	_, err := db.Exec(`
		INSERT INTO messages (id, chat_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns messages for a chat ascending by (created_at, id)
// using keyset pagination. A zero cursor starts from the beginning.
func (db *DB) ListMessages(chatID string, after Cursor, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, chat_id, sender_id, content, created_at
		FROM messages
		WHERE chat_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))
		ORDER BY created_at, id
		LIMIT ?`, chatID, after.CreatedAt, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LatestMessage returns the most recent message in a chat, or nil for a
// chat with no messages yet.
func (db *DB) LatestMessage(chatID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, chat_id, sender_id, content, created_at
		FROM messages WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, chatID).
		Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage returns a message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, chat_id, sender_id, content, created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MessageCount returns the number of stored messages.
func (db *DB) MessageCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// ChatCount returns the number of stored chats.
func (db *DB) ChatCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&n)
	return n, err
}
