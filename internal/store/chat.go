package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrPairExists is returned by CreateChat when a chat for the same pair key
// already exists. Callers re-look-up and use the winner's chat.
var ErrPairExists = errors.New("chat already exists for pair")

// PairKey normalizes an unordered user pair into the unique key stored on
// the chat row.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// SplitPairKey returns the two user ids encoded in a pair key.
func SplitPairKey(key string) (string, string) {
	a, b, _ := strings.Cut(key, ":")
	return a, b
}

// CreateChat inserts a chat row for the given pair key.
func (db *DB) CreateChat(pairKey string) (*Chat, error) {
	c := &Chat{
		ID:        uuid.New().String(),
		PairKey:   pairKey,
		CreatedAt: time.Now().UnixMilli(),
	}
	_, err := db.Exec(`
		INSERT INTO chats (id, pair_key, created_at) VALUES (?, ?, ?)`,
		c.ID, c.PairKey, c.CreatedAt)
	if isUniqueViolation(err) {
		return nil, ErrPairExists
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetChat returns a chat by id, or nil if absent.
func (db *DB) GetChat(id string) (*Chat, error) {
	return db.scanChat(db.QueryRow(`
		SELECT id, pair_key, created_at FROM chats WHERE id = ?`, id))
}

// GetChatByPairKey returns the chat for an unordered user pair, or nil.
func (db *DB) GetChatByPairKey(pairKey string) (*Chat, error) {
	return db.scanChat(db.QueryRow(`
		SELECT id, pair_key, created_at FROM chats WHERE pair_key = ?`, pairKey))
}

// DeleteChat removes a chat; participants and messages cascade.
func (db *DB) DeleteChat(id string) error {
	_, err := db.Exec(`DELETE FROM chats WHERE id = ?`, id)
	return err
}

// AddParticipants attaches users to a chat in one transaction with
// unread_count 0. Either all rows are inserted or none.
func (db *DB) AddParticipants(chatID string, userIDs []string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, uid := range userIDs {
		if _, err := tx.Exec(`
			INSERT INTO chat_participants (chat_id, user_id, unread_count)
			VALUES (?, ?, 0)`, chatID, uid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListChatsForUser returns every chat the user participates in, each with
// its full participant set.
func (db *DB) ListChatsForUser(userID string) ([]ChatWithParticipants, error) {
	rows, err := db.Query(`
		SELECT c.id, c.pair_key, c.created_at
		FROM chats c
		JOIN chat_participants cp ON cp.chat_id = c.id
		WHERE cp.user_id = ?
		ORDER BY c.created_at, c.id`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []ChatWithParticipants
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.PairKey, &c.CreatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, ChatWithParticipants{Chat: c})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range chats {
		parts, err := db.ListParticipants(chats[i].Chat.ID)
		if err != nil {
			return nil, err
		}
		chats[i].Participants = parts
	}
	return chats, nil
}

func (db *DB) scanChat(row *sql.Row) (*Chat, error) {
	var c Chat
	err := row.Scan(&c.ID, &c.PairKey, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
