package store

import "database/sql"

// IncrementUnread bumps a participant's unread counter by one as a single
// atomic UPDATE. Concurrent increments must not lose updates, so the
// counter is never read-modify-written client-side.
func (db *DB) IncrementUnread(chatID, userID string) (*Participant, error) {
	res, err := db.Exec(`
		UPDATE chat_participants SET unread_count = unread_count + 1
		WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, sql.ErrNoRows
	}
	return db.GetParticipant(chatID, userID)
}

// ResetUnread sets a participant's unread counter to zero. Idempotent.
func (db *DB) ResetUnread(chatID, userID string) (*Participant, error) {
	_, err := db.Exec(`
		UPDATE chat_participants SET unread_count = 0
		WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return nil, err
	}
	return db.GetParticipant(chatID, userID)
}

// GetParticipant returns one membership row, or nil if absent.
func (db *DB) GetParticipant(chatID, userID string) (*Participant, error) {
	var p Participant
	err := db.QueryRow(`
		SELECT chat_id, user_id, unread_count
		FROM chat_participants WHERE chat_id = ? AND user_id = ?`, chatID, userID).
		Scan(&p.ChatID, &p.UserID, &p.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListParticipants returns all membership rows for a chat.
func (db *DB) ListParticipants(chatID string) ([]Participant, error) {
	rows, err := db.Query(`
		SELECT chat_id, user_id, unread_count
		FROM chat_participants WHERE chat_id = ? ORDER BY user_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var parts []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ChatID, &p.UserID, &p.UnreadCount); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// TotalUnread sums unread counters across all of a user's chats, for the
// global badge.
func (db *DB) TotalUnread(userID string) (int, error) {
	var total int
	err := db.QueryRow(`
		SELECT COALESCE(SUM(unread_count), 0)
		FROM chat_participants WHERE user_id = ?`, userID).Scan(&total)
	return total, err
}
