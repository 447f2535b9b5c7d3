package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	sqlite3driver "github.com/mattn/go-sqlite3"
)

// ErrUsernameTaken is returned by CreateUser when the username is already registered.
var ErrUsernameTaken = errors.New("username taken")

// CreateUser inserts a new account and returns the stored row.
func (db *DB) CreateUser(username, avatarURL, passwordHash string) (*User, error) {
	u := &User{
		ID:           uuid.New().String(),
		Username:     username,
		AvatarURL:    avatarURL,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UnixMilli(),
	}
	_, err := db.Exec(`
		INSERT INTO users (id, username, avatar_url, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.AvatarURL, u.PasswordHash, u.CreatedAt)
	if isUniqueViolation(err) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser returns a user by id, or nil if absent.
func (db *DB) GetUser(id string) (*User, error) {
	return db.scanUser(db.QueryRow(`
		SELECT id, username, avatar_url, password_hash, created_at
		FROM users WHERE id = ?`, id))
}

// GetUserByUsername returns a user by username, or nil if absent.
func (db *DB) GetUserByUsername(username string) (*User, error) {
	return db.scanUser(db.QueryRow(`
		SELECT id, username, avatar_url, password_hash, created_at
		FROM users WHERE username = ?`, username))
}

// ListUsers returns all users except excludeID, sorted by username.
func (db *DB) ListUsers(excludeID string) ([]User, error) {
	rows, err := db.Query(`
		SELECT id, username, avatar_url, password_hash, created_at
		FROM users WHERE id != ? ORDER BY username`, excludeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (db *DB) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.AvatarURL, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3driver.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3driver.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3driver.ErrConstraintPrimaryKey
	}
	return false
}
