package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// dsnParams configures every connection: WAL so readers never block the
// writer, a busy timeout instead of immediate SQLITE_BUSY under write
// contention, and enforced foreign keys so chat deletion cascades.
const dsnParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

// DB is the daemon-owned pigeon.db handle. All persistence goes through
// its per-entity methods; no other component opens the file.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the database at path and verifies the connection.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
