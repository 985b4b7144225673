package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const userSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	wallet TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`

// SQLiteUserStore persists users in SQLite. It shares the database handle
// with the session store.
type SQLiteUserStore struct {
	db *sql.DB
}

func NewSQLiteUserStore(db *sql.DB) (*SQLiteUserStore, error) {
	if _, err := db.Exec(userSchema); err != nil {
		return nil, fmt.Errorf("apply user schema: %w", err)
	}
	return &SQLiteUserStore{db: db}, nil
}

// GetOrCreate inserts the wallet if absent. INSERT OR IGNORE against the
// unique wallet column makes concurrent first sign-ins converge on one row.
func (s *SQLiteUserStore) GetOrCreate(ctx context.Context, wallet string) (*User, error) {
	key := strings.ToLower(wallet)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO users (id, wallet, created_at) VALUES (?, ?, ?)`,
		uuid.NewString(), key, time.Now().UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	var u User
	var createdAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id, wallet, name, created_at FROM users WHERE wallet = ?`, key).
		Scan(&u.ID, &u.Wallet, &u.Name, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

func (s *SQLiteUserStore) Get(ctx context.Context, id string) (*User, error) {
	var u User
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, wallet, name, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Wallet, &u.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

var _ UserStore = (*SQLiteUserStore)(nil)
