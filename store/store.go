// Package store persists user identities and profiles in an embedded
// sqlite database. The daemon saves every identity it resolves so that
// names survive restarts, and keeps the profile attributes (birth year)
// the limit daemon derives heart-rate ceilings from.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sellmair/broadheart/heart"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         INTEGER PRIMARY KEY,
	name       TEXT    NOT NULL,
	is_me      INTEGER NOT NULL DEFAULT 0,
	first_seen INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
	user_id    INTEGER PRIMARY KEY REFERENCES users(id),
	birth_year INTEGER NOT NULL
);
`

// Store wraps the sqlite connection pool.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path. Use
// ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; a larger pool just trades errors for
	// lock contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveUser inserts or refreshes a user record. The first-seen timestamp
// is kept from the original insert.
func (s *Store) SaveUser(ctx context.Context, user heart.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, is_me, first_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, is_me = excluded.is_me`,
		int64(user.Id), user.Name, boolToInt(user.IsMe), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save user %d: %w", user.Id, err)
	}
	return nil
}

// GetUser looks up a user by id.
func (s *Store) GetUser(ctx context.Context, id heart.UserId) (heart.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, is_me FROM users WHERE id = ?`, int64(id))

	var user heart.User
	var isMe int
	if err := row.Scan(&user.Id, &user.Name, &isMe); err != nil {
		if err == sql.ErrNoRows {
			return heart.User{}, fmt.Errorf("user %d: not found", id)
		}
		return heart.User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	user.IsMe = isMe != 0
	return user, nil
}

// ListUsers returns every user ever seen, in first-seen order.
func (s *Store) ListUsers(ctx context.Context) ([]heart.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, is_me FROM users ORDER BY first_seen, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []heart.User
	for rows.Next() {
		var user heart.User
		var isMe int
		if err := rows.Scan(&user.Id, &user.Name, &isMe); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		user.IsMe = isMe != 0
		users = append(users, user)
	}
	return users, rows.Err()
}

// SetBirthYear records the profile attribute the limit daemon derives
// ceilings from.
func (s *Store) SetBirthYear(ctx context.Context, id heart.UserId, year int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, birth_year) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET birth_year = excluded.birth_year`,
		int64(id), year)
	if err != nil {
		return fmt.Errorf("set birth year for %d: %w", id, err)
	}
	return nil
}

// Ages returns the current age of every user with a profile.
func (s *Store) Ages(ctx context.Context) (map[heart.UserId]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, birth_year FROM profiles`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	currentYear := time.Now().Year()
	ages := make(map[heart.UserId]int)
	for rows.Next() {
		var id int64
		var birthYear int
		if err := rows.Scan(&id, &birthYear); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		ages[heart.UserId(id)] = currentYear - birthYear
	}
	return ages, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
