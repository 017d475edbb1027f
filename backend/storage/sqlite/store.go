package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adwski/moshi-moshi/backend/presence"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id      TEXT PRIMARY KEY,
	username     TEXT NOT NULL UNIQUE,
	status       TEXT NOT NULL DEFAULT 'Offline',
	rate         TEXT NOT NULL DEFAULT '',
	room_message TEXT NOT NULL DEFAULT ''
)`

// Store keeps creator profiles in a local SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: create dir: %w", err)
			}
		}
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put creates or replaces a profile.
func (s *Store) Put(ctx context.Context, p presence.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, username, status, rate, room_message)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			status = excluded.status,
			rate = excluded.rate,
			room_message = excluded.room_message`,
		p.UserID, p.Username, p.Status.String(), p.Rate, p.RoomMessage)
	if err != nil {
		return errors.Join(presence.ErrStore, fmt.Errorf("failed to put profile: %w", err))
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*presence.Profile, error) {
	var (
		p      = presence.Profile{UserID: userID}
		status string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT username, status, rate, room_message FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.Username, &status, &p.Rate, &p.RoomMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, presence.ErrProfileNotFound
	}
	if err != nil {
		return nil, errors.Join(presence.ErrStore, fmt.Errorf("failed to get profile: %w", err))
	}
	if p.Status, err = presence.ParseStatus(status); err != nil {
		return nil, errors.Join(presence.ErrStore, err)
	}
	return &p, nil
}

func (s *Store) SetStatus(ctx context.Context, userID string, status presence.Status) error {
	return s.update(ctx, `UPDATE profiles SET status = ? WHERE user_id = ?`, status.String(), userID)
}

func (s *Store) SetRoomMessage(ctx context.Context, userID string, text string) error {
	return s.update(ctx, `UPDATE profiles SET room_message = ? WHERE user_id = ?`, text, userID)
}

func (s *Store) update(ctx context.Context, query string, value, userID string) error {
	res, err := s.db.ExecContext(ctx, query, value, userID)
	if err != nil {
		return errors.Join(presence.ErrStore, fmt.Errorf("failed to update profile: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Join(presence.ErrStore, err)
	}
	if n == 0 {
		return presence.ErrProfileNotFound
	}
	return nil
}
