package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hobbes/internal/logging"
	"hobbes/internal/types"
)

// SessionStore keeps whole sessions as JSON documents.
type SessionStore struct {
	db *DB
}

// NewSessionStore returns a store over db.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// SessionInfo is a session listing entry.
type SessionInfo struct {
	ID           string
	Name         string
	LastUpdated  time.Time
	MessageCount int
}

// Save inserts or replaces the session.
func (s *SessionStore) Save(ctx context.Context, sess *types.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("cannot save session without id")
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, last_updated, message_count, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			last_updated = excluded.last_updated,
			message_count = excluded.message_count,
			data = excluded.data`,
		sess.ID, sess.Name, sess.LastUpdated.UnixNano(), len(sess.Messages), string(data))
	if err != nil {
		logging.StoreError("failed to save session %s: %v", sess.ID, err)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	logging.StoreDebug("saved session %s (%d messages)", sess.ID, len(sess.Messages))
	return nil
}

// Load returns the session with id, or ErrNotFound.
func (s *SessionStore) Load(ctx context.Context, id string) (*types.Session, error) {
	var data string
	err := s.db.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	return decodeSession(id, data, err)
}

// Latest returns the most recently updated session, or ErrNotFound.
func (s *SessionStore) Latest(ctx context.Context) (*types.Session, error) {
	var id, data string
	err := s.db.db.QueryRowContext(ctx,
		`SELECT id, data FROM sessions ORDER BY last_updated DESC LIMIT 1`).Scan(&id, &data)
	return decodeSession(id, data, err)
}

func decodeSession(id, data string, err error) (*types.Session, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	var sess types.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &sess, nil
}

// List returns every session, most recently updated first.
func (s *SessionStore) List(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT id, name, last_updated, message_count FROM sessions ORDER BY last_updated DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var updated int64
		if err := rows.Scan(&info.ID, &info.Name, &updated, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		info.LastUpdated = time.Unix(0, updated).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes the session and its archived tool results.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM tool_archive WHERE session_id = ?`, id); err != nil {
		logging.StoreError("failed to delete archive for session %s: %v", id, err)
	}
	logging.Store("deleted session %s", id)
	return nil
}
