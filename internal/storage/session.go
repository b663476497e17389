package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates the record does not exist.
var ErrNotFound = errors.New("not found")

// Session is the authoritative record of a known conversation.
type Session struct {
	SessionKey    string     `json:"session_key"`
	SessionID     string     `json:"session_id"`
	Channel       string     `json:"channel"`
	ChatType      string     `json:"chat_type"`
	ChatID        string     `json:"chat_id"`
	ActiveRun     bool       `json:"active_run"`
	ResumeToken   string     `json:"resume_token,omitempty"`
	MessageCount  int        `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SessionKey derives the deterministic session key for a channel + chat pair.
func SessionKey(channel, chatType, chatID string) string {
	return fmt.Sprintf("%s:%s:%s", channel, chatType, chatID)
}

// UpsertSession creates the session row for a channel + chat pair if missing
// and returns the current row.
func (db *DB) UpsertSession(channel, chatType, chatID string) (*Session, error) {
	key := SessionKey(channel, chatType, chatID)
	now := time.Now()

	_, err := db.Exec(
		`INSERT INTO sessions (session_key, channel, chat_type, chat_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key) DO NOTHING`,
		key, channel, chatType, chatID, now, now,
	)
	if err != nil {
		return nil, err
	}

	return db.GetSession(key)
}

// GetSession returns a session by key.
func (db *DB) GetSession(sessionKey string) (*Session, error) {
	var s Session
	var lastMessageAt sql.NullTime

	err := db.QueryRow(
		`SELECT session_key, session_id, channel, chat_type, chat_id, active_run,
		        resume_token, message_count, last_message_at, created_at, updated_at
		 FROM sessions WHERE session_key = ?`,
		sessionKey,
	).Scan(&s.SessionKey, &s.SessionID, &s.Channel, &s.ChatType, &s.ChatID, &s.ActiveRun,
		&s.ResumeToken, &s.MessageCount, &lastMessageAt, &s.CreatedAt, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastMessageAt.Valid {
		s.LastMessageAt = &lastMessageAt.Time
	}
	return &s, nil
}

// SetActiveRun toggles the active-run flag for a session.
func (db *DB) SetActiveRun(sessionKey string, active bool) error {
	return db.updateSession(sessionKey, "active_run = ?", active)
}

// SetSessionID records the execution engine's session identity.
func (db *DB) SetSessionID(sessionKey, sessionID string) error {
	return db.updateSession(sessionKey, "session_id = ?", sessionID)
}

// SetResumeToken records the engine's resumable id for the session.
func (db *DB) SetResumeToken(sessionKey, token string) error {
	return db.updateSession(sessionKey, "resume_token = ?", token)
}

// ClearResumeToken drops a stale resumable id so the next run starts fresh.
func (db *DB) ClearResumeToken(sessionKey string) error {
	return db.updateSession(sessionKey, "resume_token = ?", "")
}

// TouchSession bumps the message count and last-message timestamp.
func (db *DB) TouchSession(sessionKey string) error {
	now := time.Now()

	result, err := db.Exec(
		`UPDATE sessions SET message_count = message_count + 1, last_message_at = ?, updated_at = ?
		 WHERE session_key = ?`,
		now, now, sessionKey,
	)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// ResetSession clears the engine identity and resume token but keeps the row.
func (db *DB) ResetSession(sessionKey string) error {
	now := time.Now()

	result, err := db.Exec(
		`UPDATE sessions SET session_id = '', resume_token = '', active_run = 0, updated_at = ?
		 WHERE session_key = ?`,
		now, sessionKey,
	)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// DeleteSession removes a session row.
func (db *DB) DeleteSession(sessionKey string) error {
	result, err := db.Exec("DELETE FROM sessions WHERE session_key = ?", sessionKey)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// ListSessions lists sessions ordered by most recent activity.
func (db *DB) ListSessions(limit int) ([]*Session, error) {
	query := `SELECT session_key, session_id, channel, chat_type, chat_id, active_run,
	                 resume_token, message_count, last_message_at, created_at, updated_at
	          FROM sessions ORDER BY updated_at DESC`
	args := []any{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var s Session
		var lastMessageAt sql.NullTime

		if err := rows.Scan(&s.SessionKey, &s.SessionID, &s.Channel, &s.ChatType, &s.ChatID,
			&s.ActiveRun, &s.ResumeToken, &s.MessageCount, &lastMessageAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}

		if lastMessageAt.Valid {
			s.LastMessageAt = &lastMessageAt.Time
		}
		sessions = append(sessions, &s)
	}

	return sessions, rows.Err()
}

func (db *DB) updateSession(sessionKey, setClause string, value any) error {
	result, err := db.Exec(
		"UPDATE sessions SET "+setClause+", updated_at = ? WHERE session_key = ?",
		value, time.Now(), sessionKey,
	)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
