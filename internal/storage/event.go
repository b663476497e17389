package storage

import (
	"encoding/json"
	"time"
)

// EventRow is a persisted, per-session-sequenced event.
type EventRow struct {
	SessionKey string          `json:"session_key"`
	Seq        int64           `json:"seq"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Cursor identifies a replay position within one session's event stream.
type Cursor struct {
	SessionKey string `json:"session_key"`
	AfterSeq   int64  `json:"after_seq"`
}

// AppendEvent persists an event with the next sequence number for the session.
// Sequence assignment and insert happen in one transaction, so numbers are
// gapless and monotonic per session. The high-water mark lives on the session
// row, so pruned history never causes a seq to be reissued. The orchestrator
// serializes appends for a given session, so single-writer-per-session is
// sufficient.
func (db *DB) AppendEvent(sessionKey, eventType string, payload json.RawMessage) (int64, error) {
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	var seq int64
	err := db.WithTx(func(tx *Tx) error {
		var eventsMax, sessionMax int64
		if err := tx.QueryRow(
			"SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_key = ?",
			sessionKey,
		).Scan(&eventsMax); err != nil {
			return err
		}
		if err := tx.QueryRow(
			"SELECT COALESCE((SELECT last_seq FROM sessions WHERE session_key = ?), 0)",
			sessionKey,
		).Scan(&sessionMax); err != nil {
			return err
		}

		seq = eventsMax + 1
		if sessionMax >= seq {
			seq = sessionMax + 1
		}

		if _, err := tx.Exec(
			"INSERT INTO events (session_key, seq, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?)",
			sessionKey, seq, eventType, string(payload), time.Now(),
		); err != nil {
			return err
		}

		_, err := tx.Exec(
			"UPDATE sessions SET last_seq = ? WHERE session_key = ?",
			seq, sessionKey,
		)
		return err
	})
	if err != nil {
		return 0, err
	}

	return seq, nil
}

// EventsAfter returns up to limit rows across the requested sessions with
// seq greater than each cursor's position, ordered by (session_key, seq).
// Callers page by looping with the last returned seq until a short page.
func (db *DB) EventsAfter(cursors []Cursor, limit int) ([]*EventRow, error) {
	if len(cursors) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT session_key, seq, event_type, payload, created_at FROM events WHERE `
	args := make([]any, 0, len(cursors)*2+1)
	for i, c := range cursors {
		if i > 0 {
			query += " OR "
		}
		query += "(session_key = ? AND seq > ?)"
		args = append(args, c.SessionKey, c.AfterSeq)
	}
	query += " ORDER BY session_key, seq LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*EventRow
	for rows.Next() {
		var e EventRow
		var payload string

		if err := rows.Scan(&e.SessionKey, &e.Seq, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}

		e.Payload = json.RawMessage(payload)
		events = append(events, &e)
	}

	return events, rows.Err()
}

// MaxSeq returns the highest assigned sequence number for a session, or 0.
func (db *DB) MaxSeq(sessionKey string) (int64, error) {
	var seq int64
	err := db.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_key = ?",
		sessionKey,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// PruneEvents deletes rows at or below maxSeqInclusive for a session.
// Callers enforce the post-run grace period; this is a plain bulk delete.
func (db *DB) PruneEvents(sessionKey string, maxSeqInclusive int64) (int64, error) {
	result, err := db.Exec(
		"DELETE FROM events WHERE session_key = ? AND seq <= ?",
		sessionKey, maxSeqInclusive,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CleanupEventsBefore removes events older than the cutoff across all
// sessions. Coarse time retention, independent of per-run pruning.
func (db *DB) CleanupEventsBefore(cutoff time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
