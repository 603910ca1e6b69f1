package storage

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) CreateSession(id string, now time.Time) (Session, error) {
	ts := formatTime(now)
	if _, err := s.db.Exec(`INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)`, id, ts, ts); err != nil {
		return Session{}, fmt.Errorf("creating session %s: %w", id, err)
	}
	return Session{ID: id, CreatedAt: now.UTC(), UpdatedAt: now.UTC()}, nil
}

func (s *Store) GetSession(id string) (Session, error) {
	var sess Session
	var createdAt, updatedAt string
	err := s.db.QueryRow(`SELECT id, created_at, updated_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if sess.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Session{}, err
	}
	if sess.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// DeleteSession removes a session and all of its messages in one transaction.
func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages of session %s: %w", id, err)
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendMessage stores m and bumps the session's updated_at.
func (s *Store) AppendMessage(m Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	ts := formatTime(m.CreatedAt)
	res, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, m.SessionID)
	if err != nil {
		return fmt.Errorf("touching session %s: %w", m.SessionID, err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	var meta sql.NullString
	if len(m.Metadata) > 0 {
		meta = sql.NullString{String: string(m.Metadata), Valid: true}
	}
	if _, err := tx.Exec(`INSERT INTO messages (id, session_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, meta, ts,
	); err != nil {
		return fmt.Errorf("appending message to %s: %w", m.SessionID, err)
	}
	return tx.Commit()
}

// RecentMessages returns the newest limit messages of a session in
// chronological order.
func (s *Store) RecentMessages(sessionID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, metadata, created_at FROM (
			SELECT seq, id, session_id, role, content, metadata, created_at
			FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var meta sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &meta, &createdAt); err != nil {
			return nil, err
		}
		if meta.Valid {
			m.Metadata = []byte(meta.String)
		}
		if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
