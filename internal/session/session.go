// Package session manages conversations: the persisted message log and the
// short-lived per-session parameter memory that feeds follow-up questions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/conversa/internal/apperr"
	"github.com/kalambet/conversa/internal/storage"
)

// lastParamsTTL bounds how long resolved parameters are offered to the
// next message of the same session.
var lastParamsTTL = 7 * time.Minute

// Store is the persistence the manager needs.
type Store interface {
	CreateSession(id string, now time.Time) (storage.Session, error)
	GetSession(id string) (storage.Session, error)
	DeleteSession(id string) error
	AppendMessage(m storage.Message) error
	RecentMessages(sessionID string, limit int) ([]storage.Message, error)
}

type IntentInfo struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Metadata is stored alongside assistant replies.
type Metadata struct {
	Intent  *IntentInfo       `json:"intent,omitempty"`
	APIUsed *string           `json:"api_used"`
	Cached  bool              `json:"cached"`
	Error   string            `json:"error,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// Message is a history entry as returned to clients.
type Message struct {
	ID        string    `json:"message_id"`
	SessionID string    `json:"-"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Metadata  *Metadata `json:"message_metadata"`
}

type lastParams struct {
	params    map[string]string
	updatedAt time.Time
}

type Manager struct {
	store Store
	now   func() time.Time

	mu   sync.Mutex
	last map[string]lastParams
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now, last: make(map[string]lastParams)}
}

// Create starts an empty session.
func (m *Manager) Create() (string, error) {
	id := uuid.NewString()
	if _, err := m.store.CreateSession(id, m.now().UTC()); err != nil {
		return "", err
	}
	slog.Debug("session created", "session_id", id)
	return id, nil
}

// Ensure returns id when the session exists and otherwise creates one. An
// unknown non-empty id is created under that id so clients can pick their own.
func (m *Manager) Ensure(id string) (string, error) {
	if id == "" {
		return m.Create()
	}
	_, err := m.store.GetSession(id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return "", fmt.Errorf("loading session %s: %w", id, err)
	}
	if _, err := m.store.CreateSession(id, m.now().UTC()); err != nil {
		return "", err
	}
	return id, nil
}

// Append stores a message. A zero CreatedAt is stamped with the current time.
func (m *Manager) Append(msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now().UTC()
	}
	var meta json.RawMessage
	if msg.Metadata != nil {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return Message{}, fmt.Errorf("encoding message metadata: %w", err)
		}
		meta = b
	}
	err := m.store.AppendMessage(storage.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Role:      msg.Role,
		Content:   msg.Content,
		Metadata:  meta,
		CreatedAt: msg.CreatedAt,
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return Message{}, apperr.NotFound("session", msg.SessionID)
	}
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// History returns the newest limit messages in chronological order.
func (m *Manager) History(id string, limit int) ([]Message, error) {
	if _, err := m.store.GetSession(id); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("session", id)
		}
		return nil, err
	}
	rows, err := m.store.RecentMessages(id, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history of %s: %w", id, err)
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		msg := Message{
			ID:        r.ID,
			SessionID: r.SessionID,
			Role:      r.Role,
			Content:   r.Content,
			CreatedAt: r.CreatedAt,
		}
		if len(r.Metadata) > 0 {
			var md Metadata
			if err := json.Unmarshal(r.Metadata, &md); err != nil {
				slog.Warn("unreadable message metadata", "message_id", r.ID, "error", err)
			} else {
				msg.Metadata = &md
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

// Context returns the content of the last n user messages, oldest first.
func (m *Manager) Context(id string, n int) ([]string, error) {
	rows, err := m.store.RecentMessages(id, 2*n)
	if err != nil {
		return nil, fmt.Errorf("loading context of %s: %w", id, err)
	}
	var out []string
	for _, r := range rows {
		if r.Role == storage.RoleUser {
			out = append(out, r.Content)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// Clear deletes the session and its messages.
func (m *Manager) Clear(id string) error {
	if err := m.store.DeleteSession(id); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.NotFound("session", id)
		}
		return err
	}
	m.mu.Lock()
	delete(m.last, id)
	m.mu.Unlock()
	slog.Debug("session cleared", "session_id", id)
	return nil
}

// SetLastParams remembers the parameters resolved for the session's latest call.
func (m *Manager) SetLastParams(id string, params map[string]string) {
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	m.mu.Lock()
	m.last[id] = lastParams{params: cp, updatedAt: m.now()}
	m.mu.Unlock()
}

// LastParams returns a copy of the remembered parameters while they are fresh.
func (m *Manager) LastParams(id string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	lp, ok := m.last[id]
	if !ok {
		return nil
	}
	if m.now().Sub(lp.updatedAt) > lastParamsTTL {
		delete(m.last, id)
		return nil
	}
	out := make(map[string]string, len(lp.params))
	for k, v := range lp.params {
		out[k] = v
	}
	return out
}

// SweepLastParams forgets remembered parameters past their freshness window,
// including those of sessions that were abandoned without being cleared.
func (m *Manager) SweepLastParams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, lp := range m.last {
		if now.Sub(lp.updatedAt) > lastParamsTTL {
			delete(m.last, id)
			n++
		}
	}
	return n
}

// Janitor sweeps stale parameter memory every interval until ctx is done.
func (m *Manager) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.SweepLastParams(); n > 0 {
				slog.Debug("session params sweep", "removed", n)
			}
		}
	}
}
