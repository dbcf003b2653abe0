package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/clinagent/pkg/models"
)

// MemoryStore keeps sessions in process. It backs the chat REPL, tests and
// single-node deployments; everything is lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	byKey   map[string]string
}

type memoryEntry struct {
	session *models.Session
	history []*models.Message
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		byKey:   make(map[string]string),
	}
}

// Create stores session, assigning an ID and timestamps when unset. The
// generated fields are written back to session.
func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt

	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(copySession(session))
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(entry.session), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.entries, id)
	if entry.session.Key != "" {
		delete(m.byKey, entry.session.Key)
	}
	return nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, key string, channel models.ChannelType) (*models.Session, error) {
	if key == "" {
		return nil, errors.New("session key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[key]; ok {
		return copySession(m.entries[id].session), nil
	}
	now := time.Now()
	session := &models.Session{
		ID:        uuid.NewString(),
		Channel:   channel,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.put(session)
	return copySession(session), nil
}

// put indexes session. Callers hold mu.
func (m *MemoryStore) put(session *models.Session) {
	m.entries[session.ID] = &memoryEntry{session: session}
	if session.Key != "" {
		m.byKey[session.Key] = session.ID
	}
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	stored := copyMessage(msg)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.SessionID = sessionID

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[sessionID]
	if !ok {
		return ErrNotFound
	}
	entry.history = append(entry.history, stored)
	entry.session.UpdatedAt = stored.CreatedAt
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[sessionID]
	if !ok {
		return []*models.Message{}, nil
	}
	history := entry.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]*models.Message, len(history))
	for i, msg := range history {
		out[i] = copyMessage(msg)
	}
	return out, nil
}

func (m *MemoryStore) Reset(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[sessionID]
	if !ok {
		return ErrNotFound
	}
	entry.history = nil
	entry.session.UpdatedAt = time.Now()
	return nil
}

func copySession(session *models.Session) *models.Session {
	out := *session
	out.Metadata = copyMetadata(session.Metadata)
	return &out
}

// copyMessage deep-copies msg so callers cannot mutate stored history.
func copyMessage(msg *models.Message) *models.Message {
	out := *msg
	if msg.ToolCalls != nil {
		out.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
		for i, call := range msg.ToolCalls {
			call.Input = append(json.RawMessage(nil), call.Input...)
			out.ToolCalls[i] = call
		}
	}
	if msg.ToolResults != nil {
		out.ToolResults = append([]models.ToolResult(nil), msg.ToolResults...)
	}
	out.Metadata = copyMetadata(msg.Metadata)
	return &out
}

// copyMetadata round-trips through JSON so nested values are not shared,
// falling back to a shallow copy for values JSON cannot encode.
func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err == nil {
		var out map[string]any
		if json.Unmarshal(data, &out) == nil {
			return out
		}
	}
	return maps.Clone(m)
}
