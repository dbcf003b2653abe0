// Package sessions persists conversation state for the agent loop. The loop
// only appends; Reset is the single operation that discards history.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/clinagent/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error

	// GetOrCreate returns the session for key, creating it atomically if absent.
	GetOrCreate(ctx context.Context, key string, channel models.ChannelType) (*models.Session, error)

	// AppendMessage adds a message to the end of a session's history.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// GetHistory returns the most recent limit messages in chronological
	// order. limit <= 0 returns the full history.
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// Reset clears a session's history while keeping the session.
	Reset(ctx context.Context, sessionID string) error
}

// SessionKey builds a unique session key.
func SessionKey(channel models.ChannelType, id string) string {
	return string(channel) + ":" + id
}
