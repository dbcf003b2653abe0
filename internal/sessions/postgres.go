package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/clinagent/pkg/models"
)

// PostgresConfig holds connection pool settings for PostgresStore.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	channel    TEXT NOT NULL,
	key        TEXT NOT NULL UNIQUE,
	title      TEXT NOT NULL DEFAULT '',
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	channel      TEXT NOT NULL,
	direction    TEXT NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	tool_calls   JSONB,
	tool_results JSONB,
	metadata     JSONB,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_session_created_idx ON messages (session_id, created_at);
`

// PostgresStore implements Store on PostgreSQL (or a wire-compatible
// database such as CockroachDB) via lib/pq.
type PostgresStore struct {
	db *sql.DB

	stmtCreateSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtDeleteSession *sql.Stmt
	stmtTouchSession  *sql.Stmt
	stmtAppendMessage *sql.Stmt
	stmtGetHistory    *sql.Stmt
	stmtResetHistory  *sql.Stmt
}

// NewPostgresStoreFromDSN opens a connection pool, verifies it and prepares
// the store's statements.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	store, err := newPostgresStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func newPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) prepareStatements() error {
	stmts := []struct {
		dst   **sql.Stmt
		name  string
		query string
	}{
		{&s.stmtCreateSession, "create session", `
			INSERT INTO sessions (id, channel, key, title, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`},
		{&s.stmtGetSession, "get session", `
			SELECT id, channel, key, title, metadata, created_at, updated_at
			FROM sessions WHERE id = $1`},
		{&s.stmtDeleteSession, "delete session", `
			DELETE FROM sessions WHERE id = $1`},
		{&s.stmtTouchSession, "touch session", `
			UPDATE sessions SET updated_at = $1 WHERE id = $2`},
		{&s.stmtAppendMessage, "append message", `
			INSERT INTO messages (id, session_id, channel, direction, role, content, tool_calls, tool_results, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`},
		{&s.stmtGetHistory, "get history", `
			SELECT id, session_id, channel, direction, role, content, tool_calls, tool_results, metadata, created_at
			FROM messages WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2`},
		{&s.stmtResetHistory, "reset history", `
			DELETE FROM messages WHERE session_id = $1`},
	}
	for _, st := range stmts {
		prepared, err := s.db.Prepare(st.query)
		if err != nil {
			return fmt.Errorf("failed to prepare %s: %w", st.name, err)
		}
		*st.dst = prepared
	}
	return nil
}

// Close closes the prepared statements and the database connection.
func (s *PostgresStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		s.stmtCreateSession, s.stmtGetSession, s.stmtDeleteSession, s.stmtTouchSession,
		s.stmtAppendMessage, s.stmtGetHistory, s.stmtResetHistory,
	} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Create inserts a new session.
func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
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
	if session.Key == "" {
		session.Key = session.ID
	}

	metadata, err := marshalMetadata(session.Metadata)
	if err != nil {
		return err
	}
	_, err = s.stmtCreateSession.ExecContext(ctx,
		session.ID,
		string(session.Channel),
		session.Key,
		session.Title,
		metadata,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	session, err := scanSession(s.stmtGetSession.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// Delete removes a session and, through the foreign key, its messages.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.stmtDeleteSession.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrCreate retrieves an existing session by key or creates a new one atomically.
// ON CONFLICT DO UPDATE with key = key is a no-op that still returns the row.
func (s *PostgresStore) GetOrCreate(ctx context.Context, key string, channel models.ChannelType) (*models.Session, error) {
	if key == "" {
		return nil, errors.New("session key is required")
	}
	now := time.Now()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, channel, key, title, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, '', '{}', $4, $5)
		ON CONFLICT (key) DO UPDATE SET key = sessions.key
		RETURNING id, channel, key, title, metadata, created_at, updated_at
	`, uuid.NewString(), string(channel), key, now, now)

	session, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create session: %w", err)
	}
	return session, nil
}

// AppendMessage adds a message to a session's history.
func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.SessionID = sessionID

	toolCalls, err := marshalNullable(msg.ToolCalls, len(msg.ToolCalls) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	toolResults, err := marshalNullable(msg.ToolResults, len(msg.ToolResults) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal tool results: %w", err)
	}
	metadata, err := marshalNullable(msg.Metadata, len(msg.Metadata) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	result, err := s.stmtTouchSession.ExecContext(ctx, msg.CreatedAt, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrNotFound
	}

	_, err = s.stmtAppendMessage.ExecContext(ctx,
		msg.ID,
		sessionID,
		string(msg.Channel),
		string(msg.Direction),
		string(msg.Role),
		msg.Content,
		toolCalls,
		toolResults,
		metadata,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// GetHistory returns the most recent messages in chronological order.
func (s *PostgresStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.stmtGetHistory.QueryContext(ctx, sessionID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var (
			msg                              models.Message
			channel, direction, role         string
			toolCalls, toolResults, metadata []byte
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&channel,
			&direction,
			&role,
			&msg.Content,
			&toolCalls,
			&toolResults,
			&metadata,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Channel = models.ChannelType(channel)
		msg.Direction = models.Direction(direction)
		msg.Role = models.Role(role)
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		if len(toolResults) > 0 {
			if err := json.Unmarshal(toolResults, &msg.ToolResults); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool results: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	// Rows arrive newest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Reset deletes all messages of a session.
func (s *PostgresStore) Reset(ctx context.Context, sessionID string) error {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return err
	}
	if _, err := s.stmtResetHistory.ExecContext(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to reset history: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session  models.Session
		channel  string
		metadata []byte
	)
	if err := row.Scan(
		&session.ID,
		&channel,
		&session.Key,
		&session.Title,
		&metadata,
		&session.CreatedAt,
		&session.UpdatedAt,
	); err != nil {
		return nil, err
	}
	session.Channel = models.ChannelType(channel)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &session, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

func marshalNullable(v any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}
