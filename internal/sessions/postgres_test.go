package sessions

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/clinagent/pkg/models"
)

// setupMockDB creates a mock database and a store with all statements prepared.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	mock.ExpectPrepare("INSERT INTO sessions")
	mock.ExpectPrepare("SELECT id, channel, key")
	mock.ExpectPrepare("DELETE FROM sessions")
	mock.ExpectPrepare("UPDATE sessions SET updated_at")
	mock.ExpectPrepare("INSERT INTO messages")
	mock.ExpectPrepare("SELECT id, session_id")
	mock.ExpectPrepare("DELETE FROM messages")

	store, err := newPostgresStore(db)
	if err != nil {
		t.Fatalf("newPostgresStore() error = %v", err)
	}
	return db, mock, store
}

var sessionColumns = []string{"id", "channel", "key", "title", "metadata", "created_at", "updated_at"}

func TestPostgresStore_Create(t *testing.T) {
	tests := []struct {
		name        string
		setupMock   func(sqlmock.Sqlmock)
		wantErr     bool
		errContains string
	}{
		{
			name: "successful create",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO sessions").
					WithArgs("session-1", "api", "api:alice", "", []byte("{}"), sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO sessions").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr:     true,
			errContains: "failed to create session",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()
			tt.setupMock(mock)

			err := store.Create(context.Background(), &models.Session{
				ID:      "session-1",
				Channel: models.ChannelAPI,
				Key:     "api:alice",
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Create() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("Create() error = %v, want containing %q", err, tt.errContains)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery("SELECT id, channel, key").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sessionColumns))

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_GetOrCreate(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("ON CONFLICT \\(key\\)").
		WithArgs(sqlmock.AnyArg(), "api", "api:alice", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow("existing-id", "api", "api:alice", "", []byte(`{"team":"onc"}`), now, now))

	session, err := store.GetOrCreate(context.Background(), "api:alice", models.ChannelAPI)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if session.ID != "existing-id" {
		t.Errorf("ID = %q, want %q", session.ID, "existing-id")
	}
	if session.Metadata["team"] != "onc" {
		t.Errorf("Metadata = %v, want team=onc", session.Metadata)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_AppendMessage(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("UPDATE sessions SET updated_at").
		WithArgs(sqlmock.AnyArg(), "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "s1", "api", "outbound", "assistant", "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	msg := &models.Message{
		Channel:   models.ChannelAPI,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "c1", Name: "add"}},
	}
	if err := store.AppendMessage(context.Background(), "s1", msg); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if msg.ID == "" {
		t.Error("AppendMessage() did not assign an id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_AppendMessageUnknownSession(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("UPDATE sessions SET updated_at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.AppendMessage(context.Background(), "missing", &models.Message{Content: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("AppendMessage() error = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_GetHistoryChronological(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	columns := []string{"id", "session_id", "channel", "direction", "role", "content", "tool_calls", "tool_results", "metadata", "created_at"}
	mock.ExpectQuery("SELECT id, session_id").
		WithArgs("s1", 10).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("m2", "s1", "api", "inbound", "tool", "", nil, []byte(`[{"tool_call_id":"c1","content":"5"}]`), nil, t2).
			AddRow("m1", "s1", "api", "outbound", "assistant", "", []byte(`[{"id":"c1","name":"add","input":{"a":2,"b":3}}]`), nil, nil, t1))

	history, err := store.GetHistory(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].ID != "m1" || history[1].ID != "m2" {
		t.Errorf("order = %s,%s, want m1,m2", history[0].ID, history[1].ID)
	}
	if len(history[0].ToolCalls) != 1 || history[0].ToolCalls[0].Name != "add" {
		t.Errorf("ToolCalls = %+v, want add", history[0].ToolCalls)
	}
	if len(history[1].ToolResults) != 1 || history[1].ToolResults[0].Content != "5" {
		t.Errorf("ToolResults = %+v, want content 5", history[1].ToolResults)
	}
}

func TestPostgresStore_Reset(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT id, channel, key").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(sessionColumns).AddRow("s1", "api", "k", "", []byte("{}"), now, now))
	mock.ExpectExec("DELETE FROM messages").
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 4))

	if err := store.Reset(context.Background(), "s1"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_DeleteNotFound(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Delete(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() error = %v, want ErrNotFound", err)
	}
}

func TestNewPostgresStoreFromDSN_RequiresDSN(t *testing.T) {
	if _, err := NewPostgresStoreFromDSN("", nil); err == nil {
		t.Error("NewPostgresStoreFromDSN(\"\") error = nil, want error")
	}
}
