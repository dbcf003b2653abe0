package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/clinagent/internal/observability"
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
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Schema creates the table used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS query_jobs (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL DEFAULT '',
	session_key   TEXT NOT NULL DEFAULT '',
	query         TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ,
	answer        TEXT NOT NULL DEFAULT '',
	events        JSONB,
	error_message TEXT,
	reason        TEXT
);
CREATE INDEX IF NOT EXISTS query_jobs_created_idx ON query_jobs (created_at);
`

const jobColumns = `id, session_id, session_key, query, status, created_at, started_at, finished_at, answer, events, error_message, reason`

// PostgresStore implements Store on PostgreSQL via lib/pq.
type PostgresStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// NewPostgresStoreFromDSN opens a connection pool, verifies it and creates
// the schema.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// SetMetrics records query counts and latency.
func (s *PostgresStore) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create stores a job.
func (s *PostgresStore) Create(ctx context.Context, job *Job) (err error) {
	if job == nil {
		return nil
	}
	defer s.observe("insert", time.Now(), &err)

	eventsJSON, err := marshalEvents(job.Events)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		job.ID,
		job.SessionID,
		job.SessionKey,
		job.Query,
		string(job.Status),
		job.CreatedAt,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		job.Answer,
		eventsJSON,
		nullableString(job.Error),
		nullableString(job.Reason),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Update updates a job record.
func (s *PostgresStore) Update(ctx context.Context, job *Job) (err error) {
	if job == nil {
		return nil
	}
	defer s.observe("update", time.Now(), &err)

	eventsJSON, err := marshalEvents(job.Events)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE query_jobs
		SET session_id = $2,
			status = $3,
			started_at = $4,
			finished_at = $5,
			answer = $6,
			events = $7,
			error_message = $8,
			reason = $9
		WHERE id = $1
	`,
		job.ID,
		job.SessionID,
		string(job.Status),
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		job.Answer,
		eventsJSON,
		nullableString(job.Error),
		nullableString(job.Reason),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// Get returns a job by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (job *Job, err error) {
	if id == "" {
		return nil, nil
	}
	defer s.observe("select", time.Now(), &err)

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM query_jobs WHERE id = $1`, id)
	job, err = scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs in reverse chronological order.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) (jobs []*Job, err error) {
	defer s.observe("select", time.Now(), &err)

	query := `SELECT ` + jobColumns + ` FROM query_jobs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Prune deletes jobs created before now minus olderThan.
func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Duration) (n int64, err error) {
	defer s.observe("delete", time.Now(), &err)

	res, err := s.db.ExecContext(ctx, `DELETE FROM query_jobs WHERE created_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) observe(op string, start time.Time, errp *error) {
	status := "success"
	if *errp != nil {
		status = "error"
	}
	s.metrics.RecordDatabaseQuery(op, "query_jobs", status, time.Since(start).Seconds())
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobScanner) (*Job, error) {
	var (
		job          Job
		status       string
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
		eventsBytes  []byte
		errorMessage sql.NullString
		reason       sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&job.SessionID,
		&job.SessionKey,
		&job.Query,
		&status,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&job.Answer,
		&eventsBytes,
		&errorMessage,
		&reason,
	); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	if len(eventsBytes) > 0 {
		if err := json.Unmarshal(eventsBytes, &job.Events); err != nil {
			return nil, fmt.Errorf("unmarshal job events: %w", err)
		}
	}
	job.Error = errorMessage.String
	job.Reason = reason.String
	return &job, nil
}

func marshalEvents(events []models.StreamEvent) ([]byte, error) {
	if len(events) == 0 {
		return nil, nil
	}
	return json.Marshal(events)
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}
