// Package devices tracks a medical device inventory in SQLite.
package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/clinagent/internal/observability"
)

// ErrNotFound is returned when no device has the requested ID.
var ErrNotFound = errors.New("device not found")

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	location         TEXT NOT NULL,
	last_maintenance TEXT,
	next_maintenance TEXT
)`

// Device is one inventory row.
type Device struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	Location        string `json:"location"`
	LastMaintenance string `json:"last_maintenance,omitempty"`
	NextMaintenance string `json:"next_maintenance,omitempty"`
}

// SampleDevices are inserted by Seed into an empty inventory.
var SampleDevices = []Device{
	{ID: "DEV001", Name: "MRI Scanner", Type: "Imaging", Status: "Operational", Location: "Room 101", LastMaintenance: "2024-01-15", NextMaintenance: "2024-04-15"},
	{ID: "DEV002", Name: "Ventilator", Type: "Life Support", Status: "Maintenance Required", Location: "ICU-A", LastMaintenance: "2023-12-01", NextMaintenance: "2024-03-01"},
	{ID: "DEV003", Name: "X-Ray Machine", Type: "Imaging", Status: "Operational", Location: "Room 205", LastMaintenance: "2024-02-01", NextMaintenance: "2024-05-01"},
}

// Store is a SQLite-backed device inventory.
type Store struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// Open opens (or creates) the database at path. ":memory:" keeps the
// inventory in process.
func Open(ctx context.Context, path string, metrics *observability.Metrics) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open device db: %w", err)
	}
	// An in-memory database lives only as long as its connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	store := &Store{db: db, metrics: metrics}
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the devices table if needed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create devices table: %w", err)
	}
	return nil
}

// Seed inserts SampleDevices when the table is empty. It reports how many
// rows were inserted.
func (s *Store) Seed(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM devices").Scan(&count); err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	if count > 0 {
		return 0, nil
	}
	for _, d := range SampleDevices {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO devices (id, name, type, status, location, last_maintenance, next_maintenance) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.Name, d.Type, d.Status, d.Location, d.LastMaintenance, d.NextMaintenance); err != nil {
			return 0, fmt.Errorf("insert %s: %w", d.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(SampleDevices), nil
}

// Get returns one device by ID.
func (s *Store) Get(ctx context.Context, id string) (d *Device, err error) {
	start := time.Now()
	defer func() { s.record("select", start, err) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, status, location, last_maintenance, next_maintenance FROM devices WHERE id = ?`,
		strings.TrimSpace(id))
	d, err = scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// List returns devices ordered by ID, optionally filtered by status
// (case-insensitive).
func (s *Store) List(ctx context.Context, status string) (out []Device, err error) {
	start := time.Now()
	defer func() { s.record("select", start, err) }()

	query := `SELECT id, name, type, status, location, last_maintenance, next_maintenance FROM devices`
	var args []any
	if status = strings.TrimSpace(status); status != "" {
		query += ` WHERE status = ? COLLATE NOCASE`
		args = append(args, status)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out = []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateStatus sets a device's status and reports ErrNotFound for unknown IDs.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) (err error) {
	start := time.Now()
	defer func() { s.record("update", start, err) }()

	res, err := s.db.ExecContext(ctx, `UPDATE devices SET status = ? WHERE id = ?`, status, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var (
		d          Device
		last, next sql.NullString
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Type, &d.Status, &d.Location, &last, &next); err != nil {
		return nil, err
	}
	d.LastMaintenance = last.String
	d.NextMaintenance = next.String
	return &d, nil
}

func (s *Store) record(op string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
	}
	s.metrics.RecordDatabaseQuery(op, "devices", status, time.Since(start).Seconds())
}
