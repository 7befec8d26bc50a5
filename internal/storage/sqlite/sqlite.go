package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/kernelbox/internal/storage"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Store = (*SQLiteStore)(nil)

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Each new connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, e *storage.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()

	details := []byte("{}")
	if len(e.Details) > 0 {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshaling event details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, kernel_id, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.KernelID, e.Message, string(details),
		e.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*storage.Event, error) {
	// Try exact match first, then prefix match
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, kernel_id, message, details, created_at
		FROM events WHERE id = ?`, id)
	if e, err := scanEvent(row); err == nil {
		return e, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, kernel_id, message, details, created_at
		FROM events WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("event not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous event prefix %q matches %d events", id, len(matches))
	}
}

func (s *SQLiteStore) ListEvents(ctx context.Context, opts storage.EventListOptions) ([]storage.Event, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, kind, kernel_id, message, details, created_at FROM events`
	var args []any

	if opts.Kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(opts.Kind))
	}

	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []storage.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`,
		before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*storage.Event, error) {
	var e storage.Event
	var kind, details, createdAt string
	if err := s.Scan(&e.ID, &kind, &e.KernelID, &e.Message, &details, &createdAt); err != nil {
		return nil, err
	}
	e.Kind = storage.EventKind(kind)
	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("unmarshaling event details: %w", err)
		}
	}
	e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &e, nil
}
