// Package store persists creation records so results outlive the cache.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cortexhub/creation-engine/internal/pipeline"
	"github.com/cortexhub/creation-engine/internal/storage"
)

// Status is the lifecycle state of a creation record.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// timeFormat sorts lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("creation not found")
	// ErrInvalidID is returned for an empty id.
	ErrInvalidID = errors.New("invalid creation id")
)

// Creation is one persisted creation record.
type Creation struct {
	ID             string             `json:"id"`
	UserID         string             `json:"user_id"`
	CreationKind   string             `json:"creation_kind"`
	Status         Status             `json:"status"`
	Stage          string             `json:"stage,omitempty"`
	Error          string             `json:"error,omitempty"`
	Content        json.RawMessage    `json:"content,omitempty"`
	URLs           *storage.Published `json:"urls,omitempty"`
	ProcessingTime float64            `json:"processing_time"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// SQLiteStore implements creation persistence using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// NewSQLiteStore opens (and migrates) the database at dbPath.
// The parent directory is created if it doesn't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS creations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		creation_kind TEXT NOT NULL,
		status TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		content TEXT,
		urls TEXT,
		processing_time REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_creations_user ON creations(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_creations_status ON creations(status, updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) stamp() string {
	return s.now().UTC().Format(timeFormat)
}

// Start records a creation as processing. Restarting a known id resets it.
func (s *SQLiteStore) Start(ctx context.Context, id, userID, creationKind string) error {
	if id == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO creations (id, user_id, creation_kind, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		stage = '',
		error = '',
		updated_at = excluded.updated_at
	`, id, userID, creationKind, string(StatusProcessing), now, now)
	if err != nil {
		return fmt.Errorf("start creation: %w", err)
	}
	return nil
}

// Complete stores the result and its published URLs.
func (s *SQLiteStore) Complete(ctx context.Context, id string, res *pipeline.Result, urls *storage.Published) error {
	if id == "" {
		return ErrInvalidID
	}
	content, err := json.Marshal(res.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	var urlsJSON []byte
	if urls != nil {
		if urlsJSON, err = json.Marshal(urls); err != nil {
			return fmt.Errorf("encode urls: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, `
	UPDATE creations SET status = ?, stage = '', error = '', content = ?, urls = ?, processing_time = ?, updated_at = ?
	WHERE id = ?
	`, string(StatusCompleted), string(content), nullString(urlsJSON), res.Metadata.ProcessingTimeSeconds, s.stamp(), id)
}

// Fail marks a creation failed at stage.
func (s *SQLiteStore) Fail(ctx context.Context, id, stage, reason string) error {
	if id == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, `
	UPDATE creations SET status = ?, stage = ?, error = ?, updated_at = ? WHERE id = ?
	`, string(StatusFailed), stage, reason, s.stamp(), id)
}

func (s *SQLiteStore) update(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update creation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update creation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailStale marks processing records not updated for olderThan as failed
// and returns how many were changed.
func (s *SQLiteStore) FailStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	cutoff := now.Add(-olderThan).Format(timeFormat)
	result, err := s.db.ExecContext(ctx, `
	UPDATE creations SET status = ?, error = ?, updated_at = ?
	WHERE status = ? AND updated_at < ?
	`, string(StatusFailed), "processing timed out", now.Format(timeFormat), string(StatusProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("fail stale creations: %w", err)
	}
	return result.RowsAffected()
}

const selectColumns = `id, user_id, creation_kind, status, stage, error, content, urls, processing_time, created_at, updated_at`

// Get loads one creation.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Creation, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM creations WHERE id = ?`, id)
	c, err := scanCreation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListByUser returns a user's creations, newest first.
func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Creation, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+`
	FROM creations WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list creations: %w", err)
	}
	defer rows.Close()

	var out []*Creation
	for rows.Next() {
		c, err := scanCreation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCreation(row scanner) (*Creation, error) {
	var (
		c                    Creation
		status               string
		content, urls        sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&c.ID, &c.UserID, &c.CreationKind, &status, &c.Stage, &c.Error,
		&content, &urls, &c.ProcessingTime, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	if content.Valid {
		c.Content = json.RawMessage(content.String)
	}
	if urls.Valid && urls.String != "" {
		c.URLs = &storage.Published{}
		if err := json.Unmarshal([]byte(urls.String), c.URLs); err != nil {
			return nil, fmt.Errorf("decode urls: %w", err)
		}
	}
	if c.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &c, nil
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
