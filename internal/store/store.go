// Package store persists upload metadata in SQLite. Bytes live on disk
// under opaque names; this package only tracks what they are.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrUploadNotFound is returned when no upload row exists for a disk name.
var ErrUploadNotFound = errors.New("upload metadata not found")

// Upload is the metadata row for one uploaded audio file.
type Upload struct {
	ID           string
	OriginalName string
	ContentType  string
	DiskName     string
	SizeBytes    int64
	CreatedAt    time.Time
}

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS uploads (
	id TEXT PRIMARY KEY,
	original_name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	disk_name TEXT NOT NULL UNIQUE,
	size_bytes INTEGER NOT NULL CHECK(size_bytes >= 0),
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_created_at ON uploads(created_at_unix_ms);
`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// CreateUpload creates one upload metadata row.
func (s *Store) CreateUpload(ctx context.Context, u Upload) error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("upload id is required")
	}
	if strings.TrimSpace(u.OriginalName) == "" {
		return fmt.Errorf("upload original name is required")
	}
	if strings.TrimSpace(u.ContentType) == "" {
		return fmt.Errorf("upload content type is required")
	}
	if strings.TrimSpace(u.DiskName) == "" {
		return fmt.Errorf("upload disk name is required")
	}
	if u.SizeBytes < 0 {
		return fmt.Errorf("upload size must be non-negative")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO uploads (
	id, original_name, content_type, disk_name, size_bytes, created_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		u.ID,
		u.OriginalName,
		u.ContentType,
		u.DiskName,
		u.SizeBytes,
		u.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert upload metadata: %w", err)
	}
	slog.Debug("upload metadata created", "upload_id", u.ID, "size", u.SizeBytes)
	return nil
}

// UploadByDiskName returns the metadata row for one on-disk name.
func (s *Store) UploadByDiskName(ctx context.Context, diskName string) (Upload, error) {
	diskName = strings.TrimSpace(diskName)
	if diskName == "" {
		return Upload{}, fmt.Errorf("upload disk name is required")
	}

	const q = `
SELECT id, original_name, content_type, disk_name, size_bytes, created_at_unix_ms
FROM uploads
WHERE disk_name = ?
`

	var (
		u         Upload
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, q, diskName).Scan(
		&u.ID,
		&u.OriginalName,
		&u.ContentType,
		&u.DiskName,
		&u.SizeBytes,
		&createdMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			slog.Debug("upload not found", "disk_name", diskName)
			return Upload{}, ErrUploadNotFound
		}
		return Upload{}, fmt.Errorf("query upload metadata: %w", err)
	}

	u.CreatedAt = time.UnixMilli(createdMs).UTC()
	return u, nil
}

// DeleteByDiskName removes the metadata row for one on-disk name. Deleting
// a name with no row is not an error.
func (s *Store) DeleteByDiskName(ctx context.Context, diskName string) error {
	diskName = strings.TrimSpace(diskName)
	if diskName == "" {
		return fmt.Errorf("upload disk name is required")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE disk_name = ?`, diskName)
	if err != nil {
		return fmt.Errorf("delete upload metadata: %w", err)
	}
	return nil
}

// Count returns the number of upload rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count uploads: %w", err)
	}
	return n, nil
}
