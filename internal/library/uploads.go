package library

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"chorus/server/internal/protocol"
	"chorus/server/internal/store"
)

const defaultContentType = "application/octet-stream"

// Uploads coordinates uploaded audio bytes on disk with metadata in sqlite.
// Files get opaque UUID disk names; the original name only survives in the
// metadata row.
type Uploads struct {
	dir  string
	meta *store.Store
}

// PutInput contains the data required to write one upload.
type PutInput struct {
	OriginalName string
	ContentType  string
	Reader       io.Reader
}

// OpenResult is an upload metadata + opened file stream tuple.
type OpenResult struct {
	Metadata store.Upload
	File     *os.File
}

// NewUploads creates an upload store rooted at dir.
func NewUploads(dir string, meta *store.Store) (*Uploads, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("upload directory is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("sqlite metadata store is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	slog.Debug("upload store initialized", "dir", dir)
	return &Uploads{dir: dir, meta: meta}, nil
}

// Put writes the bytes to disk under a fresh UUID name and records the
// metadata. The original extension is kept so players can sniff the format
// from the URL.
func (u *Uploads) Put(ctx context.Context, input PutInput) (store.Upload, error) {
	if input.Reader == nil {
		return store.Upload{}, fmt.Errorf("upload reader is required")
	}
	originalName := filepath.Base(strings.TrimSpace(input.OriginalName))
	if originalName == "" || originalName == "." || originalName == string(filepath.Separator) {
		return store.Upload{}, fmt.Errorf("upload original name is required")
	}
	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" {
		contentType = defaultContentType
	}

	id := uuid.NewString()
	diskName := id + safeExtension(originalName)

	tempFile, err := os.CreateTemp(u.dir, ".upload-write-*")
	if err != nil {
		return store.Upload{}, fmt.Errorf("create temp upload file: %w", err)
	}
	tempPath := tempFile.Name()

	size, copyErr := io.Copy(tempFile, input.Reader)
	closeErr := tempFile.Close()
	if copyErr != nil {
		_ = os.Remove(tempPath)
		return store.Upload{}, fmt.Errorf("write upload bytes: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return store.Upload{}, fmt.Errorf("close upload file: %w", closeErr)
	}

	finalPath := filepath.Join(u.dir, diskName)
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return store.Upload{}, fmt.Errorf("move upload into place: %w", err)
	}

	meta := store.Upload{
		ID:           id,
		OriginalName: originalName,
		ContentType:  contentType,
		DiskName:     diskName,
		SizeBytes:    size,
		CreatedAt:    time.Now().UTC(),
	}
	if err := u.meta.CreateUpload(ctx, meta); err != nil {
		_ = os.Remove(finalPath)
		return store.Upload{}, fmt.Errorf("persist upload metadata: %w", err)
	}

	slog.Info("upload stored", "upload_id", id, "name", originalName, "size", size, "content_type", contentType)
	return meta, nil
}

// Open resolves upload metadata by disk name and opens the on-disk file.
func (u *Uploads) Open(ctx context.Context, diskName string) (OpenResult, error) {
	if filepath.Base(diskName) != diskName {
		return OpenResult{}, store.ErrUploadNotFound
	}
	meta, err := u.meta.UploadByDiskName(ctx, diskName)
	if err != nil {
		return OpenResult{}, err
	}

	path := filepath.Join(u.dir, meta.DiskName)
	f, err := os.Open(path)
	if err != nil {
		slog.Error("upload file open failed", "disk_name", diskName, "path", path, "err", err)
		return OpenResult{}, fmt.Errorf("open upload file: %w", err)
	}
	return OpenResult{Metadata: meta, File: f}, nil
}

// URL returns the playback URL clients use for a stored upload.
func URL(diskName string) string {
	return protocol.UploadPrefix + diskName
}

// safeExtension keeps a short alphanumeric extension and drops anything odd.
func safeExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
