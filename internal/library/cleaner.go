package library

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chorus/server/internal/protocol"
)

// Cleaner deletes uploaded files once no session queue references them.
// Sample tracks are never deleted. Failures are logged and swallowed; a
// leaked file is better than a crashed session teardown.
type Cleaner struct {
	uploads *Uploads
}

// NewCleaner wraps an upload store for teardown-time deletion.
func NewCleaner(uploads *Uploads) *Cleaner {
	return &Cleaner{uploads: uploads}
}

// Cleanup removes the file and metadata behind one upload URL. URLs outside
// the upload prefix, and anything under the sample prefix, are ignored.
func (c *Cleaner) Cleanup(trackURL string) {
	if c == nil || c.uploads == nil {
		return
	}
	if !strings.HasPrefix(trackURL, protocol.UploadPrefix) ||
		strings.HasPrefix(trackURL, protocol.SamplePrefix) {
		return
	}

	escaped := strings.TrimPrefix(trackURL, protocol.UploadPrefix)
	diskName, err := url.PathUnescape(escaped)
	if err != nil || diskName == "" || filepath.Base(diskName) != diskName {
		slog.Warn("upload cleanup skipped, malformed url", "url", trackURL)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := os.Remove(filepath.Join(c.uploads.dir, diskName)); err != nil && !os.IsNotExist(err) {
		slog.Warn("upload file delete failed", "disk_name", diskName, "err", err)
	}
	if err := c.uploads.meta.DeleteByDiskName(ctx, diskName); err != nil {
		slog.Warn("upload metadata delete failed", "disk_name", diskName, "err", err)
		return
	}
	slog.Debug("upload cleaned up", "disk_name", diskName)
}
