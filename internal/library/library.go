// Package library manages the audio files a session can play: a read-only
// sample directory that seeds new sessions, and an uploads directory whose
// files live only as long as some queue references them.
package library

import (
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"chorus/server/internal/protocol"
)

var audioExtensions = map[string]bool{
	".mp3":  true,
	".ogg":  true,
	".wav":  true,
	".flac": true,
	".m4a":  true,
	".aac":  true,
	".opus": true,
	".webm": true,
}

// Library scans a directory of bundled sample tracks.
type Library struct {
	dir string
}

// NewLibrary creates a sample library rooted at dir. A missing directory is
// fine; it just yields no samples.
func NewLibrary(dir string) *Library {
	return &Library{dir: strings.TrimSpace(dir)}
}

// Tracks lists the sample tracks, sorted by file name. Each scan rebuilds
// the list so dropping a file into the directory is enough.
func (l *Library) Tracks() []protocol.Track {
	if l == nil || l.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("sample directory scan failed", "dir", l.dir, "err", err)
		}
		return nil
	}

	var tracks []protocol.Track
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !audioExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		tracks = append(tracks, protocol.Track{
			ID:    "sample-" + name,
			URL:   protocol.SamplePrefix + url.PathEscape(name),
			Title: strings.TrimSuffix(name, filepath.Ext(name)),
			Metadata: map[string]any{
				"type": "sample",
			},
		})
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].Title < tracks[j].Title })
	return tracks
}
