package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"chorus/server/internal/clock"
	"chorus/server/internal/core"
	"chorus/server/internal/httpapi"
	"chorus/server/internal/library"
	"chorus/server/internal/store"
	"chorus/server/internal/ws"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", ":8080", "Echo listen address")
	dbPath := flag.String("db", "chorus.db", "SQLite database path")
	uploadsDir := flag.String("uploads-dir", "", "Upload directory path (defaults to <db-dir>/uploads)")
	samplesDir := flag.String("samples-dir", "samples", "Bundled sample track directory")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting server", "version", Version, "addr", *addr, "db", *dbPath)

	sqliteStore, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	uploadRoot := strings.TrimSpace(*uploadsDir)
	if uploadRoot == "" {
		uploadRoot = filepath.Join(filepath.Dir(*dbPath), "uploads")
	}
	slog.Debug("upload store", "dir", uploadRoot)

	uploads, err := library.NewUploads(uploadRoot, sqliteStore)
	if err != nil {
		slog.Error("initialize upload store", "err", err)
		os.Exit(1)
	}

	clk := clock.NewSystem()
	samples := library.NewLibrary(*samplesDir)
	registry := core.NewRegistry(clk, samples, library.NewCleaner(uploads))
	slog.Debug("session registry initialized", "samples_dir", *samplesDir)

	wsHandler := ws.NewHandler(registry, clk)
	server := httpapi.New(registry, wsHandler, uploads, *samplesDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go core.NewBroadcaster(registry).Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	slog.Info("listening", "addr", *addr)
	if err := server.Run(ctx, *addr); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
