// Package httpapi is the Echo application: websocket upgrade, health and
// state endpoints, audio upload and serving.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chorus/server/internal/core"
	"chorus/server/internal/library"
	"chorus/server/internal/store"
	"chorus/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application.
type Server struct {
	echo       *echo.Echo
	registry   *core.Registry
	wsHandler  *ws.Handler
	uploads    *library.Uploads
	samplesDir string
}

// New constructs an Echo app with websocket + REST routes. The upload store
// is optional; without it the upload routes are not registered.
func New(registry *core.Registry, wsHandler *ws.Handler, uploads *library.Uploads, samplesDir string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:       e,
		registry:   registry,
		wsHandler:  wsHandler,
		uploads:    uploads,
		samplesDir: strings.TrimSpace(samplesDir),
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/session-id", s.handleSessionID)
	if s.uploads != nil {
		s.echo.POST("/api/uploads", s.handleUpload)
		s.echo.GET("/audio/uploads/:name", s.handleUploadDownload)
	}
	if s.samplesDir != "" {
		s.echo.GET("/audio/uploads/samples/:name", s.handleSampleDownload)
	}
	s.wsHandler.Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Connections int64  `json:"connections"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Sessions:    s.registry.SessionCount(),
		Connections: s.wsHandler.ConnCount(),
	})
}

type sessionSummary struct {
	SessionID          string `json:"session_id"`
	Clients            int    `json:"clients"`
	IsPlaying          bool   `json:"is_playing"`
	QueueLength        int    `json:"queue_length"`
	SyncVersion        uint64 `json:"sync_version"`
	ControllerClientID string `json:"controller_client_id"`
	CreatedAtMs        int64  `json:"created_at_ms"`
}

type stateResponse struct {
	Sessions []sessionSummary `json:"sessions"`
}

func (s *Server) handleState(c echo.Context) error {
	sessions := s.registry.Sessions()
	summaries := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		snap := sess.Snapshot()
		summaries = append(summaries, sessionSummary{
			SessionID:          sess.ID,
			Clients:            len(sess.Members()),
			IsPlaying:          snap.IsPlaying,
			QueueLength:        len(snap.Queue),
			SyncVersion:        snap.SyncVersion,
			ControllerClientID: snap.ControllerClientID,
			CreatedAtMs:        snap.SessionSettings.CreatedAtMs,
		})
	}
	return c.JSON(http.StatusOK, stateResponse{Sessions: summaries})
}

type sessionIDResponse struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSessionID(c echo.Context) error {
	return c.JSON(http.StatusOK, sessionIDResponse{SessionID: s.registry.GenerateSessionID()})
}

type uploadResponse struct {
	Success      bool   `json:"success"`
	ID           string `json:"id"`
	URL          string `json:"url"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	SizeBytes    int64  `json:"size_bytes"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) handleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"file\" is required")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	contentType := strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType))
	meta, err := s.uploads.Put(c.Request().Context(), library.PutInput{
		OriginalName: fileHeader.Filename,
		ContentType:  contentType,
		Reader:       src,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist upload: %v", err))
	}

	return c.JSON(http.StatusCreated, uploadResponse{
		Success:      true,
		ID:           meta.ID,
		URL:          library.URL(meta.DiskName),
		OriginalName: meta.OriginalName,
		ContentType:  meta.ContentType,
		SizeBytes:    meta.SizeBytes,
		CreatedAt:    meta.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleUploadDownload(c echo.Context) error {
	name := strings.TrimSpace(c.Param("name"))
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "upload name is required")
	}

	result, err := s.uploads.Open(c.Request().Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrUploadNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "upload not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("open upload: %v", err))
	}
	defer result.File.Close()

	c.Response().Header().Set(echo.HeaderContentType, result.Metadata.ContentType)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(result.Metadata.SizeBytes, 10))
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, result.File)
	return copyErr
}

func (s *Server) handleSampleDownload(c echo.Context) error {
	name := strings.TrimSpace(c.Param("name"))
	if name == "" || filepath.Base(name) != name {
		return echo.NewHTTPError(http.StatusBadRequest, "sample name is required")
	}
	return c.File(filepath.Join(s.samplesDir, name))
}
