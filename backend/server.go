// Package backend is the HTTP/WebSocket surface of the telemetry service:
// stream ingestion, robot and session read APIs, video upload, health.
package backend

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Joinerlee/lerobot/cache"
	"github.com/Joinerlee/lerobot/database"
	"github.com/Joinerlee/lerobot/storage"
	"github.com/Joinerlee/lerobot/telemetry"
)

// Server wires the subsystems behind one handler. All collaborators are
// owned values passed at construction; teardown belongs to main.
type Server struct {
	cfg      *Config
	log      *slog.Logger
	db       *database.Client
	cache    cache.RobotCache
	store    *storage.Service
	manager  *telemetry.Manager
	registry *Registry
	upgrader websocket.Upgrader

	httpServer *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg *Config, log *slog.Logger, db *database.Client, robotCache cache.RobotCache, store *storage.Service) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		log:      log.With("component", "backend"),
		db:       db,
		cache:    robotCache,
		store:    store,
		manager:  telemetry.NewManager(db, cfg.WSBufferSize, log),
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				// Robots connect directly, not from browsers.
				return true
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the full route tree with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws/log/", s.handleTelemetryWS)

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleHealthLive)
	mux.HandleFunc("/health/ready", s.handleHealthReady)
	mux.HandleFunc("/health/detail", s.handleHealthDetail)

	mux.HandleFunc("/robots", s.handleRobots)
	mux.HandleFunc("/robots/", s.handleRobotStatus)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessions)

	mux.HandleFunc("/upload/video", s.handleVideoUpload)
	mux.HandleFunc("/upload/sync", s.handleUploadSync)
	mux.HandleFunc("/upload/storage-status", s.handleStorageStatus)

	return requestIDMiddleware(s.authMiddleware(mux))
}

// Registry exposes the connection registry for introspection.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Manager exposes the telemetry manager for shutdown flushing.
func (s *Server) Manager() *telemetry.Manager {
	return s.manager
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("backend listening", "addr", s.cfg.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener and flushes every live ingestion buffer.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.manager.FlushAll(ctx)
	return err
}
