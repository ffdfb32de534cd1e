// Package api serves the recorder status, door sensor commands, the health
// journal and metrics over HTTP and WebSocket
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"mdvr/internal/door"
	"mdvr/internal/logging"
	"mdvr/internal/types"
)

// Gate is the door gate as seen by the API
type Gate interface {
	Initialize(ctx context.Context, autostopSeconds int) error
	Deactivate(ctx context.Context) error
	Status() door.StatusSnapshot
	Subscribe(fn func(door.StatusSnapshot)) (unsubscribe func())
}

// EventStore lists journaled health events
type EventStore interface {
	List(limit int) ([]types.HealthEvent, error)
}

// ServerConfig holds API server specific configuration
type ServerConfig struct {
	Listen string
	// Autostop armed by POST /reed-switch/initialize
	AutostopSeconds int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

// DefaultServerConfig returns default API server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:          "127.0.0.1:8080",
		AutostopSeconds: 180,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
	}
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Server) {
		s.logger = logging.NewComponentLogger(logger, "api")
	}
}

// WithEventStore enables GET /api/events
func WithEventStore(store EventStore) Option {
	return func(s *Server) {
		s.events = store
	}
}

// WithHealthHandler mounts h at GET /healthz
func WithHealthHandler(h http.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// Server represents the HTTP API server
type Server struct {
	config     ServerConfig
	logger     *logrus.Entry
	router     *mux.Router
	httpServer *http.Server
	gate       Gate
	events     EventStore
	health     http.Handler
	ws         *WebSocketManager
}

// NewServer creates a new API server instance
func NewServer(cfg ServerConfig, gate Gate, opts ...Option) *Server {
	s := &Server{
		config: cfg,
		logger: logging.NewComponentLogger(logging.Discard(), "api"),
		router: mux.NewRouter(),
		gate:   gate,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ws = NewWebSocketManager(s.logger, gate.Status)

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// WebSocket returns the WebSocket manager
func (s *Server) WebSocket() *WebSocketManager {
	return s.ws
}

// Start serves until ctx is done or the listener fails
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.WithField("addr", listener.Addr().String()).Info("Starting API server")

	s.ws.Start(ctx)
	unsubscribe := s.gate.Subscribe(func(status door.StatusSnapshot) {
		s.ws.BroadcastEvent(MessageReedSwitchUpdate, status)
	})
	defer unsubscribe()

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		return s.Shutdown()
	case err := <-errChan:
		s.ws.Stop()
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.ws.Stop()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Error during server shutdown")
		return err
	}
	s.logger.Info("API server shutdown complete")
	return nil
}

// setupMiddleware configures middleware for the router
func (s *Server) setupMiddleware() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	rs := s.router.PathPrefix("/reed-switch").Subrouter()
	rs.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	rs.HandleFunc("/initialize", s.handleInitialize).Methods(http.MethodPost)
	rs.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)

	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	s.router.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.health != nil {
		s.router.Handle("/healthz", s.health).Methods(http.MethodGet)
	}
}
