package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mosaic-app/mosaic/internal/auth"
)

// Deps are the collaborators behind the API. Telemetry, Peers, Uploader and
// Audit are optional; the matching endpoints answer 503 without them.
type Deps struct {
	Coordinator CoordinatorPort
	Telemetry   TelemetryPort
	Peers       PeerPort
	Uploader    UploadPort
	Audit       AuditPort
	Auth        *auth.Middleware
	Logger      *slog.Logger
}

// Server is the control API HTTP server.
type Server struct {
	coordinator CoordinatorPort
	telemetry   TelemetryPort
	peers       PeerPort
	uploader    UploadPort
	auditor     AuditPort
	auth        *auth.Middleware
	logger      *slog.Logger

	httpServer *http.Server
	startTime  time.Time
	version    string
}

// NewServer creates a server. Nothing listens until Start or Serve.
func NewServer(deps Deps, readHeaderTimeout, idleTimeout time.Duration) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	authMW := deps.Auth
	if authMW == nil {
		authMW = auth.NewMiddleware(nil, logger)
	}

	s := &Server{
		coordinator: deps.Coordinator,
		telemetry:   deps.Telemetry,
		peers:       deps.Peers,
		uploader:    deps.Uploader,
		auditor:     deps.Audit,
		auth:        authMW,
		logger:      logger.With("component", "api"),
		startTime:   time.Now(),
		version:     "dev",
	}
	// No WriteTimeout: the telemetry stream is long-lived.
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s
}

// SetVersion sets the version reported by the health endpoint.
func (s *Server) SetVersion(v string) {
	s.version = v
}

// Start listens on addr and serves until Stop. It returns nil after a
// graceful shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("control API listening", "addr", ln.Addr().String(), "auth", s.auth.Enabled())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
