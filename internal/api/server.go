package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger

	// TLS is enabled when both files are set.
	TLSCertFile string
	TLSKeyFile  string
}

// DefaultServerConfig returns a sensible default configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:            "127.0.0.1:8470",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		Logger:          slog.Default(),
	}
}

// Server wraps http.Server with graceful shutdown.
type Server struct {
	server          *http.Server
	router          chi.Router
	config          *ServerConfig
	logger          *slog.Logger
	started         atomic.Bool
	shutdownStarted atomic.Bool
}

// NewServer creates a new HTTP server.
func NewServer(router chi.Router, config *ServerConfig) (*Server, error) {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if (config.TLSCertFile == "") != (config.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key must be set together")
	}

	s := &Server{
		router: router,
		config: config,
		logger: config.Logger,
	}
	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(config.Logger.Handler(), slog.LevelError),
	}
	if s.tlsEnabled() {
		s.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return s, nil
}

func (s *Server) tlsEnabled() bool {
	return s.config.TLSCertFile != ""
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.started.Swap(true) {
		return fmt.Errorf("server already started")
	}
	s.logger.InfoContext(ctx, "starting HTTP server", "addr", listener.Addr().String(), "tls", s.tlsEnabled())

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.tlsEnabled() {
			err = s.server.ServeTLS(listener, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.Shutdown(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		return <-errCh
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.Load() || s.shutdownStarted.Swap(true) {
		return nil
	}

	s.logger.InfoContext(ctx, "shutting down HTTP server")
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.ErrorContext(ctx, "server shutdown error", "error", err)
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.InfoContext(ctx, "HTTP server stopped")
	return nil
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.config.Addr
}

// HealthChecker provides health check functionality.
type HealthChecker struct {
	checks map[string]HealthCheckFunc
	logger *slog.Logger
}

// HealthCheckFunc is a function that performs a health check.
type HealthCheckFunc func(ctx context.Context) error

// NewHealthChecker creates a new health checker.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		checks: make(map[string]HealthCheckFunc),
		logger: logger,
	}
}

// Register registers a health check.
func (h *HealthChecker) Register(name string, check HealthCheckFunc) {
	h.checks[name] = check
}

// Check runs all health checks and returns the results.
func (h *HealthChecker) Check(ctx context.Context) *HealthCheckResult {
	result := &HealthCheckResult{
		Status:     "healthy",
		Components: make(map[string]*ComponentHealthResult),
	}

	for name, check := range h.checks {
		componentResult := &ComponentHealthResult{Status: "healthy"}
		if err := check(ctx); err != nil {
			componentResult.Status = "unhealthy"
			componentResult.Error = err.Error()
			result.Status = "unhealthy"
			h.logger.WarnContext(ctx, "health check failed", "component", name, "error", err)
		}
		result.Components[name] = componentResult
	}

	return result
}

// HealthCheckResult represents the result of health checks.
type HealthCheckResult struct {
	Status     string                            `json:"status"`
	Components map[string]*ComponentHealthResult `json:"components,omitempty"`
}

// ComponentHealthResult represents the result of a component health check.
type ComponentHealthResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
