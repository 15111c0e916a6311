package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/smsbridge/internal/bridge"
	"github.com/mattjoyce/smsbridge/internal/delivery"
	"github.com/mattjoyce/smsbridge/internal/events"
	"github.com/mattjoyce/smsbridge/internal/log"
	"github.com/mattjoyce/smsbridge/internal/supervisor"
)

// Bridge is the part of the bridge service the API drives.
type Bridge interface {
	Status(ctx context.Context) bridge.Status
	Notify(ctx context.Context, uri string) error
	HandleOutcome(ctx context.Context, o delivery.Outcome) error
	Stop() error
	SignOut(ctx context.Context) (*supervisor.ResetReport, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token for every endpoint except /healthz and
	// /openapi.json. An empty key rejects all protected requests.
	APIKey string
}

// Server represents the HTTP control API.
type Server struct {
	config    Config
	bridge    Bridge
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, b Bridge, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		bridge:    b,
		events:    hub,
		logger:    log.OrComponent(logger, "api"),
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /events streams
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/records", s.handleRecord)
		r.Post("/outcomes", s.handleOutcome)
		r.Post("/bridge/stop", s.handleStop)
		r.Post("/bridge/reset", s.handleReset)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
