// Package web exposes the recognition pipeline over HTTP.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/andresmejia3/sentinel-live/internal/metrics"
	"github.com/andresmejia3/sentinel-live/internal/pipeline"
	"github.com/andresmejia3/sentinel-live/internal/publisher"
	"github.com/andresmejia3/sentinel-live/internal/web/middleware"
)

// Deps are the components served by the web server. Recognizer may be nil
// when the server only streams a local pipeline; the upload routes are then
// not registered. Nil Streamer or Settings likewise drop their routes.
// EditableSettings limits which settings fields PUT may change; empty allows
// all of them.
type Deps struct {
	Recognizer       *publisher.Recognizer
	Slot             *publisher.Slot
	Streamer         *publisher.Streamer
	Settings         *pipeline.Settings
	EditableSettings []string
	Logs             publisher.RecognitionLog
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// Server represents the web server
type Server struct {
	deps       Deps
	router     *chi.Mux
	httpServer *http.Server
	log        *slog.Logger
}

// NewServer creates a new web server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()
	s := &Server{deps: deps, router: r, log: deps.Logger}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS())

	s.setupRoutes()

	// Shutdown does not cancel in-flight requests, and the video feed only
	// ends with its request context.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second, // the video feed clears its own deadline
		IdleTimeout:       120 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(cancelRequests)
	return s
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and shuts the server down when ctx is
// cancelled. Open video feeds are closed as part of the shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("starting web server", "addr", ln.Addr().String())
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
