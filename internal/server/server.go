// Package server is the read-only status server of a running pipeline.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/lakeflow/internal/errors"
	"github.com/3leaps/lakeflow/internal/observability"
	"github.com/3leaps/lakeflow/internal/server/handlers"
	"github.com/3leaps/lakeflow/internal/server/middleware"
)

// Timeouts bound the HTTP server.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

func defaultTimeouts() Timeouts {
	return Timeouts{Read: 30 * time.Second, Write: 30 * time.Second, Idle: 120 * time.Second, Shutdown: 10 * time.Second}
}

type Server struct {
	host     string
	port     int
	timeouts Timeouts
	router   chi.Router
	runs     *handlers.RunHandler
}

type Option func(*Server)

func WithTimeouts(t Timeouts) Option {
	return func(s *Server) {
		d := defaultTimeouts()
		if t.Read > 0 {
			d.Read = t.Read
		}
		if t.Write > 0 {
			d.Write = t.Write
		}
		if t.Idle > 0 {
			d.Idle = t.Idle
		}
		if t.Shutdown > 0 {
			d.Shutdown = t.Shutdown
		}
		s.timeouts = d
	}
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:     host,
		port:     port,
		timeouts: defaultTimeouts(),
		runs:     handlers.NewRunHandler(),
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewNotFound("route not found: "+req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewMethodNotAllowed("method "+req.Method+" not allowed on "+req.URL.Path))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)
	r.Get("/run", s.runs.State)
	r.Get("/run/results", s.runs.Results)
	return r
}

// Attach serves src on /run and /run/results.
func (s *Server) Attach(src handlers.RunSource) {
	s.runs.Attach(src)
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Port() int { return s.port }

func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Serve listens on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}

	errCh := make(chan error, 1)
	go func() {
		observability.CLILogger.Info("status server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeouts.Shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

// Start listens on the configured address and serves in the background.
// The returned channel yields the serve error once ctx is done.
func (s *Server) Start(ctx context.Context) (net.Addr, <-chan error, error) {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	return ln.Addr(), done, nil
}
