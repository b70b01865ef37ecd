// Package server exposes the panel API: a small local HTTP surface the
// embedding component browser polls for run status and results.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/chromakey/chromakey/pkg/bridge"
	"github.com/chromakey/chromakey/pkg/runner"
)

// RunController is the slice of the run host the handlers need. The
// bridge satisfies it; tests use a fake.
type RunController interface {
	Status(ctx context.Context) (*bridge.RunStatus, error)
	Results(ctx context.Context) ([]runner.TaskResult, error)
	Cancel(ctx context.Context) error
}

// Server serves the panel API.
type Server struct {
	host   string
	port   int
	ctrl   RunController
	logger *zap.Logger
	router chi.Router
}

// New creates a server bound to host:port.
func New(host string, port int, ctrl RunController, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		host:   host,
		port:   port,
		ctrl:   ctrl,
		logger: logger,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler, exposed for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// ListenAndServe serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("panel API listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/results", s.handleResults)
	r.Post("/api/cancel", s.handleCancel)
	return r
}
