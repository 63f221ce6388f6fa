// Package api is the ops and approval HTTP surface: checkpoint review,
// run submission and inspection, URG search, DLQ listing, health and
// metrics. All mutations are audited; coded errors map to HTTP statuses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tandem-run/tandem/internal/audit"
	"github.com/tandem-run/tandem/internal/checkpoint"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
	"github.com/tandem-run/tandem/internal/monitor"
	"github.com/tandem-run/tandem/internal/queue"
	"github.com/tandem-run/tandem/internal/router"
	"github.com/tandem-run/tandem/internal/runner"
	"github.com/tandem-run/tandem/internal/urg"
)

// Deps are the stores and services the API serves.
type Deps struct {
	Checkpoints checkpoint.Store
	Queue       queue.Queue
	Index       *urg.Index
	Events      *runner.EventLog
	Audit       *audit.Service
	Monitor     *monitor.Monitor
	Registry    *prometheus.Registry

	// AuthSecret signs and verifies bearer tokens.
	AuthSecret string
	// ApproverRole is the minimum role for approval mutations.
	ApproverRole router.Role
}

// Server is the HTTP server over Deps.
type Server struct {
	deps     Deps
	secret   string
	approver router.Role
	http     *http.Server
}

// New builds the server for the host and port.
func New(host string, port int, deps Deps) (*Server, error) {
	if deps.AuthSecret == "" {
		return nil, core.NewError(core.CodeValidation, "auth secret is required").
			WithRemediation("set AUTH_SECRET or server.auth_secret in the config file")
	}
	s := &Server{
		deps:     deps,
		secret:   deps.AuthSecret,
		approver: deps.ApproverRole,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Routes assembles the router. Exposed for in-process tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logMiddleware)

	r.Get("/api/v1/health", s.handleHealth)
	if s.deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/v1/checkpoints", s.handleCheckpointList)
		r.Post("/api/v1/checkpoints/{id}/approve", s.handleCheckpointApprove)
		r.Post("/api/v1/checkpoints/{id}/reject", s.handleCheckpointReject)
		r.Post("/api/v1/checkpoints/{id}/signatures", s.handleCheckpointSign)

		r.Get("/api/v1/runs/{id}", s.handleRunGet)
		r.Post("/api/v1/runs", s.handleRunEnqueue)

		r.Get("/api/v1/urg/search", s.handleSearch)
		r.Get("/api/v1/dlq", s.handleDLQ)
	})
	return r
}

// Start serves until ctx is cancelled, then drains with the timeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "api server listening", tag.Host(s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return core.WrapError(core.CodeFatal, err, "api server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return core.WrapError(core.CodeFatal, err, "api server shutdown failed")
	}
	return nil
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Info(r.Context(), "http request",
			tag.String("method", r.Method),
			tag.Path(r.URL.Path),
			tag.Status(fmt.Sprint(ww.Status())),
			tag.Elapsed(time.Since(start)),
			tag.String("request-id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := core.Classify(err)
	body := map[string]any{
		"error": err.Error(),
		"code":  string(code),
	}
	var coded *core.Error
	if errors.As(err, &coded) && coded.Remediation != "" {
		body["remediation"] = coded.Remediation
	}
	status := core.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		logger.Error(r.Context(), "request failed", tag.Path(r.URL.Path), tag.Error(err))
	}
	s.writeJSON(w, status, body)
}
