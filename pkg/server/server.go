// Package server hosts the JSON/HTTP API for submitting triage requests
// and deciding approvals.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/odvcencio/warden/pkg/approval"
	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/workflow"
)

// ResultStore reads persisted workflow results. *storage.Store satisfies it.
type ResultStore interface {
	GetResult(ctx context.Context, requestID string) (string, []byte, error)
}

// Config controls the HTTP server behavior.
type Config struct {
	BindAddress string
	// AuthToken, when set, is required as a bearer token on /api routes.
	AuthToken string
	// DecideRate caps approval decisions per second; zero means 5.
	DecideRate float64
}

// Server wires the orchestrator, approval gate, and result store into
// an HTTP API.
type Server struct {
	cfg        Config
	orch       *workflow.Orchestrator
	gate       *approval.Gate
	results    ResultStore
	metrics    http.Handler
	logger     *logging.Logger
	limiter    *rate.Limiter
	httpServer *http.Server
}

// NewServer constructs a server. metrics may be nil to disable /metrics.
func NewServer(cfg Config, orch *workflow.Orchestrator, gate *approval.Gate, results ResultStore, metrics http.Handler, logger *logging.Logger) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1:8787"
	}
	if cfg.DecideRate <= 0 {
		cfg.DecideRate = 5
	}

	s := &Server{
		cfg:     cfg,
		orch:    orch,
		gate:    gate,
		results: results,
		metrics: metrics,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.DecideRate), int(cfg.DecideRate)*2),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(s.securityHeadersMiddleware)

	router.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		router.Method(http.MethodGet, "/metrics", s.metrics)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/triage", s.handleTriage)
		r.Get("/triage/{id}", s.handleGetTriage)

		r.Get("/approvals", s.handleListApprovals)
		r.Get("/approvals/{id}", s.handleGetApproval)
		r.Post("/approvals/{id}/approve", s.rateLimited(s.handleApprove))
		r.Post("/approvals/{id}/reject", s.rateLimited(s.handleReject))
	})

	return router
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		provided := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AuthToken)) != 1 {
			respondError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			respondError(w, http.StatusTooManyRequests, errRateLimited)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}
