// Package api exposes the orchestrator to out-of-process agents and operators over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/config"
	"job-orchestrator/internal/control"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/orchestrator"
	"job-orchestrator/internal/ratelimit"
	"job-orchestrator/internal/telemetry"
)

// Leaser hands out job ids from the discovery feed.
type Leaser interface {
	Lease(ctx context.Context, skill string) (string, error)
}

// Archive serves jobs that were compacted out of the live registry.
type Archive interface {
	GetArchivedJob(ctx context.Context, id string) (models.Job, error)
}

// AuditTrail lists the bus traffic recorded for a job.
type AuditTrail interface {
	ListAudit(ctx context.Context, jobID string, limit int) ([]models.AuditLog, error)
}

// Deps are the optional collaborators. Nil entries disable the feature they back.
type Deps struct {
	Feed    Leaser
	Limiter ratelimit.Limiter
	Archive Archive
	Audit   AuditTrail
	Logger  logrus.FieldLogger
}

// Server wires HTTP handlers onto an orchestrator.
type Server struct {
	cfg     config.Config
	orch    *orchestrator.Orchestrator
	feed    Leaser
	limiter ratelimit.Limiter
	archive Archive
	audit   AuditTrail
	log     logrus.FieldLogger
}

// New constructs the API server.
func New(cfg config.Config, orch *orchestrator.Orchestrator, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:     cfg,
		orch:    orch,
		feed:    deps.Feed,
		limiter: deps.Limiter,
		archive: deps.Archive,
		audit:   deps.Audit,
		log:     log.WithField("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handlePostJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/audit", s.handleAudit)
	r.Get("/accounts/{name}", s.handleAccount)
	r.Get("/status", s.handleStatus)
	r.Get("/tasks", s.handleTasks)

	r.Group(func(r chi.Router) {
		r.Use(s.operatorOnly)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Delete("/jobs/{id}", s.handleDelete)
		r.Post("/control", s.handleControl)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimited)
		r.Post("/jobs/{id}/claim", s.handleClaim)
		r.Post("/jobs/{id}/result", s.handleResult)
		r.Post("/jobs/{id}/commit", s.handleCommit)
		r.Post("/jobs/{id}/reveal", s.handleReveal)
		r.Get("/feed/{skill}/next", s.handleFeedNext)
	})
	return r
}

// rateLimited applies the per-agent token bucket. Requests without X-Agent-ID share a bucket
// per remote host.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.AgentKey(agentFromRequest(r)))
		if err != nil {
			s.log.WithError(err).Warn("rate limiter unavailable")
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) operatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.OperatorToken == "" {
			http.Error(w, "operator endpoint disabled", http.StatusForbidden)
			return
		}
		got := r.Header.Get("X-Operator-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.OperatorToken)) != 1 {
			http.Error(w, "invalid operator token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func agentFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Agent-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return "addr:" + host
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, models.ErrJobAlreadyAssigned),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrJobFinalized),
		errors.Is(err, models.ErrJobActive),
		errors.Is(err, models.ErrRevealTooEarly):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientBalance), errors.Is(err, models.ErrInsufficientStake):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrNotAssignee), errors.Is(err, models.ErrNotValidator):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidSpec),
		errors.Is(err, models.ErrInvalidParameters),
		errors.Is(err, control.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// requestTimeout bounds how long a gated call may wait while the orchestrator is paused.
const requestTimeout = 10 * time.Second
