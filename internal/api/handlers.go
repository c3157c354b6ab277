package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"job-orchestrator/internal/control"
	"job-orchestrator/internal/models"
)

type postJobRequest struct {
	models.JobSpec
	// DeadlineIn sets Deadline relative to now when Deadline is omitted.
	DeadlineIn models.Duration `json:"deadline_in,omitempty"`
}

func (s *Server) handlePostJob(w http.ResponseWriter, r *http.Request) {
	var req postJobRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	spec := req.JobSpec
	if spec.Deadline.IsZero() && req.DeadlineIn > 0 {
		spec.Deadline = time.Now().UTC().Add(time.Duration(req.DeadlineIn))
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	job, err := s.orch.PostJob(ctx, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.orch.Job(id)
	if err != nil && s.archive != nil {
		job, err = s.archive.GetArchivedJob(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit trail not configured", http.StatusServiceUnavailable)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	rows, err := s.audit.ListAudit(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.log.WithError(err).Warn("list audit rows")
		http.Error(w, "audit trail unavailable", http.StatusServiceUnavailable)
		return
	}
	if rows == nil {
		rows = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, rows)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	job, err := s.orch.CancelJob(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteJob(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type claimRequest struct {
	Agent string `json:"agent"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	agent, ok := identity(w, r, req.Agent)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.orch.ClaimJob(ctx, id, agent); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.orch.Job(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type resultRequest struct {
	Agent  string        `json:"agent"`
	Result models.Result `json:"result"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	agent, ok := identity(w, r, req.Agent)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.orch.SubmitResult(ctx, chi.URLParam(r, "id"), agent, req.Result); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "submitted"})
}

type commitRequest struct {
	Validator string `json:"validator"`
	Digest    string `json:"digest"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	validator, ok := identity(w, r, req.Validator)
	if !ok {
		return
	}
	if req.Digest == "" {
		http.Error(w, "digest is required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.orch.Commit(ctx, chi.URLParam(r, "id"), validator, req.Digest); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "committed"})
}

type revealRequest struct {
	Validator string `json:"validator"`
	Verdict   bool   `json:"verdict"`
	Salt      string `json:"salt,omitempty"`
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	var req revealRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	validator, ok := identity(w, r, req.Validator)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.orch.Reveal(ctx, chi.URLParam(r, "id"), validator, req.Verdict); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "revealed"})
}

func (s *Server) handleFeedNext(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		http.Error(w, "feed not configured", http.StatusServiceUnavailable)
		return
	}
	skill := chi.URLParam(r, "skill")
	for {
		id, err := s.feed.Lease(r.Context(), skill)
		if err != nil {
			s.log.WithError(err).Warn("feed lease failed")
			http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
			return
		}
		if id == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		// The feed can lag the registry; skip ids that are no longer open.
		job, err := s.orch.Job(id)
		if err != nil || job.Status != models.StatusPosted {
			continue
		}
		writeJSON(w, http.StatusOK, job)
		return
	}
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	acct, ok := s.orch.Ledger().Account(name)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown account %q", name), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Tasks())
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var cmd control.Command
	if err := decodeBody(r, &cmd); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := cmd.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.orch.ApplyCommand(r.Context(), cmd); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Status())
}

// identity returns the caller named by X-Agent-ID. A name in the body is optional and must
// match the header.
func identity(w http.ResponseWriter, r *http.Request, body string) (string, bool) {
	agent := r.Header.Get("X-Agent-ID")
	if agent == "" {
		http.Error(w, "X-Agent-ID is required", http.StatusBadRequest)
		return "", false
	}
	if body != "" && body != agent {
		http.Error(w, "body identity does not match X-Agent-ID", http.StatusForbidden)
		return "", false
	}
	return agent, true
}
