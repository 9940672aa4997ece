package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blueprint/pkg/llm"
	"blueprint/pkg/logx"
	"blueprint/pkg/proto"
	"blueprint/pkg/router"
	"blueprint/pkg/store"
	"blueprint/pkg/workflow"
)

// Server exposes the orchestrator over HTTP.
type Server struct {
	orch   *Orchestrator
	srv    *http.Server
	logger *logx.Logger
}

// NewServer builds the HTTP server on the given listen address.
func NewServer(orch *Orchestrator, addr string) *Server {
	s := &Server{
		orch:   orch,
		logger: logx.NewLogger("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/workflows", s.handleStart)
	mux.HandleFunc("GET /api/workflows", s.handleList)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/workflows/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/workflows/{id}/review", s.handleReview)
	mux.HandleFunc("POST /api/workflows/{id}/refine", s.handleRefine)
	mux.HandleFunc("GET /api/workflows/{id}/questions", s.handleQuestions)
	mux.HandleFunc("GET /api/workflows/{id}/usage", s.handleUsage)
	mux.HandleFunc("POST /api/workflows/{id}/answers", s.handleAnswers)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

type startRequest struct {
	ProjectID        string `json:"project_id"`
	RepoURL          string `json:"repo_url"`
	Branch           string `json:"branch,omitempty"`
	RequirementsPath string `json:"requirements_path"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	st, err := s.orch.StartWorkflow(r.Context(), workflow.WorkflowInput{
		ProjectID:        req.ProjectID,
		RepoURL:          req.RepoURL,
		Branch:           req.Branch,
		RequirementsPath: req.RequirementsPath,
	})
	if err != nil {
		// The session may still exist (parked at failed) even when the
		// run errored; report both.
		if st != nil {
			s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"state": st,
				"error": err.Error(),
			})
			return
		}
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.orch.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// statusResponse flattens the session state and adds the derived
// progress fraction.
type statusResponse struct {
	*workflow.State
	Progress float64 `json:"progress"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{State: st, Progress: st.Progress()})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.ResumeWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		if st != nil {
			s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"state": st,
				"error": err.Error(),
			})
			return
		}
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type reviewRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
	Reviewer string `json:"reviewer,omitempty"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	st, err := s.orch.SubmitReview(r.Context(), r.PathValue("id"), req.Decision, req.Comment, req.Reviewer)
	if err != nil {
		if st != nil {
			s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"state": st,
				"error": err.Error(),
			})
			return
		}
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type refineRequest struct {
	Stage    string `json:"stage"`
	Strategy string `json:"strategy,omitempty"`
}

func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request) {
	var req refineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	stage := proto.Stage(req.Stage)
	if err := workflow.ValidateStage(stage); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, qs, err := s.orch.RefineArtifact(r.Context(), r.PathValue("id"), stage, req.Strategy)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"result":    result,
		"questions": qs,
	})
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := s.orch.GetQuestions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"questions": qs})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	totals, byModel, err := s.orch.SessionUsage(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"totals":   totals,
		"by_model": byModel,
	})
}

type answersRequest struct {
	Answers []proto.Answer `json:"answers"`
}

func (s *Server) handleAnswers(w http.ResponseWriter, r *http.Request) {
	var req answersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := s.orch.SubmitAnswers(r.Context(), r.PathValue("id"), req.Answers); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case workflow.IsPrecondition(err), workflow.IsMaxRevisionsExceeded(err):
		return http.StatusConflict
	case llm.IsMalformedOutput(err):
		return http.StatusBadGateway
	case router.IsAllProvidersFailed(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
