// Package api exposes the HTTP surface: job submission and status, plan
// retrieval, daily check-ins, and generation-time estimates.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/planforge/planforge/estimate"
	"github.com/planforge/planforge/job"
	"github.com/planforge/planforge/plan"
	"github.com/planforge/planforge/storage"
	"github.com/planforge/planforge/trend"
)

// Orchestrator is the job-lifecycle surface the handlers need.
type Orchestrator interface {
	CreateJob(ctx context.Context, ownerID string, profile *plan.Profile, opts job.RedoOptions) (*job.Job, job.CreateStatus, error)
	CancelJob(ctx context.Context, jobID string) error
	Job(ctx context.Context, id string) (*job.Job, error)
}

// EntityStore is the persistence surface the handlers need.
type EntityStore interface {
	GetPlan(ctx context.Context, id storage.EntityID) (*plan.Plan, error)
	PutCheckIn(ctx context.Context, c *trend.CheckIn) error
	RecentRuns(ctx context.Context, ownerID string) ([]estimate.RunRecord, error)
}

// JobFinder locates an owner's job history for the estimate endpoint.
type JobFinder interface {
	LatestForOwner(ctx context.Context, ownerID string) (*job.Job, error)
}

// Server holds handler dependencies.
type Server struct {
	orch     Orchestrator
	entities EntityStore
	jobs     JobFinder
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewServer wires the HTTP handlers. gatherer may be nil to disable /metrics.
func NewServer(orch Orchestrator, entities EntityStore, jobs JobFinder, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{orch: orch, entities: entities, jobs: jobs, gatherer: gatherer, logger: logger}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleCancelJob)
	})
	r.Get("/plans/{id}", s.handleGetPlan)
	r.Post("/checkins", s.handlePutCheckIn)
	r.Get("/owners/{id}/estimate", s.handleEstimate)

	return r
}

// createJobRequest is the POST /jobs payload.
type createJobRequest struct {
	OwnerID string        `json:"ownerId"`
	Redo    bool          `json:"redo,omitempty"`
	Profile *plan.Profile `json:"profile"`
}

// jobView is the client-facing job representation.
type jobView struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"ownerId"`
	Status       job.Status `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ResultPlanID string     `json:"resultPlanId,omitempty"`
	ErrorCode    string     `json:"errorCode,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	RetryCount   int        `json:"retryCount,omitempty"`
}

func viewOf(j *job.Job) jobView {
	return jobView{
		ID:           j.ID,
		OwnerID:      j.OwnerID,
		Status:       j.Status,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  j.CompletedAt,
		ResultPlanID: j.ResultPlanID,
		ErrorCode:    j.ErrorCode,
		ErrorMessage: j.ErrorMessage,
		RetryCount:   j.RetryCount,
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OwnerID == "" || req.Profile == nil {
		s.writeError(w, http.StatusBadRequest, "ownerId and profile are required")
		return
	}

	j, status, err := s.orch.CreateJob(r.Context(), req.OwnerID, req.Profile, job.RedoOptions{Redo: req.Redo})
	switch {
	case errors.Is(err, job.ErrRedoLimit):
		s.writeError(w, http.StatusTooManyRequests, "daily redo limit reached")
		return
	case errors.Is(err, job.ErrRedoWhileProcessing):
		s.writeError(w, http.StatusConflict, "a job is already processing for this owner")
		return
	case err != nil:
		s.internalError(w, r, "create job", err)
		return
	}

	code := http.StatusAccepted
	if status == job.CreateStatusExisting {
		code = http.StatusOK
	}
	s.writeJSON(w, code, map[string]any{
		"job":          viewOf(j),
		"createStatus": status,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.orch.Job(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.internalError(w, r, "get job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(j))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.orch.CancelJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		var stateErr *job.StateError
		if errors.As(err, &stateErr) {
			s.writeError(w, http.StatusConflict, "job cannot be cancelled in its current state")
			return
		}
		s.internalError(w, r, "cancel job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id := storage.EntityID{Type: storage.EntityTypePlan, ID: raw}
	if strings.Contains(raw, ":") {
		parsed, err := storage.ParseEntityID(raw)
		if err != nil || parsed.Type != storage.EntityTypePlan {
			s.writeError(w, http.StatusBadRequest, "invalid plan id")
			return
		}
		id = parsed
	}

	p, err := s.entities.GetPlan(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "plan not found")
			return
		}
		s.internalError(w, r, "get plan", err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutCheckIn(w http.ResponseWriter, r *http.Request) {
	var c trend.CheckIn
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if c.OwnerID == "" {
		s.writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	if c.Date.IsZero() {
		c.Date = time.Now().UTC()
	}
	if err := s.entities.PutCheckIn(r.Context(), &c); err != nil {
		s.internalError(w, r, "store check-in", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "id")

	latest, err := s.jobs.LatestForOwner(r.Context(), ownerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "owner has no jobs to estimate from")
			return
		}
		s.internalError(w, r, "find owner job", err)
		return
	}

	runs, err := s.entities.RecentRuns(r.Context(), ownerID)
	if err != nil {
		s.internalError(w, r, "load run history", err)
		return
	}

	s.writeJSON(w, http.StatusOK, estimate.Predict(latest.Profile, runs))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]string{"error": message})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
