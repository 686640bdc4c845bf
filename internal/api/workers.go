package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/registry"
)

type heartbeatRequest struct {
	Status fleet.AdminStatus `json:"status"`
}

type workerResponse struct {
	Worker      fleet.Admin `json:"worker"`
	RunningJobs int         `json:"running_jobs"`
}

type loadResponse struct {
	WorkerID          uuid.UUID `json:"worker_id"`
	RunningJobs       int       `json:"running_jobs"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs"`
	Available         int       `json:"available"`
}

type assignResponse struct {
	Job  fleet.ScrapeJob `json:"job"`
	Area *fleet.AreaPath `json:"area,omitempty"`
}

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req registry.Registration
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	admin, err := s.deps.Registry.Register(r.Context(), req)
	if err != nil {
		s.writeFailure(w, r, "register worker", err)
		return
	}
	writeJSON(w, http.StatusCreated, admin)
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	workerID, ok := workerParam(w, r)
	if !ok {
		return
	}
	admin, err := s.deps.Registry.Get(r.Context(), workerID)
	if err != nil {
		s.writeFailure(w, r, "get worker", err)
		return
	}
	running, err := s.deps.Registry.CurrentLoad(r.Context(), workerID)
	if err != nil {
		s.writeFailure(w, r, "get worker load", err)
		return
	}
	writeJSON(w, http.StatusOK, workerResponse{Worker: admin, RunningJobs: running})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	workerID, ok := workerParam(w, r)
	if !ok {
		return
	}
	var req heartbeatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	admin, err := s.deps.Registry.Heartbeat(r.Context(), workerID, req.Status)
	if err != nil {
		s.writeFailure(w, r, "heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, admin)
}

func (s *Server) workerLoad(w http.ResponseWriter, r *http.Request) {
	workerID, ok := workerParam(w, r)
	if !ok {
		return
	}
	admin, err := s.deps.Registry.Get(r.Context(), workerID)
	if err != nil {
		s.writeFailure(w, r, "get worker", err)
		return
	}
	running, err := s.deps.Registry.CurrentLoad(r.Context(), workerID)
	if err != nil {
		s.writeFailure(w, r, "get worker load", err)
		return
	}
	writeJSON(w, http.StatusOK, loadResponse{
		WorkerID:          workerID,
		RunningJobs:       running,
		MaxConcurrentJobs: admin.MaxConcurrentJobs,
		Available:         max(admin.MaxConcurrentJobs-running, 0),
	})
}

func (s *Server) assign(w http.ResponseWriter, r *http.Request) {
	workerID, ok := workerParam(w, r)
	if !ok {
		return
	}
	job, assigned, err := s.deps.Assigner.TryAssign(r.Context(), workerID)
	if errors.Is(err, fleet.ErrWorkerNotEligible) {
		// An ineligible worker sees the same answer as an empty backlog.
		err, assigned = nil, false
	}
	if err != nil {
		s.writeFailure(w, r, "assign", err)
		return
	}
	if !assigned {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.opts.RetryAfter.Seconds())))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	resp := assignResponse{Job: job}
	// The job is already claimed; a missing area only degrades the query.
	if path, err := s.deps.Store.DescribeArea(r.Context(), job.AreaID); err != nil {
		s.logger.Warn("describe area failed",
			zap.Int64("job_id", job.ID),
			zap.Int64("area_id", job.AreaID),
			zap.Error(err),
		)
	} else {
		resp.Area = &path
	}
	writeJSON(w, http.StatusOK, resp)
}

func workerParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "worker_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid worker_id")
		return uuid.Nil, false
	}
	return id, true
}
