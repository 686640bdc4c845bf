package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/lifecycle"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

type createJobRequest struct {
	AreaID  int64  `json:"area_id"`
	Keyword string `json:"keyword"`
}

type requeueRequest struct {
	Reason string `json:"reason"`
}

type reportResponse struct {
	Job              fleet.ScrapeJob          `json:"job"`
	Dropped          []*lifecycle.RecordError `json:"dropped,omitempty"`
	AlreadyFinalized bool                     `json:"already_finalized,omitempty"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AreaID <= 0 {
		writeError(w, http.StatusBadRequest, "area_id is required")
		return
	}
	job, err := s.deps.Lifecycle.CreateJob(r.Context(), req.AreaID, req.Keyword)
	if err != nil {
		s.writeFailure(w, r, "create job", err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.JobFilter{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := fleet.ParseJobStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("area_id"); raw != "" {
		areaID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || areaID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid area_id")
			return
		}
		filter.AreaID = areaID
	}
	jobs, err := s.deps.Store.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, r, "list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []fleet.ScrapeJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "limit": limit, "offset": offset})
}

func (s *Server) staleJobs(w http.ResponseWriter, r *http.Request) {
	threshold := s.opts.StaleThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid threshold")
			return
		}
		threshold = d
	}
	ids, err := s.deps.Lifecycle.ReapStale(r.Context(), threshold)
	if err != nil {
		s.writeFailure(w, r, "list stale jobs", err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_ids": ids, "threshold": threshold.String()})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := int64Param(w, r, "job_id")
	if !ok {
		return
	}
	job, err := s.deps.Store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeFailure(w, r, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listBusinesses(w http.ResponseWriter, r *http.Request) {
	jobID, ok := int64Param(w, r, "job_id")
	if !ok {
		return
	}
	if _, err := s.deps.Store.GetJob(r.Context(), jobID); err != nil {
		s.writeFailure(w, r, "get job", err)
		return
	}
	businesses, err := s.deps.Store.ListBusinesses(r.Context(), jobID)
	if err != nil {
		s.writeFailure(w, r, "list businesses", err)
		return
	}
	if businesses == nil {
		businesses = []fleet.Business{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "businesses": businesses})
}

func (s *Server) completeJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := int64Param(w, r, "job_id")
	if !ok {
		return
	}
	var req lifecycle.Completion
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.deps.Lifecycle.ReportCompletion(r.Context(), jobID, req)
	s.writeReport(w, r, "report completion", res, err)
}

func (s *Server) failJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := int64Param(w, r, "job_id")
	if !ok {
		return
	}
	var req lifecycle.Failure
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.deps.Lifecycle.ReportFailure(r.Context(), jobID, req)
	s.writeReport(w, r, "report failure", res, err)
}

// writeReport answers duplicate reports with 200 so worker retries settle.
func (s *Server) writeReport(w http.ResponseWriter, r *http.Request, op string, res lifecycle.Result, err error) {
	switch {
	case errors.Is(err, fleet.ErrAlreadyFinalized):
		writeJSON(w, http.StatusOK, reportResponse{Job: res.Job, AlreadyFinalized: true})
	case err != nil:
		s.writeFailure(w, r, op, err)
	default:
		writeJSON(w, http.StatusOK, reportResponse{Job: res.Job, Dropped: res.Dropped})
	}
}

func (s *Server) requeueJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := int64Param(w, r, "job_id")
	if !ok {
		return
	}
	var req requeueRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	job, err := s.deps.Lifecycle.Requeue(r.Context(), jobID, req.Reason)
	if err != nil {
		s.writeFailure(w, r, "requeue job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func parseLimitOffset(r *http.Request) (int, int, error) {
	limit := defaultPageLimit
	offset := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(v, maxPageLimit)
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = v
	}
	return limit, offset, nil
}
