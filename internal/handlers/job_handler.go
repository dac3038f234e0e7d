package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/lifecycle"
	"github.com/ternarybob/keywatch/internal/models"
	"github.com/ternarybob/keywatch/internal/monitoring"
)

// JobHandler serves the job management API
type JobHandler struct {
	controller *lifecycle.Controller
	monitoring *monitoring.Service
	jobs       interfaces.JobStorage
	logger     arbor.ILogger
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(controller *lifecycle.Controller, monitoringService *monitoring.Service, jobs interfaces.JobStorage, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		controller: controller,
		monitoring: monitoringService,
		jobs:       jobs,
		logger:     logger,
	}
}

// CreateJobRequest is the POST /api/jobs body
type CreateJobRequest struct {
	Name         string            `json:"name"`
	Type         string            `json:"type" validate:"required"`
	Parameters   map[string]string `json:"parameters"`
	Priority     string            `json:"priority" validate:"omitempty,oneof=urgent high normal low"`
	MaxRetries   int               `json:"max_retries" validate:"gte=0,lte=10"`
	TimeoutSecs  int               `json:"timeout_seconds" validate:"gte=0,lte=86400"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
}

// CreateJobHandler handles POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req CreateJobRequest
	if !DecodeBody(w, r, &req) {
		return
	}

	job := models.NewJob(UserID(r), req.Name, models.JobType(req.Type),
		req.Parameters, models.JobPriority(req.Priority), req.MaxRetries)
	job.TimeoutSeconds = req.TimeoutSecs
	job.ScheduledFor = req.ScheduledFor
	if job.Name == "" {
		job.Name = string(job.Type)
	}

	created, err := h.controller.CreateJob(r.Context(), job)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

// ListJobsHandler handles GET /api/jobs
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	opts := &interfaces.JobListOptions{
		UserID: UserID(r),
		Status: models.JobStatus(r.URL.Query().Get("status")),
		Type:   models.JobType(r.URL.Query().Get("type")),
		Limit:  QueryInt(r, "limit", 50),
		Offset: QueryInt(r, "offset", 0),
	}

	jobs, err := h.jobs.ListJobs(r.Context(), opts)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	total, err := h.jobs.CountJobs(r.Context(), opts)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": total,
	})
}

// JobRoutes dispatches /api/jobs/{id} and its subpaths
func (h *JobHandler) JobRoutes(w http.ResponseWriter, r *http.Request) {
	id, action, ok := PathID(r.URL.Path, "/api/jobs/")
	if !ok {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	switch action {
	case "":
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		h.getJob(w, r, id)
	case "cancel":
		if !RequireMethod(w, r, http.MethodPost) {
			return
		}
		h.cancelJob(w, r, id)
	case "retry":
		if !RequireMethod(w, r, http.MethodPost) {
			return
		}
		h.retryJob(w, r, id)
	case "metrics":
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		h.jobMetrics(w, r, id)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

func (h *JobHandler) loadOwned(w http.ResponseWriter, r *http.Request, id int64) *models.Job {
	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "job not found")
		} else {
			WriteStorageError(w, err)
		}
		return nil
	}
	// Ownership check doubles as existence hiding for other users' jobs.
	if job.UserID != UserID(r) {
		WriteError(w, http.StatusNotFound, "job not found")
		return nil
	}
	return job
}

func (h *JobHandler) getJob(w http.ResponseWriter, r *http.Request, id int64) {
	if h.loadOwned(w, r, id) == nil {
		return
	}
	status, err := h.monitoring.JobStatus(r.Context(), id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (h *JobHandler) cancelJob(w http.ResponseWriter, r *http.Request, id int64) {
	if h.loadOwned(w, r, id) == nil {
		return
	}
	job, err := h.controller.CancelJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrTerminalState) {
			WriteError(w, http.StatusBadRequest, "job is already finished")
			return
		}
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (h *JobHandler) retryJob(w http.ResponseWriter, r *http.Request, id int64) {
	if h.loadOwned(w, r, id) == nil {
		return
	}
	job, err := h.controller.RetryJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrInvalidTransition) || errors.Is(err, interfaces.ErrRetryExhausted) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (h *JobHandler) jobMetrics(w http.ResponseWriter, r *http.Request, id int64) {
	if h.loadOwned(w, r, id) == nil {
		return
	}
	samples, err := h.monitoring.Metrics(r.Context(), id, QueryInt(r, "limit", 100))
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"samples": samples})
}
