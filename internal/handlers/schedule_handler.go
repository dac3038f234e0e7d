package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/lifecycle"
	"github.com/ternarybob/keywatch/internal/models"
	"github.com/ternarybob/keywatch/internal/scheduler"
)

// ScheduleHandler serves the schedule management API
type ScheduleHandler struct {
	schedules interfaces.ScheduleStorage
	jobs      interfaces.JobStorage
	logger    arbor.ILogger
}

// NewScheduleHandler creates a new ScheduleHandler instance
func NewScheduleHandler(schedules interfaces.ScheduleStorage, jobs interfaces.JobStorage, logger arbor.ILogger) *ScheduleHandler {
	return &ScheduleHandler{
		schedules: schedules,
		jobs:      jobs,
		logger:    logger,
	}
}

// ScheduleRequest is the POST/PUT schedule body
type ScheduleRequest struct {
	Name              string            `json:"name" validate:"required,max=120"`
	Description       string            `json:"description" validate:"max=500"`
	Frequency         string            `json:"frequency" validate:"required,oneof=once hourly daily weekly monthly custom"`
	CronExpr          string            `json:"cron_expr"`
	Timezone          string            `json:"timezone"`
	Active            *bool             `json:"active"`
	MaxConcurrentJobs int               `json:"max_concurrent_jobs" validate:"gte=0,lte=10"`
	JobType           string            `json:"job_type" validate:"required"`
	Parameters        map[string]string `json:"parameters"`
	Priority          string            `json:"priority" validate:"omitempty,oneof=urgent high normal low"`
	MaxRetries        int               `json:"max_retries" validate:"gte=0,lte=10"`
	TimeoutSecs       int               `json:"timeout_seconds" validate:"gte=0,lte=86400"`
	// FirstRunAt seeds NextRunAt; required for once, optional otherwise.
	FirstRunAt *time.Time `json:"first_run_at,omitempty"`
}

func (req *ScheduleRequest) apply(s *models.Schedule) error {
	s.Name = req.Name
	s.Description = req.Description
	s.Frequency = models.ScheduleFrequency(req.Frequency)
	s.CronExpr = req.CronExpr
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			return errors.New("unknown timezone " + req.Timezone)
		}
	}
	s.Timezone = req.Timezone
	s.MaxConcurrentJobs = req.MaxConcurrentJobs
	if req.Active != nil {
		s.Active = *req.Active
	}

	priority := models.JobPriority(req.Priority)
	if priority == "" {
		priority = models.PriorityNormal
	}
	s.Template = models.JobTemplate{
		Type:           models.JobType(req.JobType),
		Parameters:     req.Parameters,
		Priority:       priority,
		TimeoutSeconds: req.TimeoutSecs,
		MaxRetries:     req.MaxRetries,
	}

	probe := models.NewJob(s.UserID, s.Name, s.Template.Type, s.Template.Parameters, priority, req.MaxRetries)
	if err := lifecycle.ValidateJobSpec(probe); err != nil {
		return err
	}

	if s.Frequency == models.FrequencyCustom {
		if err := scheduler.ValidateCronExpr(s.CronExpr); err != nil {
			return errors.New("invalid cron expression: " + err.Error())
		}
	}

	switch {
	case s.Frequency == models.FrequencyOnce:
		if req.FirstRunAt == nil {
			return errors.New("first_run_at is required for once schedules")
		}
		s.NextRunAt = req.FirstRunAt
	case req.FirstRunAt != nil:
		s.NextRunAt = req.FirstRunAt
	default:
		next, err := scheduler.ComputeNext(s, time.Now())
		if err != nil {
			return err
		}
		s.NextRunAt = &next
	}
	return nil
}

// CreateScheduleHandler handles POST /api/schedules and GET /api/schedules
func (h *ScheduleHandler) SchedulesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createSchedule(w, r)
	case http.MethodGet:
		h.listSchedules(w, r)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *ScheduleHandler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !DecodeBody(w, r, &req) {
		return
	}

	schedule := &models.Schedule{
		UserID: UserID(r),
		Active: true,
	}
	if err := req.apply(schedule); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.schedules.CreateSchedule(r.Context(), schedule); err != nil {
		WriteStorageError(w, err)
		return
	}
	h.logger.Info().Int64("schedule_id", schedule.ID).Str("frequency", string(schedule.Frequency)).Msg("Schedule created")
	WriteJSON(w, http.StatusCreated, schedule)
}

func (h *ScheduleHandler) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.schedules.ListSchedules(r.Context(), &interfaces.ScheduleListOptions{UserID: UserID(r)})
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

// ScheduleRoutes dispatches /api/schedules/{id} and /api/schedules/{id}/toggle
func (h *ScheduleHandler) ScheduleRoutes(w http.ResponseWriter, r *http.Request) {
	id, action, ok := PathID(r.URL.Path, "/api/schedules/")
	if !ok || (action != "" && action != "toggle") {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	schedule := h.loadOwned(w, r, id)
	if schedule == nil {
		return
	}

	if action == "toggle" {
		if !RequireMethod(w, r, http.MethodPut) {
			return
		}
		h.toggleSchedule(w, r, schedule)
		return
	}

	switch r.Method {
	case http.MethodGet:
		WriteJSON(w, http.StatusOK, schedule)
	case http.MethodPut:
		h.updateSchedule(w, r, schedule)
	case http.MethodDelete:
		h.deleteSchedule(w, r, schedule)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *ScheduleHandler) loadOwned(w http.ResponseWriter, r *http.Request, id int64) *models.Schedule {
	schedule, err := h.schedules.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "schedule not found")
		} else {
			WriteStorageError(w, err)
		}
		return nil
	}
	if schedule.UserID != UserID(r) {
		WriteError(w, http.StatusNotFound, "schedule not found")
		return nil
	}
	return schedule
}

func (h *ScheduleHandler) updateSchedule(w http.ResponseWriter, r *http.Request, schedule *models.Schedule) {
	var req ScheduleRequest
	if !DecodeBody(w, r, &req) {
		return
	}
	if err := req.apply(schedule); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.schedules.UpdateSchedule(r.Context(), schedule, schedule.Version); err != nil {
		if errors.Is(err, interfaces.ErrVersionConflict) {
			WriteError(w, http.StatusConflict, "schedule was modified concurrently, reload and retry")
			return
		}
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, schedule)
}

// toggleSchedule flips the active flag. Re-activation recomputes the next
// run so a long-paused schedule does not fire for every missed slot.
func (h *ScheduleHandler) toggleSchedule(w http.ResponseWriter, r *http.Request, schedule *models.Schedule) {
	schedule.Active = !schedule.Active
	if schedule.Active && schedule.Frequency != models.FrequencyOnce {
		next, err := scheduler.ComputeNext(schedule, time.Now())
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		schedule.NextRunAt = &next
	}
	if err := h.schedules.UpdateSchedule(r.Context(), schedule, schedule.Version); err != nil {
		if errors.Is(err, interfaces.ErrVersionConflict) {
			WriteError(w, http.StatusConflict, "schedule was modified concurrently, reload and retry")
			return
		}
		WriteStorageError(w, err)
		return
	}
	h.logger.Info().Int64("schedule_id", schedule.ID).Bool("active", schedule.Active).Msg("Schedule toggled")
	WriteJSON(w, http.StatusOK, schedule)
}

// deleteSchedule removes the schedule and detaches its historical jobs
func (h *ScheduleHandler) deleteSchedule(w http.ResponseWriter, r *http.Request, schedule *models.Schedule) {
	if err := h.schedules.DeleteSchedule(r.Context(), schedule.ID); err != nil {
		WriteStorageError(w, err)
		return
	}
	detached, err := h.jobs.DetachSchedule(r.Context(), schedule.ID)
	if err != nil {
		h.logger.Warn().Int64("schedule_id", schedule.ID).Err(err).Msg("Failed to detach jobs from deleted schedule")
	}
	h.logger.Info().Int64("schedule_id", schedule.ID).Int("detached_jobs", detached).Msg("Schedule deleted")
	WriteSuccess(w, "schedule deleted")
}
