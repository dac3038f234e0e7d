package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/models"
	"github.com/ternarybob/keywatch/internal/monitoring"
	"github.com/ternarybob/keywatch/internal/queue"
)

// MonitoringHandler serves the dashboard and queue views
type MonitoringHandler struct {
	monitoring *monitoring.Service
	queue      *queue.Manager
	logger     arbor.ILogger
}

// NewMonitoringHandler creates a new MonitoringHandler instance
func NewMonitoringHandler(monitoringService *monitoring.Service, queueManager *queue.Manager, logger arbor.ILogger) *MonitoringHandler {
	return &MonitoringHandler{
		monitoring: monitoringService,
		queue:      queueManager,
		logger:     logger,
	}
}

// DashboardHandler handles GET /api/dashboard
func (h *MonitoringHandler) DashboardHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := h.monitoring.Dashboard(r.Context(), UserID(r))
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// ActiveJobsHandler handles GET /api/jobs/active
func (h *MonitoringHandler) ActiveJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	active, err := h.monitoring.ActiveJobs(r.Context(), UserID(r))
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"active_jobs": active})
}

// HistoryHandler handles GET /api/jobs/history
func (h *MonitoringHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	history, err := h.monitoring.History(r.Context(), UserID(r), monitoring.HistoryOptions{
		Status: models.JobStatus(r.URL.Query().Get("status")),
		Type:   models.JobType(r.URL.Query().Get("type")),
		Limit:  QueryInt(r, "limit", 50),
		Offset: QueryInt(r, "offset", 0),
	})
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": history})
}

// QueueStatsHandler handles GET /api/queue/stats
func (h *MonitoringHandler) QueueStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
