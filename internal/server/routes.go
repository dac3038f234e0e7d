package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)
	mux.HandleFunc("/api/jobs/active", s.app.MonitoringHandler.ActiveJobsHandler)
	mux.HandleFunc("/api/jobs/history", s.app.MonitoringHandler.HistoryHandler)
	mux.HandleFunc("/api/jobs/", s.app.JobHandler.JobRoutes) // /{id}, /{id}/cancel, /{id}/retry, /{id}/metrics

	// API routes - Schedules
	mux.HandleFunc("/api/schedules", s.app.ScheduleHandler.SchedulesHandler)
	mux.HandleFunc("/api/schedules/", s.app.ScheduleHandler.ScheduleRoutes) // /{id}

	// API routes - Notifications
	mux.HandleFunc("/api/notifications", s.app.NotificationHandler.ListHandler)
	mux.HandleFunc("/api/notifications/", s.app.NotificationHandler.NotificationRoutes) // /settings, /{id}/read

	// API routes - Monitoring
	mux.HandleFunc("/api/dashboard", s.app.MonitoringHandler.DashboardHandler)
	mux.HandleFunc("/api/queue/stats", s.app.MonitoringHandler.QueueStatsHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes /api/jobs requests (list and create)
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.app.JobHandler.CreateJobHandler(w, r)
	case http.MethodGet:
		s.app.JobHandler.ListJobsHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
