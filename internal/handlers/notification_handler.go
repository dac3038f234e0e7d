package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/models"
	"github.com/ternarybob/keywatch/internal/notify"
)

// NotificationHandler serves the notification feed and preference API
type NotificationHandler struct {
	notifications interfaces.NotificationStorage
	router        *notify.Router
	logger        arbor.ILogger
}

// NewNotificationHandler creates a new NotificationHandler instance
func NewNotificationHandler(notifications interfaces.NotificationStorage, router *notify.Router, logger arbor.ILogger) *NotificationHandler {
	return &NotificationHandler{
		notifications: notifications,
		router:        router,
		logger:        logger,
	}
}

// ListHandler handles GET /api/notifications
func (h *NotificationHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	list, err := h.notifications.ListByUser(r.Context(), UserID(r), QueryInt(r, "limit", 50))
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	unread := 0
	for _, n := range list {
		if !n.Read {
			unread++
		}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": list,
		"unread":        unread,
	})
}

// SettingsHandler handles GET and PUT /api/notifications/settings
func (h *NotificationHandler) SettingsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		WriteJSON(w, http.StatusOK, h.router.Prefs(r.Context(), UserID(r)))
	case http.MethodPut:
		h.updateSettings(w, r)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// SettingsRequest is the PUT /api/notifications/settings body
type SettingsRequest struct {
	JobStarted   bool   `json:"job_started"`
	JobCompleted bool   `json:"job_completed"`
	JobFailed    bool   `json:"job_failed"`
	JobProgress  bool   `json:"job_progress"`
	EmailEnabled bool   `json:"email_enabled"`
	SMSEnabled   bool   `json:"sms_enabled"`
	Email        string `json:"email" validate:"omitempty,email"`
	PhoneNumber  string `json:"phone_number" validate:"omitempty,e164"`
}

func (h *NotificationHandler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if !DecodeBody(w, r, &req) {
		return
	}
	if req.EmailEnabled && req.Email == "" {
		WriteError(w, http.StatusBadRequest, "email is required when email delivery is enabled")
		return
	}
	if req.SMSEnabled && req.PhoneNumber == "" {
		WriteError(w, http.StatusBadRequest, "phone_number is required when sms delivery is enabled")
		return
	}

	prefs := &models.NotificationPrefs{
		UserID:       UserID(r),
		JobStarted:   req.JobStarted,
		JobCompleted: req.JobCompleted,
		JobFailed:    req.JobFailed,
		JobProgress:  req.JobProgress,
		EmailEnabled: req.EmailEnabled,
		SMSEnabled:   req.SMSEnabled,
		Email:        req.Email,
		PhoneNumber:  req.PhoneNumber,
	}
	if err := h.router.SavePrefs(r.Context(), prefs); err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, prefs)
}

// NotificationRoutes dispatches /api/notifications/{id}/read
func (h *NotificationHandler) NotificationRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/notifications/")
	if path == "settings" {
		h.SettingsHandler(w, r)
		return
	}

	id, found := strings.CutSuffix(path, "/read")
	if !found || id == "" {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	n, err := h.notifications.GetNotification(r.Context(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "notification not found")
		} else {
			WriteStorageError(w, err)
		}
		return
	}
	if n.UserID != UserID(r) {
		WriteError(w, http.StatusNotFound, "notification not found")
		return
	}

	if !n.Read {
		now := time.Now()
		n.Read = true
		n.ReadAt = &now
		if err := h.notifications.UpdateNotification(r.Context(), n); err != nil {
			WriteStorageError(w, err)
			return
		}
	}
	WriteJSON(w, http.StatusOK, n)
}
