package models

import (
	"time"
)

// NotificationType identifies which job event produced a notification
type NotificationType string

const (
	NotificationJobStarted        NotificationType = "started"
	NotificationJobCompleted      NotificationType = "completed"
	NotificationJobFailed         NotificationType = "failed"
	NotificationProgressMilestone NotificationType = "progress_milestone"
)

// NotificationSeverity drives dashboard presentation
type NotificationSeverity string

const (
	SeverityInfo    NotificationSeverity = "info"
	SeveritySuccess NotificationSeverity = "success"
	SeverityError   NotificationSeverity = "error"
)

// DeliveryChannel is the transport a notification was routed through
type DeliveryChannel string

const (
	ChannelDashboard DeliveryChannel = "dashboard"
	ChannelEmail     DeliveryChannel = "email"
	ChannelSMS       DeliveryChannel = "sms"
)

// DeliveryStatus tracks sink outcomes on the durable notification row
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Notification is the durable audit record of a routed job event
type Notification struct {
	ID     string `json:"id" badgerhold:"key"`
	JobID  int64  `json:"job_id" badgerholdIndex:"JobID"`
	UserID int64  `json:"user_id" badgerholdIndex:"UserID"`

	Type     NotificationType     `json:"type"`
	Title    string               `json:"title"`
	Message  string               `json:"message"`
	Severity NotificationSeverity `json:"severity"`

	Channel   DeliveryChannel `json:"channel"`
	Recipient string          `json:"recipient,omitempty"`

	Sent           bool           `json:"sent"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	ErrorMessage   string         `json:"error_message,omitempty"`

	Read   bool       `json:"read"`
	ReadAt *time.Time `json:"read_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NotificationPrefs holds per-user delivery preferences
type NotificationPrefs struct {
	UserID int64 `json:"user_id" badgerhold:"key"`

	JobStarted   bool `json:"job_started"`
	JobCompleted bool `json:"job_completed"`
	JobFailed    bool `json:"job_failed"`
	JobProgress  bool `json:"job_progress"`

	EmailEnabled bool   `json:"email_enabled"`
	SMSEnabled   bool   `json:"sms_enabled"`
	Email        string `json:"email,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultNotificationPrefs returns the defaults applied when a user has no
// stored preferences: lifecycle events on, progress and external channels off.
func DefaultNotificationPrefs(userID int64) *NotificationPrefs {
	return &NotificationPrefs{
		UserID:       userID,
		JobStarted:   true,
		JobCompleted: true,
		JobFailed:    true,
		JobProgress:  false,
		EmailEnabled: false,
		SMSEnabled:   false,
		UpdatedAt:    time.Now(),
	}
}

// Enabled reports whether the user wants notifications for the given type
func (p *NotificationPrefs) Enabled(t NotificationType) bool {
	switch t {
	case NotificationJobStarted:
		return p.JobStarted
	case NotificationJobCompleted:
		return p.JobCompleted
	case NotificationJobFailed:
		return p.JobFailed
	case NotificationProgressMilestone:
		return p.JobProgress
	}
	return false
}
