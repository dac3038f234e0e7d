package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/keywatch/internal/models"
)

// JobListOptions filters and paginates job queries.
// Results are always scoped to UserID and ordered by creation time descending.
type JobListOptions struct {
	UserID int64
	Status models.JobStatus
	Type   models.JobType
	Limit  int
	Offset int
}

// JobStorage is the durable record of jobs
type JobStorage interface {
	// CreateJob assigns an id and inserts the job.
	CreateJob(ctx context.Context, job *models.Job) error
	// GetJob loads a job by id. Returns ErrNotFound when absent.
	GetJob(ctx context.Context, jobID int64) (*models.Job, error)
	// UpdateJob persists the job iff the stored Version equals
	// expectedVersion, then increments Version. Returns ErrVersionConflict
	// on a stale write.
	UpdateJob(ctx context.Context, job *models.Job, expectedVersion int) error
	// ListJobs returns jobs matching opts, newest first.
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	// CountJobs returns the number of jobs matching opts.
	CountJobs(ctx context.Context, opts *JobListOptions) (int, error)
	// GetJobsByStatus returns all jobs in the given status, any user.
	GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	// CountActiveBySchedule counts non-terminal jobs created from a schedule.
	CountActiveBySchedule(ctx context.Context, scheduleID int64) (int, error)
	// CompletedSince returns terminal jobs completed at or after the cutoff
	// for one user.
	CompletedSince(ctx context.Context, userID int64, cutoff time.Time) ([]*models.Job, error)
	// DeleteUserJobs removes all jobs owned by a user (cascade path).
	DeleteUserJobs(ctx context.Context, userID int64) (int, error)
	// DetachSchedule nullifies schedule_id on historical jobs of a deleted
	// schedule without deleting the jobs.
	DetachSchedule(ctx context.Context, scheduleID int64) (int, error)
}

// ScheduleListOptions filters schedule queries
type ScheduleListOptions struct {
	UserID     int64
	ActiveOnly bool
	DueBefore  *time.Time
}

// ScheduleStorage is the durable record of schedules
type ScheduleStorage interface {
	CreateSchedule(ctx context.Context, schedule *models.Schedule) error
	GetSchedule(ctx context.Context, scheduleID int64) (*models.Schedule, error)
	// UpdateSchedule persists with the same optimistic check as jobs.
	UpdateSchedule(ctx context.Context, schedule *models.Schedule, expectedVersion int) error
	ListSchedules(ctx context.Context, opts *ScheduleListOptions) ([]*models.Schedule, error)
	DeleteSchedule(ctx context.Context, scheduleID int64) error
	DeleteUserSchedules(ctx context.Context, userID int64) (int, error)
}

// NotificationStorage is the durable audit of routed notifications
type NotificationStorage interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	GetNotification(ctx context.Context, id string) (*models.Notification, error)
	UpdateNotification(ctx context.Context, n *models.Notification) error
	// ListByUser returns the newest notifications for a user.
	ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Notification, error)
	// CountByJob counts notifications of a given type for one job.
	CountByJob(ctx context.Context, jobID int64, t models.NotificationType) (int, error)
	DeleteUserNotifications(ctx context.Context, userID int64) (int, error)
}

// PrefsStorage holds per-user notification preferences
type PrefsStorage interface {
	// GetPrefs returns stored preferences or ErrNotFound.
	GetPrefs(ctx context.Context, userID int64) (*models.NotificationPrefs, error)
	SavePrefs(ctx context.Context, prefs *models.NotificationPrefs) error
	DeletePrefs(ctx context.Context, userID int64) error
}

// MetricStorage holds per-job metric samples
type MetricStorage interface {
	RecordSample(ctx context.Context, sample *models.MetricSample) error
	// RecentSamples returns up to limit samples for a job, newest first.
	RecentSamples(ctx context.Context, jobID int64, limit int) ([]*models.MetricSample, error)
	DeleteJobSamples(ctx context.Context, jobID int64) error
}

// StorageManager aggregates all durable storages behind one lifecycle
type StorageManager interface {
	JobStorage() JobStorage
	ScheduleStorage() ScheduleStorage
	NotificationStorage() NotificationStorage
	PrefsStorage() PrefsStorage
	MetricStorage() MetricStorage
	// DeleteUserData cascades a user deletion across all owned entities.
	DeleteUserData(ctx context.Context, userID int64) error
	Close() error
}
