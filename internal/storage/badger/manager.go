package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/common"
	"github.com/ternarybob/keywatch/internal/interfaces"
)

// Manager bundles the durable storages behind a single Badger connection
type Manager struct {
	db     *BadgerDB
	logger arbor.ILogger

	jobs          interfaces.JobStorage
	schedules     interfaces.ScheduleStorage
	notifications interfaces.NotificationStorage
	prefs         interfaces.PrefsStorage
	metrics       interfaces.MetricStorage
}

// NewManager opens the state store and wires every storage onto it
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	return &Manager{
		db:            db,
		logger:        logger,
		jobs:          NewJobStorage(db, logger),
		schedules:     NewScheduleStorage(db, logger),
		notifications: NewNotificationStorage(db, logger),
		prefs:         NewPrefsStorage(db, logger),
		metrics:       NewMetricStorage(db, logger),
	}, nil
}

func (m *Manager) JobStorage() interfaces.JobStorage                   { return m.jobs }
func (m *Manager) ScheduleStorage() interfaces.ScheduleStorage         { return m.schedules }
func (m *Manager) NotificationStorage() interfaces.NotificationStorage { return m.notifications }
func (m *Manager) PrefsStorage() interfaces.PrefsStorage               { return m.prefs }
func (m *Manager) MetricStorage() interfaces.MetricStorage             { return m.metrics }

// DeleteUserData cascades a user deletion across jobs, schedules,
// notifications and preferences. Partial failures are logged and the
// cascade keeps going; a retried deletion converges.
func (m *Manager) DeleteUserData(ctx context.Context, userID int64) error {
	jobCount, err := m.jobs.DeleteUserJobs(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user jobs: %w", err)
	}

	scheduleCount, err := m.schedules.DeleteUserSchedules(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user schedules: %w", err)
	}

	notificationCount, err := m.notifications.DeleteUserNotifications(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user notifications: %w", err)
	}

	if err := m.prefs.DeletePrefs(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user preferences: %w", err)
	}

	m.logger.Info().
		Int64("user_id", userID).
		Int("jobs", jobCount).
		Int("schedules", scheduleCount).
		Int("notifications", notificationCount).
		Msg("Deleted user data")
	return nil
}

// Close closes the underlying database connection
func (m *Manager) Close() error {
	return m.db.Close()
}
