package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/common"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// NotificationStorage implements the NotificationStorage interface for Badger
type NotificationStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewNotificationStorage creates a new NotificationStorage instance
func NewNotificationStorage(db *BadgerDB, logger arbor.ILogger) interfaces.NotificationStorage {
	return &NotificationStorage{
		db:     db,
		logger: logger,
	}
}

func (s *NotificationStorage) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = common.NewNotificationID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.DeliveryStatus == "" {
		n.DeliveryStatus = models.DeliveryPending
	}

	if err := s.db.Store().Insert(n.ID, n); err != nil {
		return fmt.Errorf("%w: failed to create notification: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *NotificationStorage) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	var n models.Notification
	if err := s.db.Store().Get(id, &n); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to get notification: %v", interfaces.ErrStoreUnavailable, err)
	}
	return &n, nil
}

func (s *NotificationStorage) UpdateNotification(ctx context.Context, n *models.Notification) error {
	if err := s.db.Store().Update(n.ID, n); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("%w: failed to update notification: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *NotificationStorage) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Notification, error) {
	var notifications []models.Notification
	if err := s.db.Store().Find(&notifications, badgerhold.Where("UserID").Eq(userID)); err != nil {
		return nil, fmt.Errorf("%w: failed to list notifications: %v", interfaces.ErrStoreUnavailable, err)
	}

	sort.Slice(notifications, func(i, j int) bool {
		return notifications[i].CreatedAt.After(notifications[j].CreatedAt)
	})
	if limit > 0 && len(notifications) > limit {
		notifications = notifications[:limit]
	}

	result := make([]*models.Notification, len(notifications))
	for i := range notifications {
		result[i] = &notifications[i]
	}
	return result, nil
}

func (s *NotificationStorage) CountByJob(ctx context.Context, jobID int64, t models.NotificationType) (int, error) {
	count, err := s.db.Store().Count(&models.Notification{},
		badgerhold.Where("JobID").Eq(jobID).And("Type").Eq(t))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count notifications: %v", interfaces.ErrStoreUnavailable, err)
	}
	return int(count), nil
}

func (s *NotificationStorage) DeleteUserNotifications(ctx context.Context, userID int64) (int, error) {
	var notifications []models.Notification
	if err := s.db.Store().Find(&notifications, badgerhold.Where("UserID").Eq(userID)); err != nil {
		return 0, fmt.Errorf("%w: failed to list notifications for deletion: %v", interfaces.ErrStoreUnavailable, err)
	}

	count := 0
	for i := range notifications {
		if err := s.db.Store().Delete(notifications[i].ID, &models.Notification{}); err != nil && err != badgerhold.ErrNotFound {
			s.logger.Warn().Str("notification_id", notifications[i].ID).Err(err).Msg("Failed to delete notification during user cascade")
			continue
		}
		count++
	}
	return count, nil
}

// PrefsStorage implements the PrefsStorage interface for Badger
type PrefsStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPrefsStorage creates a new PrefsStorage instance
func NewPrefsStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PrefsStorage {
	return &PrefsStorage{
		db:     db,
		logger: logger,
	}
}

func (s *PrefsStorage) GetPrefs(ctx context.Context, userID int64) (*models.NotificationPrefs, error) {
	var prefs models.NotificationPrefs
	if err := s.db.Store().Get(userID, &prefs); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to get preferences: %v", interfaces.ErrStoreUnavailable, err)
	}
	return &prefs, nil
}

func (s *PrefsStorage) SavePrefs(ctx context.Context, prefs *models.NotificationPrefs) error {
	prefs.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(prefs.UserID, prefs); err != nil {
		return fmt.Errorf("%w: failed to save preferences: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PrefsStorage) DeletePrefs(ctx context.Context, userID int64) error {
	if err := s.db.Store().Delete(userID, &models.NotificationPrefs{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("%w: failed to delete preferences: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}
