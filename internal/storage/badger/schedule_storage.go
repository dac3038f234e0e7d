package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/common"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ScheduleStorage implements the ScheduleStorage interface for Badger
type ScheduleStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewScheduleStorage creates a new ScheduleStorage instance
func NewScheduleStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ScheduleStorage {
	return &ScheduleStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ScheduleStorage) CreateSchedule(ctx context.Context, schedule *models.Schedule) error {
	if schedule.ID == 0 {
		schedule.ID = common.NextID()
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now()
	}
	schedule.UpdatedAt = time.Now()
	schedule.Version = 1

	if err := retryConflict(func() error { return s.db.Store().Insert(schedule.ID, schedule) }); err != nil {
		return fmt.Errorf("%w: failed to create schedule: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *ScheduleStorage) GetSchedule(ctx context.Context, scheduleID int64) (*models.Schedule, error) {
	var schedule models.Schedule
	if err := s.db.Store().Get(scheduleID, &schedule); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to get schedule: %v", interfaces.ErrStoreUnavailable, err)
	}
	return &schedule, nil
}

func (s *ScheduleStorage) UpdateSchedule(ctx context.Context, schedule *models.Schedule, expectedVersion int) error {
	updated := false
	err := retryConflict(func() error {
		updated = false
		return s.db.Store().UpdateMatching(&models.Schedule{},
			badgerhold.Where(badgerhold.Key).Eq(schedule.ID).And("Version").Eq(expectedVersion),
			func(record interface{}) error {
				current, ok := record.(*models.Schedule)
				if !ok {
					return fmt.Errorf("unexpected record type %T", record)
				}
				schedule.Version = expectedVersion + 1
				schedule.UpdatedAt = time.Now()
				*current = *schedule
				updated = true
				return nil
			})
	})
	if err != nil {
		return fmt.Errorf("%w: failed to update schedule: %v", interfaces.ErrStoreUnavailable, err)
	}
	if !updated {
		var existing models.Schedule
		if getErr := s.db.Store().Get(schedule.ID, &existing); getErr == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return interfaces.ErrVersionConflict
	}
	return nil
}

func (s *ScheduleStorage) ListSchedules(ctx context.Context, opts *interfaces.ScheduleListOptions) ([]*models.Schedule, error) {
	var query *badgerhold.Query
	if opts.UserID != 0 {
		query = badgerhold.Where("UserID").Eq(opts.UserID)
	}
	if opts.ActiveOnly {
		if query == nil {
			query = badgerhold.Where("Active").Eq(true)
		} else {
			query = query.And("Active").Eq(true)
		}
	}

	var schedules []models.Schedule
	if err := s.db.Store().Find(&schedules, query); err != nil {
		return nil, fmt.Errorf("%w: failed to list schedules: %v", interfaces.ErrStoreUnavailable, err)
	}

	// NextRunAt is a pointer field; due filtering happens here.
	var result []*models.Schedule
	for i := range schedules {
		if opts.DueBefore != nil {
			if schedules[i].NextRunAt == nil || schedules[i].NextRunAt.After(*opts.DueBefore) {
				continue
			}
		}
		result = append(result, &schedules[i])
	}
	return result, nil
}

func (s *ScheduleStorage) DeleteSchedule(ctx context.Context, scheduleID int64) error {
	if err := s.db.Store().Delete(scheduleID, &models.Schedule{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("%w: failed to delete schedule: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *ScheduleStorage) DeleteUserSchedules(ctx context.Context, userID int64) (int, error) {
	var schedules []models.Schedule
	if err := s.db.Store().Find(&schedules, badgerhold.Where("UserID").Eq(userID)); err != nil {
		return 0, fmt.Errorf("%w: failed to list schedules for deletion: %v", interfaces.ErrStoreUnavailable, err)
	}

	count := 0
	for i := range schedules {
		if err := s.db.Store().Delete(schedules[i].ID, &models.Schedule{}); err != nil && err != badgerhold.ErrNotFound {
			s.logger.Warn().Int64("schedule_id", schedules[i].ID).Err(err).Msg("Failed to delete schedule during user cascade")
			continue
		}
		count++
	}
	return count, nil
}
