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

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == 0 {
		job.ID = common.NextID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = time.Now()
	job.Version = 1

	if err := retryConflict(func() error { return s.db.Store().Insert(job.ID, job) }); err != nil {
		return fmt.Errorf("%w: failed to create job: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID int64) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to get job: %v", interfaces.ErrStoreUnavailable, err)
	}
	return &job, nil
}

// UpdateJob persists the job iff the stored Version matches expectedVersion.
// The version check runs inside the badger transaction, so of two racing
// writers exactly one commits.
func (s *JobStorage) UpdateJob(ctx context.Context, job *models.Job, expectedVersion int) error {
	updated := false
	err := retryConflict(func() error {
		updated = false
		return s.db.Store().UpdateMatching(&models.Job{},
			badgerhold.Where(badgerhold.Key).Eq(job.ID).And("Version").Eq(expectedVersion),
			func(record interface{}) error {
				current, ok := record.(*models.Job)
				if !ok {
					return fmt.Errorf("unexpected record type %T", record)
				}
				job.Version = expectedVersion + 1
				job.UpdatedAt = time.Now()
				*current = *job
				updated = true
				return nil
			})
	})
	if err != nil {
		return fmt.Errorf("%w: failed to update job: %v", interfaces.ErrStoreUnavailable, err)
	}
	if !updated {
		var existing models.Job
		if getErr := s.db.Store().Get(job.ID, &existing); getErr == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return interfaces.ErrVersionConflict
	}
	return nil
}

func (s *JobStorage) buildQuery(opts *interfaces.JobListOptions) *badgerhold.Query {
	query := badgerhold.Where("UserID").Eq(opts.UserID)
	if opts.Status != "" {
		query = query.And("Status").Eq(opts.Status)
	}
	if opts.Type != "" {
		query = query.And("Type").Eq(opts.Type)
	}
	return query
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := s.buildQuery(opts).SortBy("CreatedAt").Reverse()
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		query = query.Skip(opts.Offset)
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("%w: failed to list jobs: %v", interfaces.ErrStoreUnavailable, err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) CountJobs(ctx context.Context, opts *interfaces.JobListOptions) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, s.buildQuery(opts))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count jobs: %v", interfaces.ErrStoreUnavailable, err)
	}
	return int(count), nil
}

func (s *JobStorage) GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(status)); err != nil {
		return nil, fmt.Errorf("%w: failed to get jobs by status: %v", interfaces.ErrStoreUnavailable, err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// CountActiveBySchedule counts non-terminal jobs spawned from a schedule.
// ScheduleID is a pointer field, so the filter runs in Go rather than in the
// badgerhold query.
func (s *JobStorage) CountActiveBySchedule(ctx context.Context, scheduleID int64) (int, error) {
	var jobs []models.Job
	query := badgerhold.Where("Status").In(
		models.JobStatusPending, models.JobStatusQueued,
		models.JobStatusRunning, models.JobStatusRetrying)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return 0, fmt.Errorf("%w: failed to query active jobs: %v", interfaces.ErrStoreUnavailable, err)
	}

	count := 0
	for i := range jobs {
		if jobs[i].ScheduleID != nil && *jobs[i].ScheduleID == scheduleID {
			count++
		}
	}
	return count, nil
}

func (s *JobStorage) CompletedSince(ctx context.Context, userID int64, cutoff time.Time) ([]*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("UserID").Eq(userID).
		And("Status").In(models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("%w: failed to query completed jobs: %v", interfaces.ErrStoreUnavailable, err)
	}

	var result []*models.Job
	for i := range jobs {
		if jobs[i].CompletedAt != nil && !jobs[i].CompletedAt.Before(cutoff) {
			result = append(result, &jobs[i])
		}
	}
	return result, nil
}

func (s *JobStorage) DeleteUserJobs(ctx context.Context, userID int64) (int, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("UserID").Eq(userID)); err != nil {
		return 0, fmt.Errorf("%w: failed to list jobs for deletion: %v", interfaces.ErrStoreUnavailable, err)
	}

	count := 0
	for i := range jobs {
		if err := s.db.Store().Delete(jobs[i].ID, &models.Job{}); err != nil && err != badgerhold.ErrNotFound {
			s.logger.Warn().Int64("job_id", jobs[i].ID).Err(err).Msg("Failed to delete job during user cascade")
			continue
		}
		count++
	}
	return count, nil
}

func (s *JobStorage) DetachSchedule(ctx context.Context, scheduleID int64) (int, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, nil); err != nil {
		return 0, fmt.Errorf("%w: failed to list jobs for detach: %v", interfaces.ErrStoreUnavailable, err)
	}

	count := 0
	for i := range jobs {
		if jobs[i].ScheduleID == nil || *jobs[i].ScheduleID != scheduleID {
			continue
		}
		jobs[i].ScheduleID = nil
		jobs[i].UpdatedAt = time.Now()
		jobs[i].Version++
		if err := s.db.Store().Upsert(jobs[i].ID, &jobs[i]); err != nil {
			s.logger.Warn().Int64("job_id", jobs[i].ID).Err(err).Msg("Failed to detach job from schedule")
			continue
		}
		count++
	}
	return count, nil
}
