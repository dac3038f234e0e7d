package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/models"
	"github.com/ternarybob/keywatch/internal/queue"
)

// DashboardStats is the aggregate view served to the dashboard
type DashboardStats struct {
	UserID          int64                    `json:"user_id"`
	TotalJobs       int                      `json:"total_jobs"`
	ByStatus        map[models.JobStatus]int `json:"by_status"`
	ActiveJobs      int                      `json:"active_jobs"`
	ActiveSchedules int                      `json:"active_schedules"`
	CompletedToday  int                      `json:"completed_today"`
	FailedToday     int                      `json:"failed_today"`
	SuccessRate     float64                  `json:"success_rate"`
	// ItemsPerHour is the crawl throughput over the last hour.
	ItemsPerHour int `json:"items_per_hour"`
	// PointsToday is the API point spend over the last 24 hours.
	PointsToday int                `json:"points_today"`
	Queue       *models.QueueStats `json:"queue"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// ActiveJob is a running or waiting job enriched with live progress
type ActiveJob struct {
	Job           *models.Job         `json:"job"`
	LiveProgress  *models.JobProgress `json:"live_progress,omitempty"`
	QueuePosition int                 `json:"queue_position,omitempty"`
	// ETASeconds is the estimated time to completion from current
	// throughput; zero when throughput is unknown.
	ETASeconds float64 `json:"eta_seconds,omitempty"`
}

// Service assembles monitoring views from the state store, the ephemeral
// mirrors and the queue
type Service struct {
	jobs      interfaces.JobStorage
	schedules interfaces.ScheduleStorage
	metrics   interfaces.MetricStorage
	store     interfaces.EphemeralStore
	queue     *queue.Manager
	logger    arbor.ILogger
}

// NewService wires the monitoring service
func NewService(
	jobs interfaces.JobStorage,
	schedules interfaces.ScheduleStorage,
	metrics interfaces.MetricStorage,
	store interfaces.EphemeralStore,
	queueManager *queue.Manager,
	logger arbor.ILogger,
) *Service {
	return &Service{
		jobs:      jobs,
		schedules: schedules,
		metrics:   metrics,
		store:     store,
		queue:     queueManager,
		logger:    logger,
	}
}

// Dashboard returns aggregate statistics for a user. Results are cached in
// the ephemeral store for its TTL; a stale-by-a-minute dashboard is
// acceptable, recomputing on every poll is not.
func (s *Service) Dashboard(ctx context.Context, userID int64) (*DashboardStats, error) {
	cacheKey := fmt.Sprintf("%s%d", interfaces.KeyDashboardStats, userID)
	if data, err := s.store.Get(ctx, cacheKey); err == nil {
		var cached DashboardStats
		if json.Unmarshal(data, &cached) == nil {
			return &cached, nil
		}
	}

	stats := &DashboardStats{
		UserID:      userID,
		ByStatus:    make(map[models.JobStatus]int),
		GeneratedAt: time.Now(),
	}

	statuses := []models.JobStatus{
		models.JobStatusPending, models.JobStatusQueued, models.JobStatusRunning,
		models.JobStatusRetrying, models.JobStatusCompleted, models.JobStatusFailed,
		models.JobStatusCancelled,
	}
	for _, status := range statuses {
		count, err := s.jobs.CountJobs(ctx, &interfaces.JobListOptions{UserID: userID, Status: status})
		if err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
		stats.TotalJobs += count
	}
	stats.ActiveJobs = stats.ByStatus[models.JobStatusQueued] +
		stats.ByStatus[models.JobStatusRunning] +
		stats.ByStatus[models.JobStatusRetrying]

	active, err := s.schedules.ListSchedules(ctx, &interfaces.ScheduleListOptions{UserID: userID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	stats.ActiveSchedules = len(active)

	recent, err := s.jobs.CompletedSince(ctx, userID, time.Now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	succeeded := 0
	for _, job := range recent {
		switch job.Status {
		case models.JobStatusCompleted:
			succeeded++
		case models.JobStatusFailed:
			stats.FailedToday++
		}
		stats.PointsToday += job.PointsConsumed
	}
	stats.CompletedToday = succeeded
	if len(recent) > 0 {
		stats.SuccessRate = float64(succeeded) / float64(len(recent)) * 100
	}

	lastHour, err := s.jobs.CompletedSince(ctx, userID, time.Now().Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	for _, job := range lastHour {
		if job.Status == models.JobStatusCompleted {
			stats.ItemsPerHour += job.Progress.ItemsProcessed
		}
	}

	queueStats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats.Queue = queueStats

	if data, err := json.Marshal(stats); err == nil {
		if err := s.store.Set(ctx, cacheKey, data, interfaces.TTLDashboardStats); err != nil {
			s.logger.Warn().Int64("user_id", userID).Err(err).Msg("Failed to cache dashboard stats")
		}
	}
	return stats, nil
}

// ActiveJobs returns the user's non-terminal jobs with live progress,
// queue position for waiting jobs and an ETA for running ones
func (s *Service) ActiveJobs(ctx context.Context, userID int64) ([]*ActiveJob, error) {
	var result []*ActiveJob
	for _, status := range []models.JobStatus{models.JobStatusQueued, models.JobStatusRetrying, models.JobStatusRunning} {
		jobs, err := s.jobs.ListJobs(ctx, &interfaces.JobListOptions{UserID: userID, Status: status})
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			active := &ActiveJob{Job: job}

			if status == models.JobStatusRunning {
				if live := s.liveProgress(ctx, job.ID); live != nil {
					active.LiveProgress = live
					active.ETASeconds = s.eta(ctx, job.ID, live)
				}
			} else {
				pos, err := s.queue.Position(ctx, job.ID)
				if err == nil {
					active.QueuePosition = pos
				}
			}
			result = append(result, active)
		}
	}
	return result, nil
}

// JobStatus returns a single job enriched with its live progress
func (s *Service) JobStatus(ctx context.Context, jobID int64) (*ActiveJob, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	active := &ActiveJob{Job: job}
	switch job.Status {
	case models.JobStatusRunning:
		if live := s.liveProgress(ctx, job.ID); live != nil {
			active.LiveProgress = live
			active.ETASeconds = s.eta(ctx, job.ID, live)
		}
	case models.JobStatusQueued, models.JobStatusRetrying:
		if pos, err := s.queue.Position(ctx, job.ID); err == nil {
			active.QueuePosition = pos
		}
	}
	return active, nil
}

// HistoryOptions filters and paginates the terminal job history
type HistoryOptions struct {
	Status models.JobStatus
	Type   models.JobType
	Limit  int
	Offset int
}

// History returns terminal jobs for a user, newest first. Pagination is
// applied after the terminal filter so pages stay full while active jobs
// pass through.
func (s *Service) History(ctx context.Context, userID int64, opts HistoryOptions) ([]*models.Job, error) {
	jobs, err := s.jobs.ListJobs(ctx, &interfaces.JobListOptions{
		UserID: userID,
		Status: opts.Status,
		Type:   opts.Type,
	})
	if err != nil {
		return nil, err
	}
	var terminal []*models.Job
	for _, job := range jobs {
		if job.IsTerminal() {
			terminal = append(terminal, job)
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(terminal) {
			return nil, nil
		}
		terminal = terminal[opts.Offset:]
	}
	if opts.Limit > 0 && len(terminal) > opts.Limit {
		terminal = terminal[:opts.Limit]
	}
	return terminal, nil
}

// Metrics returns the recent metric samples for a job
func (s *Service) Metrics(ctx context.Context, jobID int64, limit int) ([]*models.MetricSample, error) {
	return s.metrics.RecentSamples(ctx, jobID, limit)
}

// liveProgress reads the ephemeral progress mirror, nil when expired
func (s *Service) liveProgress(ctx context.Context, jobID int64) *models.JobProgress {
	data, err := s.store.Get(ctx, fmt.Sprintf("%s%d", interfaces.KeyJobProgress, jobID))
	if err != nil {
		if !errors.Is(err, interfaces.ErrKeyNotFound) {
			s.logger.Warn().Int64("job_id", jobID).Err(err).Msg("Failed to read live progress")
		}
		return nil
	}
	var progress models.JobProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil
	}
	return &progress
}

// eta estimates seconds to completion from the latest throughput sample
func (s *Service) eta(ctx context.Context, jobID int64, progress *models.JobProgress) float64 {
	if progress.Total <= progress.Current {
		return 0
	}
	samples, err := s.metrics.RecentSamples(ctx, jobID, 1)
	if err != nil || len(samples) == 0 || samples[0].ItemsPerSecond <= 0 {
		return 0
	}
	return float64(progress.Total-progress.Current) / samples[0].ItemsPerSecond
}
