package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/models"
	"github.com/ternarybob/keywatch/internal/queue"
)

const (
	defaultMaxRetries     = 3
	defaultTimeoutSeconds = 3600

	// Durable checkpoint cadence for progress: whichever comes first.
	checkpointPercent  = 10.0
	checkpointInterval = 15 * time.Second

	maxBackoff = 3600 * time.Second
)

// Backoff returns the re-enqueue delay before the given retry attempt.
// Doubles from 60s and caps at one hour.
func Backoff(retryCount int) time.Duration {
	d := 60 * time.Second
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// runningJob is the in-memory registration of an executing job
type runningJob struct {
	userID        int64
	signal        *interfaces.CancelSignal
	lastCheckpoint time.Time
	lastPercent    float64
}

// Controller owns every job state transition. All durable writes go through
// the version check on the state store, so a transition that lost a race is
// detected and dropped rather than overwriting the winner.
type Controller struct {
	jobs      interfaces.JobStorage
	schedules interfaces.ScheduleStorage
	queue     *queue.Manager
	store     interfaces.EphemeralStore
	events    interfaces.EventService
	logger    arbor.ILogger

	// locks stripes per-job serialization so transitions on one job never
	// interleave inside this process
	locks [64]sync.Mutex

	mu      sync.Mutex
	running map[int64]*runningJob
}

// NewController wires the lifecycle controller
func NewController(
	jobs interfaces.JobStorage,
	schedules interfaces.ScheduleStorage,
	queueManager *queue.Manager,
	store interfaces.EphemeralStore,
	events interfaces.EventService,
	logger arbor.ILogger,
) *Controller {
	return &Controller{
		jobs:      jobs,
		schedules: schedules,
		queue:     queueManager,
		store:     store,
		events:    events,
		logger:    logger,
		running:   make(map[int64]*runningJob),
	}
}

func (c *Controller) lock(jobID int64) *sync.Mutex {
	return &c.locks[uint64(jobID)%uint64(len(c.locks))]
}

// ValidateJobSpec checks type, priority and typed parameters before a job
// is accepted. Parameter errors are permanent; they never reach the queue.
func ValidateJobSpec(job *models.Job) error {
	if !models.ValidJobType(job.Type) {
		return fmt.Errorf("unknown job type %q", job.Type)
	}
	if job.Priority == "" {
		job.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(job.Priority) {
		return fmt.Errorf("unknown priority %q", job.Priority)
	}

	var err error
	switch job.Type {
	case models.JobTypeKeywordCrawl:
		_, err = models.ParseKeywordCrawlParams(job.Parameters)
	case models.JobTypeTrendingCrawl:
		_, err = models.ParseTrendingCrawlParams(job.Parameters)
	case models.JobTypeAllKeywordsCrawl:
		_, err = models.ParseAllKeywordsCrawlParams(job.Parameters)
	case models.JobTypeCommentsCrawl:
		_, err = models.ParseCommentsCrawlParams(job.Parameters)
	}
	return err
}

// CreateJob validates, persists and enqueues a new job. The job passes
// through pending into queued before this returns.
func (c *Controller) CreateJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	if err := ValidateJobSpec(job); err != nil {
		return nil, err
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = defaultMaxRetries
	}
	if job.TimeoutSeconds <= 0 {
		job.TimeoutSeconds = defaultTimeoutSeconds
	}
	job.Status = models.JobStatusPending

	if err := c.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	c.publish(ctx, interfaces.EventJobCreated, job, nil)

	var delay time.Duration
	if job.ScheduledFor != nil {
		delay = time.Until(*job.ScheduledFor)
		if delay < 0 {
			delay = 0
		}
	}
	if err := c.enqueue(ctx, job, delay); err != nil {
		// The job exists but never reached the queue; fail it terminally so
		// it does not sit in pending forever.
		job.MarkFailed(fmt.Sprintf("enqueue failed: %v", err))
		if updateErr := c.jobs.UpdateJob(ctx, job, job.Version); updateErr != nil {
			c.logger.Error().Int64("job_id", job.ID).Err(updateErr).Msg("Failed to mark unqueueable job failed")
		}
		return nil, err
	}
	return job, nil
}

// enqueue moves a pending or retrying job into queued and appends its entry
func (c *Controller) enqueue(ctx context.Context, job *models.Job, delay time.Duration) error {
	if !job.Status.CanTransitionTo(models.JobStatusQueued) {
		return fmt.Errorf("%w: %s -> %s", interfaces.ErrInvalidTransition, job.Status, models.JobStatusQueued)
	}
	job.Status = models.JobStatusQueued
	if err := c.jobs.UpdateJob(ctx, job, job.Version); err != nil {
		return err
	}
	if err := c.queue.Enqueue(ctx, models.NewQueueEntry(job, delay)); err != nil {
		return err
	}
	c.mirrorStatus(ctx, job)
	c.publish(ctx, interfaces.EventJobQueued, job, map[string]interface{}{
		"delay_seconds": delay.Seconds(),
	})
	return nil
}

// StartJob claims a dequeued job for execution. Returns the cancel signal
// the executor must poll. Stale queue entries for jobs no longer in queued
// state return ErrInvalidTransition or ErrTerminalState and must be dropped.
func (c *Controller) StartJob(ctx context.Context, jobID int64) (*models.Job, *interfaces.CancelSignal, error) {
	mu := c.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.IsTerminal() {
		return nil, nil, interfaces.ErrTerminalState
	}
	if job.Status != models.JobStatusQueued {
		return nil, nil, fmt.Errorf("%w: %s -> %s", interfaces.ErrInvalidTransition, job.Status, models.JobStatusRunning)
	}

	job.MarkStarted()
	if err := c.jobs.UpdateJob(ctx, job, job.Version); err != nil {
		return nil, nil, err
	}

	signal := interfaces.NewCancelSignal()
	c.mu.Lock()
	c.running[job.ID] = &runningJob{
		userID:        job.UserID,
		signal:        signal,
		lastCheckpoint: time.Now(),
	}
	c.mu.Unlock()

	c.mirrorStatus(ctx, job)
	c.mirrorActive(ctx, job)
	c.publish(ctx, interfaces.EventJobStarted, job, nil)
	c.logger.Info().Int64("job_id", job.ID).Str("type", string(job.Type)).Int("retry_count", job.RetryCount).Msg("Job started")
	return job, signal, nil
}

// CancelSignalFor returns the registered cancel signal for a running job
func (c *Controller) CancelSignalFor(jobID int64) *interfaces.CancelSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.running[jobID]; ok {
		return r.signal
	}
	return nil
}

// ReportProgress records live progress for a registered running job. The
// ephemeral mirror updates on every call; the durable row checkpoints when
// progress advanced by ten points or fifteen seconds passed, whichever
// comes first.
func (c *Controller) ReportProgress(ctx context.Context, jobID int64, progress models.JobProgress) {
	progress.Recalculate()

	c.mu.Lock()
	r, ok := c.running[jobID]
	var userID int64
	checkpoint := false
	if ok {
		userID = r.userID
		if progress.Percentage-r.lastPercent >= checkpointPercent || time.Since(r.lastCheckpoint) >= checkpointInterval {
			checkpoint = true
			r.lastPercent = progress.Percentage
			r.lastCheckpoint = time.Now()
		}
	}
	c.mu.Unlock()
	if !ok {
		// A late callback from a run that already finished or was
		// cancelled must not refresh the ephemeral mirror.
		return
	}

	data, err := json.Marshal(&progress)
	if err == nil {
		if err := c.store.Set(ctx, interfaces.KeyJobProgress+fmt.Sprint(jobID), data, interfaces.TTLJobProgress); err != nil {
			c.logger.Warn().Int64("job_id", jobID).Err(err).Msg("Failed to mirror progress")
		}
	}

	c.publishRaw(ctx, interfaces.EventJobProgress, map[string]interface{}{
		"job_id":     jobID,
		"user_id":    userID,
		"current":    progress.Current,
		"total":      progress.Total,
		"percentage": progress.Percentage,
		"message":    progress.Message,
	})

	if checkpoint {
		job, err := c.jobs.GetJob(ctx, jobID)
		if err != nil || job.Status != models.JobStatusRunning {
			return
		}
		job.Progress = progress
		if err := c.jobs.UpdateJob(ctx, job, job.Version); err != nil && !errors.Is(err, interfaces.ErrVersionConflict) {
			c.logger.Warn().Int64("job_id", jobID).Err(err).Msg("Progress checkpoint failed")
		}
		c.mirrorActive(ctx, job)
	}
}

// CompleteJob finalizes a successful run. First terminal commit wins: a
// completion racing a cancellation returns ErrTerminalState when it lost.
func (c *Controller) CompleteJob(ctx context.Context, jobID int64, result *interfaces.CrawlResult) error {
	mu := c.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return interfaces.ErrTerminalState
	}
	if !job.Status.CanTransitionTo(models.JobStatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", interfaces.ErrInvalidTransition, job.Status, models.JobStatusCompleted)
	}

	if result != nil {
		job.Progress.ItemsProcessed = result.ItemsProcessed
		job.Progress.ItemsSaved = result.ItemsSaved
		job.Progress.ItemsFailed = result.ItemsFailed
		job.PointsConsumed = result.PointsConsumed
	}
	job.MarkCompleted()
	if err := c.jobs.UpdateJob(ctx, job, job.Version); err != nil {
		return err
	}

	c.finishRun(ctx, job)
	c.recordScheduleRun(ctx, job, true)
	c.publish(ctx, interfaces.EventJobCompleted, job, map[string]interface{}{
		"items_processed": job.Progress.ItemsProcessed,
		"items_saved":     job.Progress.ItemsSaved,
		"duration_seconds": job.ActualDurationSeconds,
	})
	c.logger.Info().Int64("job_id", job.ID).Float64("duration_seconds", job.ActualDurationSeconds).Msg("Job completed")
	return nil
}

// FailJob handles an execution failure. Transient failures with retry
// budget left go back through retrying into the queue with backoff;
// everything else lands in failed.
func (c *Controller) FailJob(ctx context.Context, jobID int64, errMsg string, transient bool) error {
	mu := c.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return interfaces.ErrTerminalState
	}

	if transient && job.Status == models.JobStatusRunning && job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.ErrorMessage = errMsg
		job.Status = models.JobStatusRetrying
		if err := c.jobs.UpdateJob(ctx, job, job.Version); err != nil {
			return err
		}
		c.dropRunning(ctx, job.ID)
		c.mirrorStatus(ctx, job)

		delay := Backoff(job.RetryCount - 1)
		c.publish(ctx, interfaces.EventJobRetrying, job, map[string]interface{}{
			"error":         errMsg,
			"retry_count":   job.RetryCount,
			"max_retries":   job.MaxRetries,
			"delay_seconds": delay.Seconds(),
		})
		c.logger.Warn().
			Int64("job_id", job.ID).
			Int("retry_count", job.RetryCount).
			Str("delay", delay.String()).
			Str("error", errMsg).
			Msg("Job failed, retrying with backoff")
		return c.enqueue(ctx, job, delay)
	}

	// Terminal failure. A job failing outside running (queued entry for a
	// corrupted job, pending job that cannot enqueue) also lands here.
	if job.Status == models.JobStatusQueued {
		if _, err := c.queue.Remove(ctx, job.ID); err != nil {
			c.logger.Warn().Int64("job_id", job.ID).Err(err).Msg("Failed to remove failed job from queue")
		}
	}
	if transient && job.RetryCount >= job.MaxRetries {
		errMsg = fmt.Sprintf("%s (retry limit %d exhausted)", errMsg, job.MaxRetries)
	}
	if !transient && job.Status == models.JobStatusRunning {
		// A permanent execution error burns the whole budget so the job
		// cannot be re-armed into the same failure.
		job.RetryCount = job.MaxRetries
	}
	job.MarkFailed(errMsg)
	if err := c.jobs.UpdateJob(ctx, job, job.Version); err != nil {
		return err
	}

	c.finishRun(ctx, job)
	c.recordScheduleRun(ctx, job, false)
	c.publish(ctx, interfaces.EventJobFailed, job, map[string]interface{}{
		"error":       job.ErrorMessage,
		"retry_count": job.RetryCount,
	})
	c.logger.Warn().Int64("job_id", job.ID).Str("error", job.ErrorMessage).Msg("Job failed")
	return nil
}

// CancelJob requests cancellation. Queued and waiting jobs finalize
// immediately; running jobs get their cancel signal set and finalize when
// the executor yields. Terminal jobs return ErrTerminalState.
func (c *Controller) CancelJob(ctx context.Context, jobID int64) (*models.Job, error) {
	mu := c.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return nil, interfaces.ErrTerminalState
	}

	if job.Status == models.JobStatusRunning {
		if signal := c.CancelSignalFor(job.ID); signal != nil {
			signal.Cancel()
			c.logger.Info().Int64("job_id", job.ID).Msg("Cancel signal set for running job")
			return job, nil
		}
		// No registered worker in this process; fall through and finalize.
	}

	if job.Status == models.JobStatusQueued || job.Status == models.JobStatusRetrying {
		if _, err := c.queue.Remove(ctx, job.ID); err != nil {
			c.logger.Warn().Int64("job_id", job.ID).Err(err).Msg("Failed to remove cancelled job from queue")
		}
	}
	return job, c.finalizeCancel(ctx, job)
}

// FinalizeCancellation commits the cancelled state after a running executor
// acknowledged the cancel signal
func (c *Controller) FinalizeCancellation(ctx context.Context, jobID int64) error {
	mu := c.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return interfaces.ErrTerminalState
	}
	return c.finalizeCancel(ctx, job)
}

func (c *Controller) finalizeCancel(ctx context.Context, job *models.Job) error {
	job.MarkCancelled()
	if err := c.jobs.UpdateJob(ctx, job, job.Version); err != nil {
		return err
	}
	c.finishRun(ctx, job)
	c.publish(ctx, interfaces.EventJobCancelled, job, nil)
	c.logger.Info().Int64("job_id", job.ID).Msg("Job cancelled")
	return nil
}

// RetryJob re-arms a terminally failed job on user request. A manual retry
// consumes budget like an automatic one; once retry_count reaches
// max_retries the job cannot be re-armed.
func (c *Controller) RetryJob(ctx context.Context, jobID int64) (*models.Job, error) {
	mu := c.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be retried, job is %s", interfaces.ErrInvalidTransition, job.Status)
	}
	if job.RetryCount >= job.MaxRetries {
		return nil, fmt.Errorf("%w: %d of %d retries used", interfaces.ErrRetryExhausted, job.RetryCount, job.MaxRetries)
	}

	job.RetryCount++
	job.ErrorMessage = ""
	job.CompletedAt = nil
	job.Progress = models.JobProgress{}
	job.Status = models.JobStatusRetrying
	if err := c.jobs.UpdateJob(ctx, job, job.Version); err != nil {
		return nil, err
	}
	if err := c.enqueue(ctx, job, 0); err != nil {
		return nil, err
	}
	c.logger.Info().Int64("job_id", job.ID).Msg("Job re-armed after terminal failure")
	return job, nil
}

// RecoverOrphans requeues jobs left in running by an unclean shutdown and
// restores queue entries for queued jobs whose entries were lost.
func (c *Controller) RecoverOrphans(ctx context.Context) error {
	orphans, err := c.jobs.GetJobsByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return err
	}
	for _, job := range orphans {
		// The previous run is gone; route back through retrying so the
		// state machine stays consistent.
		job.Status = models.JobStatusRetrying
		if err := c.jobs.UpdateJob(ctx, job, job.Version); err != nil {
			c.logger.Warn().Int64("job_id", job.ID).Err(err).Msg("Failed to recover orphaned job")
			continue
		}
		if err := c.enqueue(ctx, job, 0); err != nil {
			c.logger.Warn().Int64("job_id", job.ID).Err(err).Msg("Failed to requeue orphaned job")
			continue
		}
		c.logger.Info().Int64("job_id", job.ID).Msg("Recovered orphaned running job")
	}

	queued, err := c.jobs.GetJobsByStatus(ctx, models.JobStatusQueued)
	if err != nil {
		return err
	}
	for _, job := range queued {
		pos, err := c.queue.Position(ctx, job.ID)
		if err != nil || pos > 0 {
			continue
		}
		if err := c.queue.Enqueue(ctx, models.NewQueueEntry(job, 0)); err != nil {
			c.logger.Warn().Int64("job_id", job.ID).Err(err).Msg("Failed to restore lost queue entry")
			continue
		}
		c.logger.Info().Int64("job_id", job.ID).Msg("Restored lost queue entry")
	}
	return nil
}

// FailStale fails running jobs whose durable row has not moved within the
// given window. Checkpointing keeps healthy jobs fresh well inside it.
func (c *Controller) FailStale(ctx context.Context, olderThan time.Duration) error {
	running, err := c.jobs.GetJobsByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-olderThan)
	for _, job := range running {
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		c.logger.Warn().Int64("job_id", job.ID).Str("updated_at", job.UpdatedAt.Format(time.RFC3339)).Msg("Failing stale running job")
		if signal := c.CancelSignalFor(job.ID); signal != nil {
			signal.Cancel()
		}
		if err := c.FailJob(ctx, job.ID, "no progress reported, presumed stuck", true); err != nil && !errors.Is(err, interfaces.ErrTerminalState) {
			c.logger.Warn().Int64("job_id", job.ID).Err(err).Msg("Failed to fail stale job")
		}
	}
	return nil
}

// finishRun clears runtime state and ephemeral mirrors after a terminal
// transition
func (c *Controller) finishRun(ctx context.Context, job *models.Job) {
	c.dropRunning(ctx, job.ID)
	c.mirrorStatus(ctx, job)
}

func (c *Controller) dropRunning(ctx context.Context, jobID int64) {
	c.mu.Lock()
	delete(c.running, jobID)
	c.mu.Unlock()
	if err := c.store.Delete(ctx, interfaces.KeyActiveJobs+":"+fmt.Sprint(jobID)); err != nil {
		c.logger.Warn().Int64("job_id", jobID).Err(err).Msg("Failed to clear active job mirror")
	}
}

// mirrorStatus writes the live status snapshot to the ephemeral store
func (c *Controller) mirrorStatus(ctx context.Context, job *models.Job) {
	snapshot := map[string]interface{}{
		"job_id":      job.ID,
		"user_id":     job.UserID,
		"type":        job.Type,
		"status":      job.Status,
		"retry_count": job.RetryCount,
		"updated_at":  time.Now(),
	}
	if job.ErrorMessage != "" {
		snapshot["error"] = job.ErrorMessage
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, interfaces.KeyJobStatus+fmt.Sprint(job.ID), data, interfaces.TTLJobStatus); err != nil {
		c.logger.Warn().Int64("job_id", job.ID).Err(err).Msg("Failed to mirror job status")
	}
}

// mirrorActive maintains the per-job entry under the active jobs prefix
func (c *Controller) mirrorActive(ctx context.Context, job *models.Job) {
	summary := map[string]interface{}{
		"job_id":     job.ID,
		"user_id":    job.UserID,
		"type":       job.Type,
		"status":     job.Status,
		"percentage": job.Progress.Percentage,
		"message":    job.Progress.Message,
		"updated_at": time.Now(),
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, interfaces.KeyActiveJobs+":"+fmt.Sprint(job.ID), data, interfaces.TTLActiveJobs); err != nil {
		c.logger.Warn().Int64("job_id", job.ID).Err(err).Msg("Failed to mirror active job")
	}
}

// recordScheduleRun updates run statistics on the owning schedule, if any
func (c *Controller) recordScheduleRun(ctx context.Context, job *models.Job, success bool) {
	if job.ScheduleID == nil {
		return
	}
	for attempt := 0; attempt < 3; attempt++ {
		schedule, err := c.schedules.GetSchedule(ctx, *job.ScheduleID)
		if err != nil {
			return
		}
		if success {
			schedule.SuccessfulRuns++
		} else {
			schedule.FailedRuns++
		}
		err = c.schedules.UpdateSchedule(ctx, schedule, schedule.Version)
		if err == nil {
			return
		}
		if !errors.Is(err, interfaces.ErrVersionConflict) {
			c.logger.Warn().Int64("schedule_id", schedule.ID).Err(err).Msg("Failed to record schedule run")
			return
		}
	}
}

func (c *Controller) publish(ctx context.Context, eventType interfaces.EventType, job *models.Job, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"job_id":   job.ID,
		"user_id":  job.UserID,
		"type":     string(job.Type),
		"name":     job.Name,
		"status":   string(job.Status),
		"priority": string(job.Priority),
	}
	for k, v := range extra {
		payload[k] = v
	}
	c.publishRaw(ctx, eventType, payload)
}

func (c *Controller) publishRaw(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if err := c.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		c.logger.Warn().Str("event_type", string(eventType)).Err(err).Msg("Failed to publish event")
	}
}
