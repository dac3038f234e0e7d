package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/common"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/lifecycle"
	"github.com/ternarybob/keywatch/internal/models"
)

// anchorHour is the local hour daily, weekly and monthly schedules fire at
const anchorHour = 9

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCronExpr checks a custom frequency expression
func ValidateCronExpr(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// ComputeNext returns the next fire time strictly after now for a schedule.
// Pure function of its inputs; the tick loop and tests share it.
func ComputeNext(s *models.Schedule, now time.Time) (time.Time, error) {
	loc := s.Location()
	local := now.In(loc)

	switch s.Frequency {
	case models.FrequencyOnce:
		// A once schedule fires at its preset NextRunAt and never again.
		if s.NextRunAt != nil && s.NextRunAt.After(now) {
			return *s.NextRunAt, nil
		}
		return time.Time{}, nil

	case models.FrequencyHourly:
		return now.Add(time.Hour), nil

	case models.FrequencyDaily:
		next := time.Date(local.Year(), local.Month(), local.Day(), anchorHour, 0, 0, 0, loc)
		if !next.After(local) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case models.FrequencyWeekly:
		// Next Monday at the anchor hour.
		next := time.Date(local.Year(), local.Month(), local.Day(), anchorHour, 0, 0, 0, loc)
		daysAhead := (int(time.Monday) - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, daysAhead)
		if !next.After(local) {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil

	case models.FrequencyMonthly:
		// First day of the following month at the anchor hour.
		next := time.Date(local.Year(), local.Month(), 1, anchorHour, 0, 0, 0, loc)
		if !next.After(local) {
			next = next.AddDate(0, 1, 0)
		}
		return next, nil

	case models.FrequencyCustom:
		sched, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", s.CronExpr, err)
		}
		return sched.Next(local), nil
	}
	return time.Time{}, fmt.Errorf("unknown frequency %q", s.Frequency)
}

// Service wakes on a fixed tick, finds due active schedules and stamps jobs
// from their templates
type Service struct {
	schedules  interfaces.ScheduleStorage
	jobs       interfaces.JobStorage
	controller *lifecycle.Controller
	logger     arbor.ILogger

	tick   time.Duration
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService wires the scheduler
func NewService(
	cfg *common.Config,
	schedules interfaces.ScheduleStorage,
	jobs interfaces.JobStorage,
	controller *lifecycle.Controller,
	logger arbor.ILogger,
) *Service {
	return &Service{
		schedules:  schedules,
		jobs:       jobs,
		controller: controller,
		logger:     logger,
		tick:       common.Duration(cfg.Scheduler.Tick, 30*time.Second),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the tick loop
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.RunDue(context.Background(), time.Now())
			}
		}
	}()
	s.logger.Info().Str("tick", s.tick.String()).Msg("Scheduler started")
}

// Stop halts the tick loop
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// RunDue fires every active schedule whose NextRunAt has passed
func (s *Service) RunDue(ctx context.Context, now time.Time) {
	due, err := s.schedules.ListSchedules(ctx, &interfaces.ScheduleListOptions{
		ActiveOnly: true,
		DueBefore:  &now,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list due schedules")
		return
	}

	for _, schedule := range due {
		if err := s.fire(ctx, schedule, now); err != nil {
			s.logger.Warn().Int64("schedule_id", schedule.ID).Err(err).Msg("Schedule run failed")
		}
	}
}

// fire creates one job from the schedule template and advances NextRunAt.
// The concurrency guard skips the run, but the schedule still advances so
// a saturated schedule does not fire repeatedly on every tick.
func (s *Service) fire(ctx context.Context, schedule *models.Schedule, now time.Time) error {
	skip := false
	if schedule.MaxConcurrentJobs > 0 {
		active, err := s.jobs.CountActiveBySchedule(ctx, schedule.ID)
		if err != nil {
			return err
		}
		if active >= schedule.MaxConcurrentJobs {
			s.logger.Info().
				Int64("schedule_id", schedule.ID).
				Int("active", active).
				Int("max", schedule.MaxConcurrentJobs).
				Msg("Skipping schedule run, concurrency limit reached")
			skip = true
		}
	}

	if !skip {
		job := s.instantiate(schedule)
		if _, err := s.controller.CreateJob(ctx, job); err != nil {
			s.logger.Warn().Int64("schedule_id", schedule.ID).Err(err).Msg("Failed to create scheduled job")
			// Fall through: the schedule still advances.
		} else {
			schedule.TotalRuns++
			s.logger.Info().
				Int64("schedule_id", schedule.ID).
				Int64("job_id", job.ID).
				Str("type", string(job.Type)).
				Msg("Schedule fired")
		}
		schedule.LastRunAt = &now
	}

	if schedule.Frequency == models.FrequencyOnce {
		schedule.Active = false
		schedule.NextRunAt = nil
	} else {
		next, err := ComputeNext(schedule, now)
		if err != nil {
			return err
		}
		schedule.NextRunAt = &next
	}

	err := s.schedules.UpdateSchedule(ctx, schedule, schedule.Version)
	if errors.Is(err, interfaces.ErrVersionConflict) {
		// Another node advanced it first; this run's bookkeeping is theirs.
		return nil
	}
	return err
}

// instantiate stamps a job from the schedule's template snapshot
func (s *Service) instantiate(schedule *models.Schedule) *models.Job {
	params := make(map[string]string, len(schedule.Template.Parameters))
	for k, v := range schedule.Template.Parameters {
		params[k] = v
	}
	job := models.NewJob(schedule.UserID,
		fmt.Sprintf("%s (scheduled)", schedule.Name),
		schedule.Template.Type, params,
		schedule.Template.Priority, schedule.Template.MaxRetries)
	job.ScheduleID = &schedule.ID
	job.KeywordID = schedule.KeywordID
	job.TimeoutSeconds = schedule.Template.TimeoutSeconds
	return job
}
