package models

import (
	"time"
)

// ScheduleFrequency enumerates the supported recurrence rules
type ScheduleFrequency string

const (
	FrequencyOnce    ScheduleFrequency = "once"
	FrequencyHourly  ScheduleFrequency = "hourly"
	FrequencyDaily   ScheduleFrequency = "daily"
	FrequencyWeekly  ScheduleFrequency = "weekly"
	FrequencyMonthly ScheduleFrequency = "monthly"
	FrequencyCustom  ScheduleFrequency = "custom"
)

// ValidFrequency reports whether f is a known frequency
func ValidFrequency(f ScheduleFrequency) bool {
	switch f {
	case FrequencyOnce, FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyCustom:
		return true
	}
	return false
}

// JobTemplate is the immutable snapshot a schedule stamps onto each job it creates
type JobTemplate struct {
	Type           JobType           `json:"type"`
	Parameters     map[string]string `json:"parameters"`
	Priority       JobPriority       `json:"priority"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	MaxRetries     int               `json:"max_retries"`
}

// Schedule is a repeating template that creates jobs
type Schedule struct {
	ID        int64  `json:"id" badgerhold:"key"`
	UserID    int64  `json:"user_id" badgerholdIndex:"UserID"`
	KeywordID *int64 `json:"keyword_id,omitempty"`

	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Frequency   ScheduleFrequency `json:"frequency"`
	// CronExpr holds the constrained cron expression for custom frequency
	CronExpr string `json:"cron_expr,omitempty"`
	Active   bool   `json:"active"`
	Timezone string `json:"timezone"`

	Template          JobTemplate `json:"template"`
	MaxConcurrentJobs int         `json:"max_concurrent_jobs"`

	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	TotalRuns      int `json:"total_runs"`
	SuccessfulRuns int `json:"successful_runs"`
	FailedRuns     int `json:"failed_runs"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// SuccessRate returns the percentage of successful runs, 0 when no runs finished
func (s *Schedule) SuccessRate() float64 {
	finished := s.SuccessfulRuns + s.FailedRuns
	if finished == 0 {
		return 0
	}
	return float64(s.SuccessfulRuns) / float64(finished) * 100
}

// Location resolves the schedule's timezone, falling back to UTC
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
