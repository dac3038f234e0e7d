package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true for states that accept no further transitions
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether the state machine allows moving to next.
// Terminal states allow nothing; cancellation is reachable from every
// non-terminal state.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == JobStatusCancelled {
		return true
	}
	switch s {
	case JobStatusPending:
		return next == JobStatusQueued || next == JobStatusFailed
	case JobStatusQueued:
		return next == JobStatusRunning || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusRetrying
	case JobStatusRetrying:
		return next == JobStatusQueued || next == JobStatusFailed
	}
	return false
}

// JobType identifies what kind of crawl work a job performs
type JobType string

const (
	JobTypeKeywordCrawl     JobType = "keyword_crawl"
	JobTypeTrendingCrawl    JobType = "trending_crawl"
	JobTypeAllKeywordsCrawl JobType = "all_keywords_crawl"
	JobTypeCommentsCrawl    JobType = "comments_crawl"
)

// ValidJobType reports whether t is a known job type
func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeKeywordCrawl, JobTypeTrendingCrawl, JobTypeAllKeywordsCrawl, JobTypeCommentsCrawl:
		return true
	}
	return false
}

// JobPriority ranks queue precedence. Order is fixed: urgent > high > normal > low.
type JobPriority string

const (
	PriorityUrgent JobPriority = "urgent"
	PriorityHigh   JobPriority = "high"
	PriorityNormal JobPriority = "normal"
	PriorityLow    JobPriority = "low"
)

// PriorityOrder is the single declaration of dequeue precedence.
// All call sites iterate this slice rather than hard-coding ranks.
var PriorityOrder = []JobPriority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// ValidPriority reports whether p is a known priority level
func ValidPriority(p JobPriority) bool {
	for _, v := range PriorityOrder {
		if v == p {
			return true
		}
	}
	return false
}

// JobProgress tracks live execution progress
type JobProgress struct {
	Current        int     `json:"current"`
	Total          int     `json:"total"`
	Percentage     float64 `json:"percentage"`
	Message        string  `json:"message,omitempty"`
	ItemsProcessed int     `json:"items_processed"`
	ItemsSaved     int     `json:"items_saved"`
	ItemsFailed    int     `json:"items_failed"`
	SuccessRate    float64 `json:"success_rate"`
}

// Recalculate derives percentage and success rate from the counters.
// Percentage is clamped to [0,100]; total=0 yields 0 rather than NaN.
func (p *JobProgress) Recalculate() {
	if p.Total > 0 {
		p.Percentage = float64(p.Current) / float64(p.Total) * 100
		if p.Percentage > 100 {
			p.Percentage = 100
		}
		if p.Percentage < 0 {
			p.Percentage = 0
		}
	} else {
		p.Percentage = 0
	}
	if p.ItemsProcessed > 0 {
		p.SuccessRate = float64(p.ItemsSaved) / float64(p.ItemsProcessed) * 100
	} else {
		p.SuccessRate = 0
	}
}

// Job represents one unit of crawl work with its own lifecycle.
// Stored in the durable state store; live progress is mirrored to the
// ephemeral store while the job runs.
type Job struct {
	ID         int64  `json:"id" badgerhold:"key"`
	UserID     int64  `json:"user_id" badgerholdIndex:"UserID"`
	KeywordID  *int64 `json:"keyword_id,omitempty"`
	ScheduleID *int64 `json:"schedule_id,omitempty"`

	Name       string            `json:"name"`
	Type       JobType           `json:"type"`
	Parameters map[string]string `json:"parameters"`
	Priority   JobPriority       `json:"priority"`
	MaxRetries int               `json:"max_retries"`

	Status       JobStatus `json:"status" badgerholdIndex:"Status"`
	RetryCount   int       `json:"retry_count"`
	ErrorMessage string    `json:"error_message,omitempty"`

	Progress JobProgress `json:"progress"`

	CreatedAt    time.Time  `json:"created_at"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`

	ActualDurationSeconds float64 `json:"actual_duration_seconds"`
	PointsConsumed        int     `json:"points_consumed"`
	TimeoutSeconds        int     `json:"timeout_seconds"`

	// Version increments on every durable write; the state store rejects
	// updates carrying a stale version.
	Version int `json:"version"`
}

// NewJob creates a job in the initial pending state
func NewJob(userID int64, name string, jobType JobType, params map[string]string, priority JobPriority, maxRetries int) *Job {
	if params == nil {
		params = make(map[string]string)
	}
	now := time.Now()
	return &Job{
		ID:         0, // assigned by the state store on create
		UserID:     userID,
		Name:       name,
		Type:       jobType,
		Parameters: params,
		Priority:   priority,
		MaxRetries: maxRetries,
		Status:     JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// MarkStarted records the transition into the running state. The first-start
// timestamp is preserved across retries.
func (j *Job) MarkStarted() {
	j.Status = JobStatusRunning
	if j.StartedAt == nil {
		now := time.Now()
		j.StartedAt = &now
	}
}

// MarkCompleted finalizes a successful run
func (j *Job) MarkCompleted() {
	j.Status = JobStatusCompleted
	now := time.Now()
	j.CompletedAt = &now
	if j.Progress.Total > 0 {
		j.Progress.Current = j.Progress.Total
	}
	j.Progress.Percentage = 100
	j.Progress.Recalculate()
	j.Progress.Percentage = 100
	if j.StartedAt != nil {
		j.ActualDurationSeconds = now.Sub(*j.StartedAt).Seconds()
	}
}

// MarkFailed finalizes a terminally failed run
func (j *Job) MarkFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.ErrorMessage = errorMsg
	now := time.Now()
	j.CompletedAt = &now
	if j.StartedAt != nil {
		j.ActualDurationSeconds = now.Sub(*j.StartedAt).Seconds()
	}
}

// MarkCancelled finalizes a cancelled run
func (j *Job) MarkCancelled() {
	j.Status = JobStatusCancelled
	j.ErrorMessage = "Job cancelled by user"
	now := time.Now()
	j.CompletedAt = &now
	if j.StartedAt != nil {
		j.ActualDurationSeconds = now.Sub(*j.StartedAt).Seconds()
	}
}
