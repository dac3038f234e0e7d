package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueueEntry is the immutable message appended to a priority queue.
// Once enqueued it is not modified; runtime state lives on the Job row.
type QueueEntry struct {
	JobID        int64             `json:"job_id"`
	Priority     JobPriority       `json:"priority"`
	JobType      JobType           `json:"job_type"`
	Parameters   map[string]string `json:"parameters"`
	RetryCount   int               `json:"retry_count"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
}

// NewQueueEntry builds a queue entry snapshot from a job
func NewQueueEntry(job *Job, delay time.Duration) *QueueEntry {
	e := &QueueEntry{
		JobID:      job.ID,
		Priority:   job.Priority,
		JobType:    job.Type,
		Parameters: job.Parameters,
		RetryCount: job.RetryCount,
		EnqueuedAt: time.Now(),
	}
	if delay > 0 {
		t := time.Now().Add(delay)
		e.ScheduledFor = &t
	}
	return e
}

// Ready reports whether the entry is eligible for dequeue at the given time
func (e *QueueEntry) Ready(now time.Time) bool {
	return e.ScheduledFor == nil || !e.ScheduledFor.After(now)
}

// ToJSON serializes the entry for queue storage
func (e *QueueEntry) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queue entry: %w", err)
	}
	return data, nil
}

// QueueEntryFromJSON deserializes a queue entry
func QueueEntryFromJSON(data []byte) (*QueueEntry, error) {
	var e QueueEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue entry: %w", err)
	}
	return &e, nil
}

// QueueStats reports per-priority depth and cumulative counters
type QueueStats struct {
	Lengths  map[JobPriority]int   `json:"lengths"`
	Enqueued map[JobPriority]int64 `json:"enqueued"`
	Dequeued map[JobPriority]int64 `json:"dequeued"`
	Total    int                   `json:"total"`
}
