package models

import (
	"time"
)

// MetricSample is a point-in-time resource/throughput reading for a running job
type MetricSample struct {
	ID        int64     `json:"id" badgerhold:"key"`
	JobID     int64     `json:"job_id" badgerholdIndex:"JobID"`
	Timestamp time.Time `json:"timestamp"`

	CPUPercent        float64 `json:"cpu_percent"`
	MemoryMB          float64 `json:"memory_mb"`
	ItemsPerSecond    float64 `json:"items_per_second"`
	QueueSize         int     `json:"queue_size"`
	ActiveConnections int     `json:"active_connections"`
}
