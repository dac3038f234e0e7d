package interfaces

import (
	"context"
)

// EventType identifies a published event
type EventType string

const (
	EventJobCreated   EventType = "job_created"
	EventJobQueued    EventType = "job_queued"
	EventJobStarted   EventType = "job_started"
	EventJobProgress  EventType = "job_progress"
	EventJobRetrying  EventType = "job_retrying"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
	EventJobCancelled EventType = "job_cancelled"

	EventNotificationCreated EventType = "notification_created"
	EventQueueStats          EventType = "queue_stats"
)

// Event is a message published to the in-process bus. Job-scoped events
// carry job_id and user_id in the payload; the durable audit trail is the
// Notification row, delivery to live subscribers is best-effort.
type Event struct {
	Type    EventType
	Payload map[string]interface{}
}

// EventHandler processes a published event
type EventHandler func(ctx context.Context, event Event) error

// EventService provides in-process pub/sub between the lifecycle controller,
// the notification router, and live dashboard subscribers
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler) error
	// Publish fans out asynchronously; handler errors are logged, not returned.
	Publish(ctx context.Context, event Event) error
	// PublishSync waits for all handlers; used by tests and shutdown paths.
	PublishSync(ctx context.Context, event Event) error
	Close() error
}
