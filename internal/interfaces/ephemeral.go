package interfaces

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Ephemeral key layout. Entries carry TTLs; expiry of a key never implies
// the underlying job does not exist.
const (
	KeyJobStatus         = "job_status:"            // JSON, TTL 24h
	KeyJobProgress       = "job_progress:"          // JSON, TTL 1h
	KeyJobMetrics        = "job_metrics:"           // list capped 100, TTL 1h
	KeyActiveJobs        = "active_jobs"            // map id -> summary, TTL 24h
	KeyQueueStats        = "queue_stats"            // counters, TTL 24h
	KeyUserNotifications = "user_notifications:"    // list capped 100, TTL 30d
	KeyNotifySettings    = "notification_settings:" // JSON, TTL 1y
	KeyDashboardStats    = "dashboard_stats:"       // JSON cache, TTL 60s
	KeyJobQueue          = "job_queue:"             // ordered list per priority
)

// Standard TTLs for the layout above
const (
	TTLJobStatus         = 24 * time.Hour
	TTLJobProgress       = time.Hour
	TTLJobMetrics        = time.Hour
	TTLActiveJobs        = 24 * time.Hour
	TTLQueueStats        = 24 * time.Hour
	TTLUserNotifications = 30 * 24 * time.Hour
	TTLNotifySettings    = 365 * 24 * time.Hour
	TTLDashboardStats    = 60 * time.Second
)

// EphemeralStore is the short-TTL side store: live status mirrors, capped
// lists, counters, and the raw backend for the queue manager. Values are
// opaque bytes; callers own the JSON encoding.
type EphemeralStore interface {
	// Set writes a value under key with the given TTL (0 = no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// AppendCapped appends to a list, trimming the oldest entries beyond cap.
	// Every element carries the list's TTL.
	AppendCapped(ctx context.Context, listKey string, value []byte, cap int, ttl time.Duration) error
	// List returns list elements oldest first.
	List(ctx context.Context, listKey string) ([][]byte, error)
	DeleteList(ctx context.Context, listKey string) error

	// AddCounter atomically adds delta to a named counter under a counter
	// group key, refreshing the group's TTL.
	AddCounter(ctx context.Context, groupKey, name string, delta int64, ttl time.Duration) error
	// GetCounters returns all counters in a group.
	GetCounters(ctx context.Context, groupKey string) (map[string]int64, error)

	// DB exposes the underlying badger instance for components that need
	// ordered-key iteration (the queue manager).
	DB() *badger.DB

	Close() error
}
