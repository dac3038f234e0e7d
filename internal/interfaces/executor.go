package interfaces

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ternarybob/keywatch/internal/models"
)

// CrawlResult is what an executor reports after a successful run
type CrawlResult struct {
	ItemsProcessed int `json:"items_processed"`
	ItemsSaved     int `json:"items_saved"`
	ItemsFailed    int `json:"items_failed"`
	PointsConsumed int `json:"points_consumed"`
}

// ExecErrorKind classifies executor failures for the retry policy
type ExecErrorKind string

const (
	// ExecTransient covers network hiccups, rate limits, upstream 5xx.
	// Transient failures re-enter the queue with backoff.
	ExecTransient ExecErrorKind = "transient"
	// ExecPermanent covers bad parameters and upstream 4xx. Permanent
	// failures terminate the job without retry.
	ExecPermanent ExecErrorKind = "permanent"
)

// ExecError is a classified executor failure
type ExecError struct {
	Kind    ExecErrorKind
	Message string
}

func (e *ExecError) Error() string {
	return e.Message
}

// NewTransientError builds a retryable executor failure
func NewTransientError(message string) *ExecError {
	return &ExecError{Kind: ExecTransient, Message: message}
}

// NewPermanentError builds a non-retryable executor failure
func NewPermanentError(message string) *ExecError {
	return &ExecError{Kind: ExecPermanent, Message: message}
}

// ClassifyExecError extracts the kind from an executor error.
// Unclassified errors are treated as transient so a bug in an executor
// does not silently burn a job's retry budget.
func ClassifyExecError(err error) ExecErrorKind {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ExecTransient
	}
	return ExecTransient
}

// CancelSignal is a process-internal flag the executor polls between
// external calls. Set by the lifecycle controller on cancellation and by
// the dispatcher on timeout.
type CancelSignal struct {
	flag atomic.Bool
	done chan struct{}
}

// NewCancelSignal creates an unset cancel signal
func NewCancelSignal() *CancelSignal {
	return &CancelSignal{done: make(chan struct{})}
}

// Cancel sets the flag. Idempotent.
func (c *CancelSignal) Cancel() {
	if c.flag.CompareAndSwap(false, true) {
		close(c.done)
	}
}

// Cancelled reports whether the signal has been set
func (c *CancelSignal) Cancelled() bool {
	return c.flag.Load()
}

// Done returns a channel closed when the signal is set
func (c *CancelSignal) Done() <-chan struct{} {
	return c.done
}

// ProgressFunc is invoked by the executor at its discretion. Writes go to
// the ephemeral store only; the controller checkpoints durably on its own
// cadence.
type ProgressFunc func(current, total int, message string)

// CrawlExecutor performs the actual external content API work. The core
// consumes it abstractly; implementations select behavior by job type.
type CrawlExecutor interface {
	Execute(ctx context.Context, job *models.Job, progress ProgressFunc, cancel *CancelSignal) (*CrawlResult, error)
}

// NotificationSink delivers a notification over one external channel
// (email, sms, webhook). Implementations are external collaborators.
type NotificationSink interface {
	Send(ctx context.Context, channel models.DeliveryChannel, recipient, title, message string) error
}
