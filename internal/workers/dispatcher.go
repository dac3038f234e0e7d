package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/common"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/lifecycle"
	"github.com/ternarybob/keywatch/internal/models"
	"github.com/ternarybob/keywatch/internal/queue"
)

const (
	metricSampleInterval = 5 * time.Second
	metricListCap        = 100
	statsBroadcast       = 5 * time.Second
	staleSweepInterval   = time.Minute
)

// Dispatcher runs the worker pool. Workers poll the priority queues, claim
// jobs through the lifecycle controller, and drive the executor with a
// deadline and a cancel signal.
type Dispatcher struct {
	controller *lifecycle.Controller
	queue      *queue.Manager
	executor   interfaces.CrawlExecutor
	metrics    interfaces.MetricStorage
	store      interfaces.EphemeralStore
	events     interfaces.EventService
	logger     arbor.ILogger

	concurrency    int
	pollInterval   time.Duration
	defaultTimeout time.Duration
	staleAfter     time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher wires the worker pool from configuration
func NewDispatcher(
	cfg *common.Config,
	controller *lifecycle.Controller,
	queueManager *queue.Manager,
	crawlExecutor interfaces.CrawlExecutor,
	metrics interfaces.MetricStorage,
	store interfaces.EphemeralStore,
	events interfaces.EventService,
	logger arbor.ILogger,
) *Dispatcher {
	return &Dispatcher{
		controller:     controller,
		queue:          queueManager,
		executor:       crawlExecutor,
		metrics:        metrics,
		store:          store,
		events:         events,
		logger:         logger,
		concurrency:    cfg.Workers.Concurrency,
		pollInterval:   common.Duration(cfg.Queue.PollInterval, time.Second),
		defaultTimeout: common.Duration(cfg.Workers.DefaultTimeout, time.Hour),
		staleAfter:     time.Duration(cfg.Workers.StaleAfterMinutes) * time.Minute,
		stopCh:         make(chan struct{}),
	}
}

// Start recovers orphaned work, then launches the workers and the
// background sweepers
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.controller.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("orphan recovery failed: %w", err)
	}

	for i := 0; i < d.concurrency; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.wg.Add(2)
	go d.staleSweeper()
	go d.statsBroadcaster()

	d.logger.Info().
		Int("workers", d.concurrency).
		Str("poll_interval", d.pollInterval.String()).
		Msg("Dispatcher started")
	return nil
}

// Stop signals all workers and waits for in-flight jobs to yield
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info().Msg("Dispatcher stopped")
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	logger := d.logger

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		entry, err := d.queue.Dequeue(context.Background())
		if err != nil {
			if !errors.Is(err, interfaces.ErrQueueEmpty) {
				logger.Warn().Int("worker", id).Err(err).Msg("Dequeue failed")
			}
			select {
			case <-d.stopCh:
				return
			case <-time.After(d.pollInterval):
			}
			continue
		}

		d.run(id, entry)
	}
}

// run claims and executes a single dequeued entry
func (d *Dispatcher) run(workerID int, entry *models.QueueEntry) {
	ctx := context.Background()

	job, signal, err := d.controller.StartJob(ctx, entry.JobID)
	if err != nil {
		// Stale entries for jobs that were cancelled, deleted or already
		// claimed are dropped silently.
		if errors.Is(err, interfaces.ErrTerminalState) ||
			errors.Is(err, interfaces.ErrInvalidTransition) ||
			errors.Is(err, interfaces.ErrNotFound) {
			d.logger.Debug().Int64("job_id", entry.JobID).Err(err).Msg("Dropping stale queue entry")
			return
		}
		d.logger.Error().Int64("job_id", entry.JobID).Err(err).Msg("Failed to claim job")
		return
	}

	timeout := d.defaultTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Cut execution short on shutdown; the job goes back through orphan
	// recovery on the next start.
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-execCtx.Done():
		}
	}()

	sampler := newSampler(job.ID)
	progress := func(current, total int, message string) {
		p := models.JobProgress{Current: current, Total: total, Message: message}
		d.controller.ReportProgress(ctx, job.ID, p)
		d.sample(ctx, sampler, current)
	}

	result, execErr := d.executor.Execute(execCtx, job, progress, signal)

	switch {
	case execErr == nil:
		if err := d.controller.CompleteJob(ctx, job.ID, result); err != nil && !errors.Is(err, interfaces.ErrTerminalState) {
			d.logger.Error().Int64("job_id", job.ID).Err(err).Msg("Failed to commit completion")
		}
	case signal.Cancelled() || errors.Is(execErr, context.Canceled):
		if err := d.controller.FinalizeCancellation(ctx, job.ID); err != nil && !errors.Is(err, interfaces.ErrTerminalState) {
			d.logger.Error().Int64("job_id", job.ID).Err(err).Msg("Failed to commit cancellation")
		}
	case errors.Is(execErr, context.DeadlineExceeded):
		msg := fmt.Sprintf("execution timed out after %s", timeout)
		if err := d.controller.FailJob(ctx, job.ID, msg, true); err != nil && !errors.Is(err, interfaces.ErrTerminalState) {
			d.logger.Error().Int64("job_id", job.ID).Err(err).Msg("Failed to commit timeout failure")
		}
	default:
		transient := interfaces.ClassifyExecError(execErr) == interfaces.ExecTransient
		if err := d.controller.FailJob(ctx, job.ID, execErr.Error(), transient); err != nil && !errors.Is(err, interfaces.ErrTerminalState) {
			d.logger.Error().Int64("job_id", job.ID).Err(err).Msg("Failed to commit failure")
		}
	}
}

// sampler tracks throughput between metric samples for one run
type sampler struct {
	jobID       int64
	mu          sync.Mutex
	lastAt      time.Time
	lastCurrent int
}

func newSampler(jobID int64) *sampler {
	return &sampler{jobID: jobID, lastAt: time.Now()}
}

// sample records a metric point at most once per interval
func (d *Dispatcher) sample(ctx context.Context, s *sampler, current int) {
	s.mu.Lock()
	elapsed := time.Since(s.lastAt)
	if elapsed < metricSampleInterval {
		s.mu.Unlock()
		return
	}
	rate := float64(current-s.lastCurrent) / elapsed.Seconds()
	s.lastAt = time.Now()
	s.lastCurrent = current
	s.mu.Unlock()

	queueSize := 0
	if stats, err := d.queue.Stats(ctx); err == nil {
		queueSize = stats.Total
	}

	m := &models.MetricSample{
		JobID:          s.jobID,
		Timestamp:      time.Now(),
		ItemsPerSecond: rate,
		QueueSize:      queueSize,
	}
	if err := d.metrics.RecordSample(ctx, m); err != nil {
		d.logger.Warn().Int64("job_id", s.jobID).Err(err).Msg("Failed to record metric sample")
	}

	if data, err := json.Marshal(m); err == nil {
		key := fmt.Sprintf("%s%d", interfaces.KeyJobMetrics, s.jobID)
		if err := d.store.AppendCapped(ctx, key, data, metricListCap, interfaces.TTLJobMetrics); err != nil {
			d.logger.Warn().Int64("job_id", s.jobID).Err(err).Msg("Failed to mirror metric sample")
		}
	}
}

// staleSweeper periodically fails running jobs that stopped reporting
func (d *Dispatcher) staleSweeper() {
	defer d.wg.Done()
	if d.staleAfter <= 0 {
		return
	}
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.controller.FailStale(context.Background(), d.staleAfter); err != nil {
				d.logger.Warn().Err(err).Msg("Stale job sweep failed")
			}
		}
	}
}

// statsBroadcaster publishes queue depth for live dashboards
func (d *Dispatcher) statsBroadcaster() {
	defer d.wg.Done()
	ticker := time.NewTicker(statsBroadcast)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			ctx := context.Background()
			stats, err := d.queue.Stats(ctx)
			if err != nil {
				continue
			}
			payload := map[string]interface{}{"stats": stats}
			if err := d.events.Publish(ctx, interfaces.Event{Type: interfaces.EventQueueStats, Payload: payload}); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to publish queue stats")
			}
			if data, err := json.Marshal(stats); err == nil {
				if err := d.store.Set(ctx, interfaces.KeyQueueStats+":snapshot", data, interfaces.TTLQueueStats); err != nil {
					d.logger.Warn().Err(err).Msg("Failed to cache queue stats")
				}
			}
		}
	}
}
