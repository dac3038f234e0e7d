package monitoring

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/keywatch/internal/common"
	"github.com/ternarybob/keywatch/internal/ephemeral"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/models"
	"github.com/ternarybob/keywatch/internal/queue"
	storage "github.com/ternarybob/keywatch/internal/storage/badger"
)

type monitoringFixture struct {
	service *Service
	storage interfaces.StorageManager
	store   *ephemeral.Store
	queue   *queue.Manager
}

func newMonitoringFixture(t *testing.T) *monitoringFixture {
	t.Helper()
	logger := common.GetLogger()

	manager, err := storage.NewManager(logger, &common.BadgerConfig{Path: ""})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	store, err := ephemeral.NewStore(logger, &common.EphemeralConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	queueManager := queue.NewManager(store, logger)
	service := NewService(manager.JobStorage(), manager.ScheduleStorage(), manager.MetricStorage(), store, queueManager, logger)
	return &monitoringFixture{service: service, storage: manager, store: store, queue: queueManager}
}

func (f *monitoringFixture) seedJob(t *testing.T, userID int64, status models.JobStatus) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := models.NewJob(userID, "crawl", models.JobTypeKeywordCrawl,
		map[string]string{"keyword_id": "5"}, models.PriorityNormal, 3)
	require.NoError(t, f.storage.JobStorage().CreateJob(ctx, job))
	if status != models.JobStatusPending {
		switch status {
		case models.JobStatusCompleted:
			job.MarkStarted()
			job.MarkCompleted()
		case models.JobStatusFailed:
			job.MarkStarted()
			job.MarkFailed("boom")
		case models.JobStatusRunning:
			job.MarkStarted()
		default:
			job.Status = status
		}
		require.NoError(t, f.storage.JobStorage().UpdateJob(ctx, job, job.Version))
	}
	return job
}

func (f *monitoringFixture) seedCompletedWork(t *testing.T, userID int64, items, points int) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := f.seedJob(t, userID, models.JobStatusPending)
	job.MarkStarted()
	job.Progress.ItemsProcessed = items
	job.PointsConsumed = points
	job.MarkCompleted()
	require.NoError(t, f.storage.JobStorage().UpdateJob(ctx, job, job.Version))
	return job
}

func (f *monitoringFixture) seedSchedule(t *testing.T, userID int64, active bool) *models.Schedule {
	t.Helper()
	schedule := &models.Schedule{
		UserID:    userID,
		Name:      "hourly crawl",
		Frequency: models.FrequencyHourly,
		Active:    active,
		Template:  models.JobTemplate{Type: models.JobTypeKeywordCrawl, Priority: models.PriorityNormal},
	}
	require.NoError(t, f.storage.ScheduleStorage().CreateSchedule(context.Background(), schedule))
	return schedule
}

func TestDashboard_Aggregates(t *testing.T) {
	f := newMonitoringFixture(t)
	ctx := context.Background()

	f.seedCompletedWork(t, 1, 30, 12)
	f.seedCompletedWork(t, 1, 20, 8)
	f.seedJob(t, 1, models.JobStatusFailed)
	f.seedJob(t, 1, models.JobStatusQueued)
	f.seedJob(t, 2, models.JobStatusCompleted) // other user, excluded
	f.seedSchedule(t, 1, true)
	f.seedSchedule(t, 1, false)
	f.seedSchedule(t, 2, true)

	stats, err := f.service.Dashboard(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalJobs)
	assert.Equal(t, 2, stats.ByStatus[models.JobStatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[models.JobStatusFailed])
	assert.Equal(t, 1, stats.ActiveJobs)
	assert.Equal(t, 1, stats.ActiveSchedules)
	assert.Equal(t, 2, stats.CompletedToday)
	assert.Equal(t, 1, stats.FailedToday)
	assert.InDelta(t, 66.6, stats.SuccessRate, 1)
	assert.Equal(t, 50, stats.ItemsPerHour)
	assert.Equal(t, 20, stats.PointsToday)
	assert.NotNil(t, stats.Queue)
}

func TestDashboard_ServesCachedCopy(t *testing.T) {
	f := newMonitoringFixture(t)
	ctx := context.Background()

	f.seedJob(t, 1, models.JobStatusCompleted)
	first, err := f.service.Dashboard(ctx, 1)
	require.NoError(t, err)

	// New data after the cache was written is not yet visible.
	f.seedJob(t, 1, models.JobStatusCompleted)
	second, err := f.service.Dashboard(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, first.TotalJobs, second.TotalJobs)
	assert.Equal(t, first.GeneratedAt.Unix(), second.GeneratedAt.Unix())
}

func TestActiveJobs_MergesLiveProgress(t *testing.T) {
	f := newMonitoringFixture(t)
	ctx := context.Background()

	running := f.seedJob(t, 1, models.JobStatusRunning)
	progress := models.JobProgress{Current: 40, Total: 100, Message: "crawling"}
	progress.Recalculate()
	data, err := json.Marshal(&progress)
	require.NoError(t, err)
	require.NoError(t, f.store.Set(ctx, "job_progress:"+itoa(running.ID), data, interfaces.TTLJobProgress))

	queued := f.seedJob(t, 1, models.JobStatusQueued)
	require.NoError(t, f.queue.Enqueue(ctx, models.NewQueueEntry(queued, 0)))

	active, err := f.service.ActiveJobs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, active, 2)

	byID := map[int64]*ActiveJob{}
	for _, a := range active {
		byID[a.Job.ID] = a
	}
	require.NotNil(t, byID[running.ID].LiveProgress)
	assert.Equal(t, float64(40), byID[running.ID].LiveProgress.Percentage)
	assert.Equal(t, 1, byID[queued.ID].QueuePosition)
}

func TestJobStatus_ETAFromThroughput(t *testing.T) {
	f := newMonitoringFixture(t)
	ctx := context.Background()

	job := f.seedJob(t, 1, models.JobStatusRunning)
	progress := models.JobProgress{Current: 40, Total: 100}
	progress.Recalculate()
	data, err := json.Marshal(&progress)
	require.NoError(t, err)
	require.NoError(t, f.store.Set(ctx, "job_progress:"+itoa(job.ID), data, interfaces.TTLJobProgress))

	require.NoError(t, f.storage.MetricStorage().RecordSample(ctx, &models.MetricSample{
		JobID: job.ID, Timestamp: time.Now(), ItemsPerSecond: 2,
	}))

	status, err := f.service.JobStatus(ctx, job.ID)
	require.NoError(t, err)
	// 60 items remaining at 2 items/sec.
	assert.InDelta(t, 30, status.ETASeconds, 0.01)
}

func TestHistory_OnlyTerminalJobs(t *testing.T) {
	f := newMonitoringFixture(t)
	ctx := context.Background()

	f.seedJob(t, 1, models.JobStatusCompleted)
	f.seedJob(t, 1, models.JobStatusFailed)
	f.seedJob(t, 1, models.JobStatusQueued)

	history, err := f.service.History(ctx, 1, HistoryOptions{Limit: 50})
	require.NoError(t, err)
	assert.Len(t, history, 2)
	for _, job := range history {
		assert.True(t, job.IsTerminal())
	}
}

func TestHistory_FiltersByStatusAndType(t *testing.T) {
	f := newMonitoringFixture(t)
	ctx := context.Background()

	f.seedJob(t, 1, models.JobStatusCompleted)
	failed := f.seedJob(t, 1, models.JobStatusFailed)

	trending := models.NewJob(1, "trending", models.JobTypeTrendingCrawl,
		map[string]string{"subreddit": "golang"}, models.PriorityNormal, 3)
	require.NoError(t, f.storage.JobStorage().CreateJob(ctx, trending))
	trending.MarkStarted()
	trending.MarkCompleted()
	require.NoError(t, f.storage.JobStorage().UpdateJob(ctx, trending, trending.Version))

	byStatus, err := f.service.History(ctx, 1, HistoryOptions{Status: models.JobStatusFailed, Limit: 50})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, failed.ID, byStatus[0].ID)

	byType, err := f.service.History(ctx, 1, HistoryOptions{Type: models.JobTypeTrendingCrawl, Limit: 50})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, trending.ID, byType[0].ID)
}

func TestHistory_PaginatesAfterTerminalFilter(t *testing.T) {
	f := newMonitoringFixture(t)
	ctx := context.Background()

	// Active jobs interleaved with terminal ones must not shrink pages.
	f.seedJob(t, 1, models.JobStatusCompleted)
	f.seedJob(t, 1, models.JobStatusQueued)
	f.seedJob(t, 1, models.JobStatusCompleted)
	f.seedJob(t, 1, models.JobStatusRunning)
	f.seedJob(t, 1, models.JobStatusFailed)

	page, err := f.service.History(ctx, 1, HistoryOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := f.service.History(ctx, 1, HistoryOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	past, err := f.service.History(ctx, 1, HistoryOptions{Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
