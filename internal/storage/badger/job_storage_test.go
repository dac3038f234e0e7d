package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/keywatch/internal/common"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/models"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(common.GetLogger(), &common.BadgerConfig{Path: ""})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestJobStorage_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, common.GetLogger())
	ctx := context.Background()

	job := models.NewJob(42, "crawl keyword 7", models.JobTypeKeywordCrawl, map[string]string{"keyword_id": "7"}, models.PriorityNormal, 3)
	require.NoError(t, storage.CreateJob(ctx, job))
	assert.NotZero(t, job.ID)
	assert.Equal(t, 1, job.Version)

	loaded, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, int64(42), loaded.UserID)
	assert.Equal(t, models.JobStatusPending, loaded.Status)
	assert.Equal(t, "7", loaded.Parameters["keyword_id"])
}

func TestJobStorage_GetMissing(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, common.GetLogger())

	_, err := storage.GetJob(context.Background(), 999999)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestJobStorage_UpdateVersionConflict(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, common.GetLogger())
	ctx := context.Background()

	job := models.NewJob(1, "crawl", models.JobTypeKeywordCrawl, nil, models.PriorityNormal, 3)
	require.NoError(t, storage.CreateJob(ctx, job))

	job.Status = models.JobStatusQueued
	require.NoError(t, storage.UpdateJob(ctx, job, 1))
	assert.Equal(t, 2, job.Version)

	// A writer holding the old version must lose.
	stale := *job
	stale.Status = models.JobStatusRunning
	err := storage.UpdateJob(ctx, &stale, 1)
	assert.ErrorIs(t, err, interfaces.ErrVersionConflict)

	loaded, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, loaded.Status)
	assert.Equal(t, 2, loaded.Version)
}

func TestJobStorage_UpdateMissing(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, common.GetLogger())

	job := models.NewJob(1, "crawl", models.JobTypeKeywordCrawl, nil, models.PriorityNormal, 3)
	job.ID = 123456
	err := storage.UpdateJob(context.Background(), job, 1)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestJobStorage_ListAndCount(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, common.GetLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job := models.NewJob(10, "crawl", models.JobTypeKeywordCrawl, nil, models.PriorityNormal, 3)
		require.NoError(t, storage.CreateJob(ctx, job))
	}
	other := models.NewJob(11, "trending", models.JobTypeTrendingCrawl, nil, models.PriorityHigh, 3)
	require.NoError(t, storage.CreateJob(ctx, other))

	jobs, err := storage.ListJobs(ctx, &interfaces.JobListOptions{UserID: 10})
	require.NoError(t, err)
	assert.Len(t, jobs, 5)

	count, err := storage.CountJobs(ctx, &interfaces.JobListOptions{UserID: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	page, err := storage.ListJobs(ctx, &interfaces.JobListOptions{UserID: 10, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestJobStorage_ListFiltersByStatus(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, common.GetLogger())
	ctx := context.Background()

	done := models.NewJob(10, "crawl", models.JobTypeKeywordCrawl, nil, models.PriorityNormal, 3)
	require.NoError(t, storage.CreateJob(ctx, done))
	done.MarkCompleted()
	require.NoError(t, storage.UpdateJob(ctx, done, 1))

	pending := models.NewJob(10, "crawl", models.JobTypeKeywordCrawl, nil, models.PriorityNormal, 3)
	require.NoError(t, storage.CreateJob(ctx, pending))

	jobs, err := storage.ListJobs(ctx, &interfaces.JobListOptions{UserID: 10, Status: models.JobStatusCompleted})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, done.ID, jobs[0].ID)
}

func TestJobStorage_CountActiveBySchedule(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, common.GetLogger())
	ctx := context.Background()

	scheduleID := int64(777)

	active := models.NewJob(1, "crawl", models.JobTypeKeywordCrawl, nil, models.PriorityNormal, 3)
	active.ScheduleID = &scheduleID
	require.NoError(t, storage.CreateJob(ctx, active))

	finished := models.NewJob(1, "crawl", models.JobTypeKeywordCrawl, nil, models.PriorityNormal, 3)
	finished.ScheduleID = &scheduleID
	require.NoError(t, storage.CreateJob(ctx, finished))
	finished.MarkCompleted()
	require.NoError(t, storage.UpdateJob(ctx, finished, 1))

	unrelated := models.NewJob(1, "crawl", models.JobTypeKeywordCrawl, nil, models.PriorityNormal, 3)
	require.NoError(t, storage.CreateJob(ctx, unrelated))

	count, err := storage.CountActiveBySchedule(ctx, scheduleID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestJobStorage_CompletedSince(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, common.GetLogger())
	ctx := context.Background()

	recent := models.NewJob(5, "crawl", models.JobTypeKeywordCrawl, nil, models.PriorityNormal, 3)
	require.NoError(t, storage.CreateJob(ctx, recent))
	recent.MarkCompleted()
	require.NoError(t, storage.UpdateJob(ctx, recent, 1))

	old := models.NewJob(5, "crawl", models.JobTypeKeywordCrawl, nil, models.PriorityNormal, 3)
	require.NoError(t, storage.CreateJob(ctx, old))
	old.MarkCompleted()
	past := time.Now().Add(-48 * time.Hour)
	old.CompletedAt = &past
	require.NoError(t, storage.UpdateJob(ctx, old, 1))

	jobs, err := storage.CompletedSince(ctx, 5, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, recent.ID, jobs[0].ID)
}

func TestJobStorage_DetachSchedule(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, common.GetLogger())
	ctx := context.Background()

	scheduleID := int64(31)
	job := models.NewJob(2, "crawl", models.JobTypeKeywordCrawl, nil, models.PriorityNormal, 3)
	job.ScheduleID = &scheduleID
	require.NoError(t, storage.CreateJob(ctx, job))

	count, err := storage.DetachSchedule(ctx, scheduleID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	loaded, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.ScheduleID)
}

func TestManager_DeleteUserData(t *testing.T) {
	manager, err := NewManager(common.GetLogger(), &common.BadgerConfig{Path: ""})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	ctx := context.Background()

	job := models.NewJob(99, "crawl", models.JobTypeKeywordCrawl, nil, models.PriorityNormal, 3)
	require.NoError(t, manager.JobStorage().CreateJob(ctx, job))

	schedule := &models.Schedule{UserID: 99, Name: "nightly", Frequency: models.FrequencyDaily, Active: true}
	require.NoError(t, manager.ScheduleStorage().CreateSchedule(ctx, schedule))

	n := &models.Notification{UserID: 99, JobID: job.ID, Type: models.NotificationJobCompleted, Channel: models.ChannelDashboard}
	require.NoError(t, manager.NotificationStorage().CreateNotification(ctx, n))

	require.NoError(t, manager.PrefsStorage().SavePrefs(ctx, models.DefaultNotificationPrefs(99)))

	require.NoError(t, manager.DeleteUserData(ctx, 99))

	_, err = manager.JobStorage().GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = manager.ScheduleStorage().GetSchedule(ctx, schedule.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = manager.PrefsStorage().GetPrefs(ctx, 99)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
