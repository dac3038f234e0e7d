package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/keywatch/internal/common"
	"github.com/ternarybob/keywatch/internal/ephemeral"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/lifecycle"
	"github.com/ternarybob/keywatch/internal/models"
	"github.com/ternarybob/keywatch/internal/monitoring"
	"github.com/ternarybob/keywatch/internal/notify"
	"github.com/ternarybob/keywatch/internal/queue"
	"github.com/ternarybob/keywatch/internal/services/events"
	storage "github.com/ternarybob/keywatch/internal/storage/badger"
)

type fixture struct {
	storage       interfaces.StorageManager
	store         *ephemeral.Store
	queue         *queue.Manager
	controller    *lifecycle.Controller
	jobHandler    *JobHandler
	schedHandler  *ScheduleHandler
	notifHandler  *NotificationHandler
	monHandler    *MonitoringHandler
	notifications interfaces.NotificationStorage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := common.GetLogger()

	manager, err := storage.NewManager(logger, &common.BadgerConfig{Path: ""})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	store, err := ephemeral.NewStore(logger, &common.EphemeralConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	eventService := events.NewService(logger)
	t.Cleanup(func() { eventService.Close() })

	queueManager := queue.NewManager(store, logger)
	controller := lifecycle.NewController(
		manager.JobStorage(), manager.ScheduleStorage(),
		queueManager, store, eventService, logger)
	monitoringService := monitoring.NewService(
		manager.JobStorage(), manager.ScheduleStorage(), manager.MetricStorage(),
		store, queueManager, logger)
	router := notify.NewRouter(
		manager.NotificationStorage(), manager.PrefsStorage(), store,
		eventService, notify.NewLogSink(logger),
		time.Millisecond, time.Millisecond, logger)

	return &fixture{
		storage:       manager,
		store:         store,
		queue:         queueManager,
		controller:    controller,
		jobHandler:    NewJobHandler(controller, monitoringService, manager.JobStorage(), logger),
		schedHandler:  NewScheduleHandler(manager.ScheduleStorage(), manager.JobStorage(), logger),
		notifHandler:  NewNotificationHandler(manager.NotificationStorage(), router, logger),
		monHandler:    NewMonitoringHandler(monitoringService, queueManager, logger),
		notifications: manager.NotificationStorage(),
	}
}

func (f *fixture) request(t *testing.T, userID int64, method, path string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	return req.WithContext(WithUserID(req.Context(), userID))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestCreateJobHandler(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()

	f.jobHandler.CreateJobHandler(rec, f.request(t, 7, http.MethodPost, "/api/jobs", CreateJobRequest{
		Type:       string(models.JobTypeKeywordCrawl),
		Parameters: map[string]string{"keyword_id": "12"},
		Priority:   "high",
	}))

	require.Equal(t, http.StatusCreated, rec.Code)
	var job models.Job
	decode(t, rec, &job)
	assert.NotZero(t, job.ID)
	assert.Equal(t, int64(7), job.UserID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, string(models.JobTypeKeywordCrawl), job.Name)

	// the job is dequeueable
	entry, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.ID, entry.JobID)
}

func TestCreateJobHandler_RejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()

	f.jobHandler.CreateJobHandler(rec, f.request(t, 7, http.MethodPost, "/api/jobs", CreateJobRequest{
		Type: "grep_the_internet",
	}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobHandler_RejectsBadPriority(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()

	f.jobHandler.CreateJobHandler(rec, f.request(t, 7, http.MethodPost, "/api/jobs", map[string]interface{}{
		"type":     string(models.JobTypeKeywordCrawl),
		"priority": "extreme",
	}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobsHandler_ScopedToUser(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		f.jobHandler.CreateJobHandler(rec, f.request(t, 7, http.MethodPost, "/api/jobs", CreateJobRequest{
			Type:       string(models.JobTypeKeywordCrawl),
			Parameters: map[string]string{"keyword_id": "1"},
		}))
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := httptest.NewRecorder()
	f.jobHandler.CreateJobHandler(rec, f.request(t, 8, http.MethodPost, "/api/jobs", CreateJobRequest{
		Type:       string(models.JobTypeKeywordCrawl),
		Parameters: map[string]string{"keyword_id": "1"},
	}))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	f.jobHandler.ListJobsHandler(rec, f.request(t, 7, http.MethodGet, "/api/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs  []models.Job `json:"jobs"`
		Total int          `json:"total"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Jobs, 3)
}

func TestJobRoutes_GetHidesForeignJob(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.jobHandler.CreateJobHandler(rec, f.request(t, 7, http.MethodPost, "/api/jobs", CreateJobRequest{
		Type:       string(models.JobTypeKeywordCrawl),
		Parameters: map[string]string{"keyword_id": "1"},
	}))
	var job models.Job
	decode(t, rec, &job)

	rec = httptest.NewRecorder()
	f.jobHandler.JobRoutes(rec, f.request(t, 99, http.MethodGet,
		fmt.Sprintf("/api/jobs/%d", job.ID), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	f.jobHandler.JobRoutes(rec, f.request(t, 7, http.MethodGet,
		fmt.Sprintf("/api/jobs/%d", job.ID), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJobRoutes_CancelQueuedJob(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.jobHandler.CreateJobHandler(rec, f.request(t, 7, http.MethodPost, "/api/jobs", CreateJobRequest{
		Type:       string(models.JobTypeKeywordCrawl),
		Parameters: map[string]string{"keyword_id": "1"},
	}))
	var job models.Job
	decode(t, rec, &job)

	rec = httptest.NewRecorder()
	f.jobHandler.JobRoutes(rec, f.request(t, 7, http.MethodPost,
		fmt.Sprintf("/api/jobs/%d/cancel", job.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var cancelled models.Job
	decode(t, rec, &cancelled)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	// cancelling a job that is already terminal is a bad request
	rec = httptest.NewRecorder()
	f.jobHandler.JobRoutes(rec, f.request(t, 7, http.MethodPost,
		fmt.Sprintf("/api/jobs/%d/cancel", job.ID), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobRoutes_RetryRequiresFailedJob(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.jobHandler.CreateJobHandler(rec, f.request(t, 7, http.MethodPost, "/api/jobs", CreateJobRequest{
		Type:       string(models.JobTypeKeywordCrawl),
		Parameters: map[string]string{"keyword_id": "1"},
	}))
	var job models.Job
	decode(t, rec, &job)

	rec = httptest.NewRecorder()
	f.jobHandler.JobRoutes(rec, f.request(t, 7, http.MethodPost,
		fmt.Sprintf("/api/jobs/%d/retry", job.ID), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobRoutes_RetryRejectedWhenBudgetSpent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := httptest.NewRecorder()
	f.jobHandler.CreateJobHandler(rec, f.request(t, 7, http.MethodPost, "/api/jobs", CreateJobRequest{
		Type:       string(models.JobTypeKeywordCrawl),
		Parameters: map[string]string{"keyword_id": "1"},
	}))
	var job models.Job
	decode(t, rec, &job)

	// Run the job and fail it permanently; that spends the whole budget.
	_, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	_, _, err = f.controller.StartJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, f.controller.FailJob(ctx, job.ID, "keyword does not exist", false))

	rec = httptest.NewRecorder()
	f.jobHandler.JobRoutes(rec, f.request(t, 7, http.MethodPost,
		fmt.Sprintf("/api/jobs/%d/retry", job.ID), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	stored, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, stored.MaxRetries, stored.RetryCount)
}

func TestScheduleHandler_CreateAndList(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()

	f.schedHandler.SchedulesHandler(rec, f.request(t, 7, http.MethodPost, "/api/schedules", ScheduleRequest{
		Name:       "hourly keyword sweep",
		Frequency:  "hourly",
		JobType:    string(models.JobTypeKeywordCrawl),
		Parameters: map[string]string{"keyword_id": "3"},
	}))
	require.Equal(t, http.StatusCreated, rec.Code)

	var schedule models.Schedule
	decode(t, rec, &schedule)
	assert.NotZero(t, schedule.ID)
	assert.True(t, schedule.Active)
	require.NotNil(t, schedule.NextRunAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *schedule.NextRunAt, time.Minute)

	rec = httptest.NewRecorder()
	f.schedHandler.SchedulesHandler(rec, f.request(t, 7, http.MethodGet, "/api/schedules", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Schedules []models.Schedule `json:"schedules"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Schedules, 1)
}

func TestScheduleHandler_CustomRequiresValidCron(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()

	f.schedHandler.SchedulesHandler(rec, f.request(t, 7, http.MethodPost, "/api/schedules", ScheduleRequest{
		Name:       "broken",
		Frequency:  "custom",
		CronExpr:   "every tuesday sometime",
		JobType:    string(models.JobTypeKeywordCrawl),
		Parameters: map[string]string{"keyword_id": "3"},
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleHandler_OnceRequiresFirstRunAt(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()

	f.schedHandler.SchedulesHandler(rec, f.request(t, 7, http.MethodPost, "/api/schedules", ScheduleRequest{
		Name:       "one shot",
		Frequency:  "once",
		JobType:    string(models.JobTypeKeywordCrawl),
		Parameters: map[string]string{"keyword_id": "3"},
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleRoutes_UpdateAndDelete(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.schedHandler.SchedulesHandler(rec, f.request(t, 7, http.MethodPost, "/api/schedules", ScheduleRequest{
		Name:       "daily sweep",
		Frequency:  "daily",
		JobType:    string(models.JobTypeKeywordCrawl),
		Parameters: map[string]string{"keyword_id": "3"},
	}))
	require.Equal(t, http.StatusCreated, rec.Code)
	var schedule models.Schedule
	decode(t, rec, &schedule)

	inactive := false
	rec = httptest.NewRecorder()
	f.schedHandler.ScheduleRoutes(rec, f.request(t, 7, http.MethodPut,
		fmt.Sprintf("/api/schedules/%d", schedule.ID), ScheduleRequest{
			Name:       "daily sweep (paused)",
			Frequency:  "daily",
			Active:     &inactive,
			JobType:    string(models.JobTypeKeywordCrawl),
			Parameters: map[string]string{"keyword_id": "3"},
		}))
	require.Equal(t, http.StatusOK, rec.Code)
	var updated models.Schedule
	decode(t, rec, &updated)
	assert.False(t, updated.Active)
	assert.Equal(t, "daily sweep (paused)", updated.Name)

	rec = httptest.NewRecorder()
	f.schedHandler.ScheduleRoutes(rec, f.request(t, 7, http.MethodDelete,
		fmt.Sprintf("/api/schedules/%d", schedule.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	f.schedHandler.ScheduleRoutes(rec, f.request(t, 7, http.MethodGet,
		fmt.Sprintf("/api/schedules/%d", schedule.ID), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleRoutes_ToggleFlipsActive(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.schedHandler.SchedulesHandler(rec, f.request(t, 7, http.MethodPost, "/api/schedules", ScheduleRequest{
		Name:       "hourly sweep",
		Frequency:  "hourly",
		JobType:    string(models.JobTypeKeywordCrawl),
		Parameters: map[string]string{"keyword_id": "3"},
	}))
	require.Equal(t, http.StatusCreated, rec.Code)
	var schedule models.Schedule
	decode(t, rec, &schedule)
	require.True(t, schedule.Active)

	rec = httptest.NewRecorder()
	f.schedHandler.ScheduleRoutes(rec, f.request(t, 7, http.MethodPut,
		fmt.Sprintf("/api/schedules/%d/toggle", schedule.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var paused models.Schedule
	decode(t, rec, &paused)
	assert.False(t, paused.Active)

	rec = httptest.NewRecorder()
	f.schedHandler.ScheduleRoutes(rec, f.request(t, 7, http.MethodPut,
		fmt.Sprintf("/api/schedules/%d/toggle", schedule.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resumed models.Schedule
	decode(t, rec, &resumed)
	assert.True(t, resumed.Active)
	// Re-activation recomputes the next run instead of firing for the
	// missed slot.
	require.NotNil(t, resumed.NextRunAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *resumed.NextRunAt, time.Minute)

	// toggle only answers PUT
	rec = httptest.NewRecorder()
	f.schedHandler.ScheduleRoutes(rec, f.request(t, 7, http.MethodPost,
		fmt.Sprintf("/api/schedules/%d/toggle", schedule.ID), nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHistoryHandler_FiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		f.jobHandler.CreateJobHandler(rec, f.request(t, 7, http.MethodPost, "/api/jobs", CreateJobRequest{
			Type:       string(models.JobTypeKeywordCrawl),
			Parameters: map[string]string{"keyword_id": "1"},
		}))
		require.Equal(t, http.StatusCreated, rec.Code)
		var job models.Job
		decode(t, rec, &job)

		_, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		_, _, err = f.controller.StartJob(ctx, job.ID)
		require.NoError(t, err)
		if i == 0 {
			require.NoError(t, f.controller.CompleteJob(ctx, job.ID, nil))
		} else {
			require.NoError(t, f.controller.FailJob(ctx, job.ID, "boom", false))
		}
	}

	rec := httptest.NewRecorder()
	f.monHandler.HistoryHandler(rec, f.request(t, 7, http.MethodGet,
		"/api/jobs/history?status=failed", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs []models.Job `json:"jobs"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, models.JobStatusFailed, resp.Jobs[0].Status)
}

func TestNotificationSettings_RoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.notifHandler.SettingsHandler(rec, f.request(t, 7, http.MethodGet, "/api/notifications/settings", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var defaults models.NotificationPrefs
	decode(t, rec, &defaults)
	assert.True(t, defaults.JobCompleted)
	assert.False(t, defaults.JobProgress)

	rec = httptest.NewRecorder()
	f.notifHandler.SettingsHandler(rec, f.request(t, 7, http.MethodPut, "/api/notifications/settings", SettingsRequest{
		JobCompleted: true,
		JobFailed:    true,
		JobProgress:  true,
		EmailEnabled: true,
		Email:        "ops@example.com",
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	f.notifHandler.SettingsHandler(rec, f.request(t, 7, http.MethodGet, "/api/notifications/settings", nil))
	var saved models.NotificationPrefs
	decode(t, rec, &saved)
	assert.True(t, saved.JobProgress)
	assert.True(t, saved.EmailEnabled)
	assert.Equal(t, "ops@example.com", saved.Email)
}

func TestNotificationSettings_EmailRequiredWhenEnabled(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.notifHandler.SettingsHandler(rec, f.request(t, 7, http.MethodPut, "/api/notifications/settings", SettingsRequest{
		EmailEnabled: true,
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationRoutes_MarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n := &models.Notification{
		UserID:  7,
		JobID:   1,
		Type:    models.NotificationJobCompleted,
		Channel: models.ChannelDashboard,
		Title:   "Done",
		Message: "job finished",
	}
	require.NoError(t, f.notifications.CreateNotification(ctx, n))

	rec := httptest.NewRecorder()
	f.notifHandler.NotificationRoutes(rec, f.request(t, 7, http.MethodPost,
		"/api/notifications/"+n.ID+"/read", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var read models.Notification
	decode(t, rec, &read)
	assert.True(t, read.Read)
	require.NotNil(t, read.ReadAt)

	// marking again is idempotent and keeps the original timestamp
	rec = httptest.NewRecorder()
	f.notifHandler.NotificationRoutes(rec, f.request(t, 7, http.MethodPost,
		"/api/notifications/"+n.ID+"/read", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var again models.Notification
	decode(t, rec, &again)
	assert.Equal(t, read.ReadAt.Unix(), again.ReadAt.Unix())

	// other users cannot see it
	rec = httptest.NewRecorder()
	f.notifHandler.NotificationRoutes(rec, f.request(t, 99, http.MethodPost,
		"/api/notifications/"+n.ID+"/read", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotificationList_CountsUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		n := &models.Notification{
			UserID:  7,
			JobID:   int64(i + 1),
			Type:    models.NotificationJobCompleted,
			Channel: models.ChannelDashboard,
			Title:   "Done",
			Message: "job finished",
		}
		require.NoError(t, f.notifications.CreateNotification(ctx, n))
	}

	rec := httptest.NewRecorder()
	f.notifHandler.ListHandler(rec, f.request(t, 7, http.MethodGet, "/api/notifications", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Notifications []models.Notification `json:"notifications"`
		Unread        int                   `json:"unread"`
	}
	decode(t, rec, &resp)
	assert.Len(t, resp.Notifications, 3)
	assert.Equal(t, 3, resp.Unread)
}

func TestDashboardHandler(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.jobHandler.CreateJobHandler(rec, f.request(t, 7, http.MethodPost, "/api/jobs", CreateJobRequest{
		Type:       string(models.JobTypeKeywordCrawl),
		Parameters: map[string]string{"keyword_id": "1"},
	}))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	f.monHandler.DashboardHandler(rec, f.request(t, 7, http.MethodGet, "/api/dashboard", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats monitoring.DashboardStats
	decode(t, rec, &stats)
	assert.Equal(t, 1, stats.TotalJobs)
	assert.Equal(t, 1, stats.ActiveJobs)
}

func TestPathID(t *testing.T) {
	id, action, ok := PathID("/api/jobs/123/cancel", "/api/jobs/")
	require.True(t, ok)
	assert.Equal(t, int64(123), id)
	assert.Equal(t, "cancel", action)

	id, action, ok = PathID("/api/jobs/42", "/api/jobs/")
	require.True(t, ok)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "", action)

	_, _, ok = PathID("/api/jobs/abc", "/api/jobs/")
	assert.False(t, ok)

	_, _, ok = PathID("/api/jobs/", "/api/jobs/")
	assert.False(t, ok)
}
