package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/models"
	"golang.org/x/time/rate"
)

const (
	prefsCacheTTL         = 30 * time.Second
	maxMessageLength      = 200
	userNotificationsCap  = 100
)

// Milestones are the progress percentages that produce a notification
var Milestones = []float64{25, 50, 75}

type cachedPrefs struct {
	prefs     *models.NotificationPrefs
	fetchedAt time.Time
}

// Router subscribes to job events and fans notifications out to the
// dashboard feed and, per user preference, to external channels.
type Router struct {
	notifications interfaces.NotificationStorage
	prefsStore    interfaces.PrefsStorage
	store         interfaces.EphemeralStore
	events        interfaces.EventService
	sink          interfaces.NotificationSink
	logger        arbor.ILogger

	emailLimiter *rate.Limiter
	smsLimiter   *rate.Limiter

	mu         sync.Mutex
	prefsCache map[int64]cachedPrefs
	// milestones tracks which thresholds already fired per job so a
	// progress stream crossing 25% twice notifies once
	milestones map[int64]map[float64]bool
}

// NewRouter wires the notification router. Rate limits pace external
// deliveries; the dashboard feed is never throttled.
func NewRouter(
	notifications interfaces.NotificationStorage,
	prefsStore interfaces.PrefsStorage,
	store interfaces.EphemeralStore,
	events interfaces.EventService,
	sink interfaces.NotificationSink,
	emailInterval, smsInterval time.Duration,
	logger arbor.ILogger,
) *Router {
	return &Router{
		notifications: notifications,
		prefsStore:    prefsStore,
		store:         store,
		events:        events,
		sink:          sink,
		logger:        logger,
		emailLimiter:  rate.NewLimiter(rate.Every(emailInterval), 1),
		smsLimiter:    rate.NewLimiter(rate.Every(smsInterval), 1),
		prefsCache:    make(map[int64]cachedPrefs),
		milestones:    make(map[int64]map[float64]bool),
	}
}

// Subscribe registers the router on the event bus
func (r *Router) Subscribe() error {
	subscriptions := map[interfaces.EventType]interfaces.EventHandler{
		interfaces.EventJobStarted:   r.onStarted,
		interfaces.EventJobCompleted: r.onCompleted,
		interfaces.EventJobFailed:    r.onFailed,
		interfaces.EventJobRetrying:  r.onRetrying,
		interfaces.EventJobProgress:  r.onProgress,
		interfaces.EventJobCancelled: r.onCancelled,
	}
	for eventType, handler := range subscriptions {
		if err := r.events.Subscribe(eventType, handler); err != nil {
			return err
		}
	}
	return nil
}

// Prefs returns the user's preferences, from cache when fresh, applying
// defaults when none are stored
func (r *Router) Prefs(ctx context.Context, userID int64) *models.NotificationPrefs {
	r.mu.Lock()
	if cached, ok := r.prefsCache[userID]; ok && time.Since(cached.fetchedAt) < prefsCacheTTL {
		r.mu.Unlock()
		return cached.prefs
	}
	r.mu.Unlock()

	prefs, err := r.prefsStore.GetPrefs(ctx, userID)
	if errors.Is(err, interfaces.ErrNotFound) {
		prefs = models.DefaultNotificationPrefs(userID)
	} else if err != nil {
		r.logger.Warn().Int64("user_id", userID).Err(err).Msg("Failed to load notification preferences")
		// State store trouble: fall back to the ephemeral mirror before
		// resorting to defaults.
		prefs = r.mirroredPrefs(ctx, userID)
	}

	r.mu.Lock()
	r.prefsCache[userID] = cachedPrefs{prefs: prefs, fetchedAt: time.Now()}
	r.mu.Unlock()
	return prefs
}

// mirroredPrefs reads the ephemeral settings mirror, falling back to
// defaults when the mirror is absent too
func (r *Router) mirroredPrefs(ctx context.Context, userID int64) *models.NotificationPrefs {
	key := fmt.Sprintf("%s%d", interfaces.KeyNotifySettings, userID)
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return models.DefaultNotificationPrefs(userID)
	}
	var prefs models.NotificationPrefs
	if json.Unmarshal(data, &prefs) != nil {
		return models.DefaultNotificationPrefs(userID)
	}
	return &prefs
}

// SavePrefs persists preferences, invalidates the cache and mirrors the
// settings to the ephemeral store
func (r *Router) SavePrefs(ctx context.Context, prefs *models.NotificationPrefs) error {
	if err := r.prefsStore.SavePrefs(ctx, prefs); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.prefsCache, prefs.UserID)
	r.mu.Unlock()

	if data, err := json.Marshal(prefs); err == nil {
		key := fmt.Sprintf("%s%d", interfaces.KeyNotifySettings, prefs.UserID)
		if err := r.store.Set(ctx, key, data, interfaces.TTLNotifySettings); err != nil {
			r.logger.Warn().Int64("user_id", prefs.UserID).Err(err).Msg("Failed to mirror notification settings")
		}
	}
	return nil
}

func (r *Router) onStarted(ctx context.Context, e interfaces.Event) error {
	return r.route(ctx, e, models.NotificationJobStarted, models.SeverityInfo,
		"Crawl started",
		fmt.Sprintf("Job %q started", str(e.Payload["name"])))
}

func (r *Router) onCompleted(ctx context.Context, e interfaces.Event) error {
	if jobID, ok := asInt64(e.Payload["job_id"]); ok {
		r.ForgetJob(jobID)
	}
	return r.route(ctx, e, models.NotificationJobCompleted, models.SeveritySuccess,
		"Crawl completed",
		fmt.Sprintf("Job %q completed, %v items saved", str(e.Payload["name"]), e.Payload["items_saved"]))
}

func (r *Router) onFailed(ctx context.Context, e interfaces.Event) error {
	if jobID, ok := asInt64(e.Payload["job_id"]); ok {
		r.ForgetJob(jobID)
	}
	return r.route(ctx, e, models.NotificationJobFailed, models.SeverityError,
		"Crawl failed",
		fmt.Sprintf("Job %q failed: %s", str(e.Payload["name"]), str(e.Payload["error"])))
}

// onRetrying routes as a failed-type notification so users who opted into
// failure alerts see transient failures too, with the retry context.
func (r *Router) onRetrying(ctx context.Context, e interfaces.Event) error {
	return r.route(ctx, e, models.NotificationJobFailed, models.SeverityError,
		"Crawl failed, retrying",
		fmt.Sprintf("Job %q failed (%s), retry %v of %v scheduled",
			str(e.Payload["name"]), str(e.Payload["error"]),
			e.Payload["retry_count"], e.Payload["max_retries"]))
}

// onCancelled only clears milestone tracking; cancellation is user-driven
// and produces no notification of its own
func (r *Router) onCancelled(ctx context.Context, e interfaces.Event) error {
	if jobID, ok := asInt64(e.Payload["job_id"]); ok {
		r.ForgetJob(jobID)
	}
	return nil
}

// onProgress emits milestone notifications at fixed thresholds, once each
// per job
func (r *Router) onProgress(ctx context.Context, e interfaces.Event) error {
	jobID, ok := asInt64(e.Payload["job_id"])
	if !ok {
		return nil
	}
	percentage, ok := asFloat(e.Payload["percentage"])
	if !ok {
		return nil
	}

	var fired []float64
	r.mu.Lock()
	seen := r.milestones[jobID]
	if seen == nil {
		seen = make(map[float64]bool)
		r.milestones[jobID] = seen
	}
	for _, m := range Milestones {
		if percentage >= m && !seen[m] {
			seen[m] = true
			fired = append(fired, m)
		}
	}
	r.mu.Unlock()

	for _, m := range fired {
		err := r.route(ctx, e, models.NotificationProgressMilestone, models.SeverityInfo,
			fmt.Sprintf("Crawl %d%% complete", int(m)),
			fmt.Sprintf("Job %d passed %d%%: %s", jobID, int(m), str(e.Payload["message"])))
		if err != nil {
			return err
		}
	}
	return nil
}

// ForgetJob clears milestone tracking after a job reaches a terminal state
func (r *Router) ForgetJob(jobID int64) {
	r.mu.Lock()
	delete(r.milestones, jobID)
	r.mu.Unlock()
}

// route applies preferences and delivers over each enabled channel
func (r *Router) route(ctx context.Context, e interfaces.Event, t models.NotificationType, severity models.NotificationSeverity, title, message string) error {
	jobID, _ := asInt64(e.Payload["job_id"])
	userID, ok := asInt64(e.Payload["user_id"])
	if !ok {
		return nil
	}

	prefs := r.Prefs(ctx, userID)
	if !prefs.Enabled(t) {
		return nil
	}

	if len(message) > maxMessageLength {
		message = message[:maxMessageLength-3] + "..."
	}

	if err := r.deliverDashboard(ctx, jobID, userID, t, severity, title, message); err != nil {
		r.logger.Warn().Int64("job_id", jobID).Err(err).Msg("Dashboard delivery failed")
	}
	if prefs.EmailEnabled && prefs.Email != "" {
		r.deliverExternal(ctx, jobID, userID, t, severity, title, message, models.ChannelEmail, prefs.Email, r.emailLimiter)
	}
	if prefs.SMSEnabled && prefs.PhoneNumber != "" {
		r.deliverExternal(ctx, jobID, userID, t, severity, title, message, models.ChannelSMS, prefs.PhoneNumber, r.smsLimiter)
	}
	return nil
}

// deliverDashboard writes the audit row, appends to the user's live feed
// and announces the notification on the bus
func (r *Router) deliverDashboard(ctx context.Context, jobID, userID int64, t models.NotificationType, severity models.NotificationSeverity, title, message string) error {
	now := time.Now()
	n := &models.Notification{
		JobID:          jobID,
		UserID:         userID,
		Type:           t,
		Title:          title,
		Message:        message,
		Severity:       severity,
		Channel:        models.ChannelDashboard,
		Sent:           true,
		SentAt:         &now,
		DeliveryStatus: models.DeliveryDelivered,
	}
	if err := r.notifications.CreateNotification(ctx, n); err != nil {
		return err
	}

	if data, err := json.Marshal(n); err == nil {
		key := fmt.Sprintf("%s%d", interfaces.KeyUserNotifications, userID)
		if err := r.store.AppendCapped(ctx, key, data, userNotificationsCap, interfaces.TTLUserNotifications); err != nil {
			r.logger.Warn().Int64("user_id", userID).Err(err).Msg("Failed to append to notification feed")
		}
	}

	return r.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventNotificationCreated,
		Payload: map[string]interface{}{
			"notification_id": n.ID,
			"job_id":          jobID,
			"user_id":         userID,
			"type":            string(t),
			"severity":        string(severity),
			"title":           title,
			"message":         message,
		},
	})
}

// deliverExternal sends over one sink channel, paced by its rate limiter,
// and records the outcome on the audit row
func (r *Router) deliverExternal(ctx context.Context, jobID, userID int64, t models.NotificationType, severity models.NotificationSeverity, title, message string, channel models.DeliveryChannel, recipient string, limiter *rate.Limiter) {
	n := &models.Notification{
		JobID:          jobID,
		UserID:         userID,
		Type:           t,
		Title:          title,
		Message:        message,
		Severity:       severity,
		Channel:        channel,
		Recipient:      recipient,
		DeliveryStatus: models.DeliveryPending,
	}
	if err := r.notifications.CreateNotification(ctx, n); err != nil {
		r.logger.Warn().Int64("job_id", jobID).Str("channel", string(channel)).Err(err).Msg("Failed to record external notification")
		return
	}

	if err := limiter.Wait(ctx); err != nil {
		r.markDelivery(ctx, n, false, err.Error())
		return
	}
	if err := r.sink.Send(ctx, channel, recipient, title, message); err != nil {
		r.logger.Warn().Str("channel", string(channel)).Err(err).Msg("External delivery failed")
		r.markDelivery(ctx, n, false, err.Error())
		return
	}
	r.markDelivery(ctx, n, true, "")
}

func (r *Router) markDelivery(ctx context.Context, n *models.Notification, delivered bool, errMsg string) {
	now := time.Now()
	if delivered {
		n.Sent = true
		n.SentAt = &now
		n.DeliveryStatus = models.DeliveryDelivered
	} else {
		n.DeliveryStatus = models.DeliveryFailed
		n.ErrorMessage = errMsg
	}
	if err := r.notifications.UpdateNotification(ctx, n); err != nil {
		r.logger.Warn().Str("notification_id", n.ID).Err(err).Msg("Failed to update delivery status")
	}
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
