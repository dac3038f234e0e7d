package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/common"
	"github.com/ternarybob/keywatch/internal/ephemeral"
	"github.com/ternarybob/keywatch/internal/executor"
	"github.com/ternarybob/keywatch/internal/handlers"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/lifecycle"
	"github.com/ternarybob/keywatch/internal/monitoring"
	"github.com/ternarybob/keywatch/internal/notify"
	"github.com/ternarybob/keywatch/internal/queue"
	"github.com/ternarybob/keywatch/internal/scheduler"
	"github.com/ternarybob/keywatch/internal/services/events"
	storage "github.com/ternarybob/keywatch/internal/storage/badger"
	"github.com/ternarybob/keywatch/internal/workers"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	Store          *ephemeral.Store
	EventService   interfaces.EventService

	QueueManager *queue.Manager
	Controller   *lifecycle.Controller
	Executor     interfaces.CrawlExecutor
	Dispatcher   *workers.Dispatcher
	Scheduler    *scheduler.Service
	Notifier     *notify.Router
	Monitoring   *monitoring.Service

	// HTTP handlers
	APIHandler          *handlers.APIHandler
	JobHandler          *handlers.JobHandler
	ScheduleHandler     *handlers.ScheduleHandler
	NotificationHandler *handlers.NotificationHandler
	MonitoringHandler   *handlers.MonitoringHandler
	WSHandler           *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	logger.Info().
		Int("workers", cfg.Workers.Concurrency).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Bool("simulated_executor", cfg.Workers.Simulate).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage opens the durable and ephemeral stores
func (a *App) initStorage() error {
	manager, err := storage.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = manager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Durable storage initialized")

	store, err := ephemeral.NewStore(a.Logger, &a.Config.Ephemeral)
	if err != nil {
		return fmt.Errorf("failed to create ephemeral store: %w", err)
	}
	a.Store = store
	a.Logger.Debug().
		Str("path", a.Config.Ephemeral.Path).
		Bool("in_memory", a.Config.Ephemeral.InMemory).
		Msg("Ephemeral store initialized")

	return nil
}

// initServices wires the business services in dependency order
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)

	a.QueueManager = queue.NewManager(a.Store, a.Logger)

	a.Controller = lifecycle.NewController(
		a.StorageManager.JobStorage(),
		a.StorageManager.ScheduleStorage(),
		a.QueueManager,
		a.Store,
		a.EventService,
		a.Logger,
	)
	a.Logger.Debug().Msg("Lifecycle controller initialized")

	// Only the simulated executor ships today; a live Reddit client slots
	// in behind the same interface.
	a.Executor = executor.NewSimulated(a.Logger)

	a.Dispatcher = workers.NewDispatcher(
		a.Config,
		a.Controller,
		a.QueueManager,
		a.Executor,
		a.StorageManager.MetricStorage(),
		a.Store,
		a.EventService,
		a.Logger,
	)

	a.Scheduler = scheduler.NewService(
		a.Config,
		a.StorageManager.ScheduleStorage(),
		a.StorageManager.JobStorage(),
		a.Controller,
		a.Logger,
	)

	a.Notifier = notify.NewRouter(
		a.StorageManager.NotificationStorage(),
		a.StorageManager.PrefsStorage(),
		a.Store,
		a.EventService,
		notify.NewLogSink(a.Logger),
		common.Duration(a.Config.Notifications.EmailRateLimit, 0),
		common.Duration(a.Config.Notifications.SMSRateLimit, 0),
		a.Logger,
	)
	if err := a.Notifier.Subscribe(); err != nil {
		return fmt.Errorf("failed to subscribe notification router: %w", err)
	}
	a.Logger.Debug().Msg("Notification router subscribed")

	a.Monitoring = monitoring.NewService(
		a.StorageManager.JobStorage(),
		a.StorageManager.ScheduleStorage(),
		a.StorageManager.MetricStorage(),
		a.Store,
		a.QueueManager,
		a.Logger,
	)

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, &a.Config.WebSocket, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Controller, a.Monitoring, a.StorageManager.JobStorage(), a.Logger)
	a.ScheduleHandler = handlers.NewScheduleHandler(a.StorageManager.ScheduleStorage(), a.StorageManager.JobStorage(), a.Logger)
	a.NotificationHandler = handlers.NewNotificationHandler(a.StorageManager.NotificationStorage(), a.Notifier, a.Logger)
	a.MonitoringHandler = handlers.NewMonitoringHandler(a.Monitoring, a.QueueManager, a.Logger)
	return nil
}

// Start launches the dispatcher and scheduler. Orphan recovery runs inside
// Dispatcher.Start before any worker begins dequeuing.
func (a *App) Start(ctx context.Context) error {
	if err := a.Dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	if a.Config.Scheduler.Enabled {
		a.Scheduler.Start()
	} else {
		a.Logger.Info().Msg("Scheduler disabled by configuration")
	}
	return nil
}

// Close shuts down application components in reverse dependency order
func (a *App) Close() error {
	if a.Scheduler != nil && a.Config.Scheduler.Enabled {
		a.Scheduler.Stop()
	}
	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
	}
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close ephemeral store")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}
	return nil
}
