// -----------------------------------------------------------------------
// App - wires configuration, storage, browser, adapters and scheduling
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promulgo/internal/adapters"
	"github.com/ternarybob/promulgo/internal/browser"
	"github.com/ternarybob/promulgo/internal/common"
	"github.com/ternarybob/promulgo/internal/handlers"
	"github.com/ternarybob/promulgo/internal/interfaces"
	"github.com/ternarybob/promulgo/internal/publishing"
	"github.com/ternarybob/promulgo/internal/services/articles"
	"github.com/ternarybob/promulgo/internal/services/events"
	"github.com/ternarybob/promulgo/internal/services/tasklogs"
	badgerstore "github.com/ternarybob/promulgo/internal/store/badger"
	remotestore "github.com/ternarybob/promulgo/internal/store/remote"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// DB is nil when storage.type is "remote"
	DB        *badgerstore.DB
	TaskStore interfaces.TaskCatalog

	EventService interfaces.EventService
	LogConsumer  *tasklogs.Consumer
	Browser      *browser.Provider
	Adapters     *adapters.Registry
	Renderer     *articles.Renderer

	Executor  *publishing.TaskExecutor
	Batch     *publishing.BatchOrchestrator
	Scheduler *publishing.Scheduler

	// HTTP handlers
	APIHandler   *handlers.APIHandler
	TaskHandler  *handlers.TaskHandler
	BatchHandler *handlers.BatchHandler
	QueueHandler *handlers.QueueHandler
	WSHandler    *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	var authCheck publishing.AuthCheck
	switch cfg.Storage.Type {
	case "remote":
		if cfg.Storage.Remote.BaseURL == "" {
			return nil, fmt.Errorf("storage.remote.base_url is required when storage.type is remote")
		}
		client := remotestore.NewClient(cfg.Storage.Remote.BaseURL, logger)
		if cfg.Storage.Remote.Username != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := client.Login(ctx, cfg.Storage.Remote.Username, cfg.Storage.Remote.Password); err != nil {
				// The scheduler idles on the auth gate until the server is back
				logger.Warn().Err(err).Msg("Initial server login failed, discovery paused until authenticated")
			}
			cancel()
		}
		store := remotestore.NewTaskStore(client, logger)
		app.TaskStore = store
		authCheck = store.AuthCheck

		logger.Debug().
			Str("storage", "remote").
			Str("base_url", cfg.Storage.Remote.BaseURL).
			Msg("Storage layer initialized")
	default:
		db, err := badgerstore.NewDB(logger, &cfg.Storage.Badger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		app.DB = db
		app.TaskStore = badgerstore.NewTaskStore(db, logger)

		logger.Debug().
			Str("storage", "badger").
			Str("path", cfg.Storage.Badger.Path).
			Msg("Storage layer initialized")
	}

	app.EventService = events.NewService(logger)
	app.WSHandler = handlers.NewWebSocketHandler(app.EventService, logger, &cfg.WebSocket)

	// Task-correlated logs flow through arbor's context channel into task
	// log storage and the event bus
	app.LogConsumer = tasklogs.NewConsumer(app.TaskStore, app.EventService, logger, cfg.Logging.MinEventLevel)
	if err := app.LogConsumer.Start(); err != nil {
		return nil, fmt.Errorf("failed to start task log consumer: %w", err)
	}
	logger.SetChannel("context", app.LogConsumer.GetChannel())

	app.Browser = browser.NewProvider(browser.Config{
		UserAgent:  cfg.Browser.UserAgent,
		DisableGPU: cfg.Browser.DisableGPU,
		NoSandbox:  cfg.Browser.NoSandbox,
	}, logger)

	app.Renderer = articles.NewRenderer()
	app.Adapters = adapters.NewRegistry()
	if err := adapters.LoadDefinitions(cfg.Platforms.DefinitionsDir, app.Renderer, app.Adapters, logger); err != nil {
		return nil, fmt.Errorf("failed to load platform definitions: %w", err)
	}

	app.Executor = publishing.NewTaskExecutor(
		app.TaskStore,
		app.Adapters,
		app.Browser,
		app.EventService,
		logger,
		&publishing.ExecutorOptions{
			SettleDelay:       cfg.Executor.SettleDelay,
			CookieSettleDelay: cfg.Executor.CookieSettleDelay,
		},
	)
	app.Batch = publishing.NewBatchOrchestrator(app.TaskStore, app.Executor, app.EventService, logger, nil)
	app.Scheduler = publishing.NewScheduler(
		app.TaskStore,
		app.Executor,
		app.Batch,
		app.EventService,
		logger,
		&publishing.SchedulerOptions{
			DiscoverySchedule: cfg.Scheduler.DiscoverySchedule,
			PageSize:          cfg.Scheduler.PageSize,
			StaleRunningAfter: cfg.Scheduler.StaleRunningAfter,
			AuthCheck:         authCheck,
		},
	)

	app.APIHandler = handlers.NewAPIHandler()
	app.TaskHandler = handlers.NewTaskHandler(app.TaskStore, app.Scheduler, logger)
	app.BatchHandler = handlers.NewBatchHandler(app.TaskStore, app.Scheduler, logger)
	app.QueueHandler = handlers.NewQueueHandler(app.Scheduler, logger)

	logger.Info().
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Int("platforms", len(app.Adapters.Names())).
		Msg("Application initialization complete")

	return app, nil
}

// Start begins periodic task discovery when the scheduler is enabled
func (a *App) Start(ctx context.Context) error {
	if a.DB != nil {
		go a.DB.RunGC(ctx, time.Hour)
	}

	if !a.Config.Scheduler.Enabled {
		a.Logger.Info().Msg("Scheduler disabled, tasks run on manual trigger only")
		return nil
	}
	return a.Scheduler.Start(ctx)
}

// Close shuts down application components in reverse dependency order
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down application...")

	if a.Config.Scheduler.Enabled && a.Scheduler.IsRunning() {
		a.Scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Browser.Close(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Graceful browser shutdown failed, forcing close")
		a.Browser.ForceClose()
	}

	if a.LogConsumer != nil {
		a.LogConsumer.Stop()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close database")
			return err
		}
	}

	a.Logger.Info().Msg("Application shutdown complete")
	return nil
}
