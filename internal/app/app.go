package app

import (
	"context"
	"fmt"
	"io"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/commands"
	"github.com/ternarybob/formrunner/internal/common"
	"github.com/ternarybob/formrunner/internal/handlers"
	"github.com/ternarybob/formrunner/internal/interfaces"
	"github.com/ternarybob/formrunner/internal/jobs"
	"github.com/ternarybob/formrunner/internal/services/browser"
	"github.com/ternarybob/formrunner/internal/services/events"
	badgerstorage "github.com/ternarybob/formrunner/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	// Event sink
	EventService interfaces.EventService
	Stream       *events.StreamWriter

	// Job lifecycle
	Registry      *jobs.Registry
	Gate          *jobs.ControlGate
	Executor      *jobs.ParallelExecutor
	RecordStorage interfaces.JobRecordStorage // nil when storage.badger.enabled = false

	// Browser
	Session *browser.Session

	// Command intake
	Processor *commands.Processor

	// HTTP handlers (only when server.enabled)
	APIHandler *handlers.APIHandler
	JobHandler *handlers.JobHandler
	WSHandler  *handlers.WebSocketHandler
}

// New wires every component. Event records and command responses are
// written as JSON lines to out.
func New(cfg *common.Config, logger arbor.ILogger, out io.Writer) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}
	app.ctx, app.cancelCtx = context.WithCancel(context.Background())

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(out); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if cfg.Server.Enabled {
		app.initHandlers()
	}

	logger.Info().
		Bool("headless", cfg.Browser.Headless).
		Int("max_lanes", cfg.Executor.MaxLanes).
		Int("chunk_size", cfg.Executor.ChunkSize).
		Bool("records", app.RecordStorage != nil).
		Bool("server", cfg.Server.Enabled).
		Msg("Application initialized")

	return app, nil
}

func (a *App) initDatabase() error {
	if !a.Config.Storage.Badger.Enabled {
		a.Logger.Debug().Msg("Run records disabled (storage.badger.enabled = false)")
		return nil
	}

	db, err := badgerstorage.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return err
	}
	a.RecordStorage = badgerstorage.NewRecordStorage(db, a.Logger)

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initServices builds the event sink, the registry and everything that
// receives it by injection. Subscription order is the order handlers are
// registered: the stdout stream first, then the logger.
func (a *App) initServices(out io.Writer) error {
	a.EventService = events.NewService(a.Logger)

	a.Stream = events.NewStreamWriter(out, a.Logger)
	if err := a.Stream.SubscribeAll(a.EventService); err != nil {
		return fmt.Errorf("failed to subscribe event stream: %w", err)
	}
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		return fmt.Errorf("failed to subscribe event logger: %w", err)
	}

	a.Registry = jobs.NewRegistry(a.EventService, a.Logger)
	a.Gate = jobs.NewControlGate(a.Registry, a.Logger)
	a.Executor = jobs.NewParallelExecutor(
		a.Registry,
		a.Gate,
		a.EventService,
		a.RecordStorage,
		a.Config.Executor,
		a.Logger,
	)

	a.Session = browser.NewSession(a.Config.Browser, a.Logger)
	a.Processor = commands.NewProcessor(a.Registry, a.Executor, a.Session, a.Stream, a.Logger)

	return nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Session, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Registry, a.RecordStorage, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Logger, &a.Config.WebSocket)
	a.WSHandler.Start(a.ctx)
}

// Context is cancelled by Close
func (a *App) Context() context.Context {
	return a.ctx
}

// Close shuts down components in reverse dependency order
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
	}

	if a.Session != nil {
		if err := a.Session.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close browser session")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.RecordStorage != nil {
		if err := a.RecordStorage.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
