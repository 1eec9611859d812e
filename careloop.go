// Package careloop is the public API for embedding the Careloop coordination
// server.
//
// Consumers construct and run the server without forking it:
//
//	app, err := careloop.New(
//	    careloop.WithVersion(version),
//	    careloop.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: careloop (root) imports
// internal/*, but internal/* never imports careloop (root).
package careloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/careloop-ai/careloop/internal/agent"
	"github.com/careloop-ai/careloop/internal/bus"
	"github.com/careloop-ai/careloop/internal/config"
	"github.com/careloop-ai/careloop/internal/eventlog"
	"github.com/careloop-ai/careloop/internal/model"
	"github.com/careloop-ai/careloop/internal/ratelimit"
	"github.com/careloop-ai/careloop/internal/refdata"
	"github.com/careloop-ai/careloop/internal/registry"
	"github.com/careloop-ai/careloop/internal/server"
	"github.com/careloop-ai/careloop/internal/store"
	"github.com/careloop-ai/careloop/internal/telemetry"
)

// App is the Careloop server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *store.DB
	bus          *bus.Bus
	log          *eventlog.Log
	registry     *registry.Registry
	refdata      *refdata.Provider
	scheduler    *agent.Scheduler
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Careloop server. It opens the database, loads the
// reference data, and wires the bus, log, agents, registry, and HTTP server.
// It does NOT start any goroutines or accept connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databasePath != "" {
		cfg.DatabasePath = o.databasePath
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("careloop starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("store: %w", err)
	}

	// Event log first: the bus error hook publishes through it.
	log := eventlog.New(db, logger, cfg.LogWindow, cfg.SubscriberBuffer)

	// Handler failures become AGENT_ERROR entries in the same log the
	// clients stream, so the demo surfaces its own faults.
	b := bus.New(logger, func(evt model.Event, handlerName string, err error) {
		entry := model.NewEvent(model.EventAgentError, mustJSON(map[string]string{
			"handler": handlerName,
			"source":  evt.Type,
			"error":   err.Error(),
		}))
		log.Append(context.Background(), entry)
	})
	b.AddTap(func(evt model.Event) {
		log.Append(context.Background(), evt)
	})

	ref := refdata.NewProvider(cfg.DataDir, logger)
	policy := refdata.LoadPolicy(cfg.DataDir, logger)

	appClock := o.clock
	if appClock == nil {
		appClock = clock.New()
	}

	scheduler := agent.NewScheduler(agent.SchedulerConfig{
		Bus:             b,
		Store:           db,
		Offers:          ref,
		Clock:           appClock,
		Logger:          logger,
		RecheckInterval: cfg.RecheckInterval,
		BoostInterval:   cfg.BoostInterval,
		BoostWindow:     cfg.BoostWindow,
	})
	scheduler.Register()
	agent.NewCoverage(b, db, ref, policy.Coverage, logger).Register()
	agent.NewWellness(b, db, policy.Triage, logger).Register()

	executor := o.executor
	if executor == nil {
		executor = registry.NewDemoExecutor(appClock)
	}
	reg := registry.New(executor, logger, cfg.SubscriberBuffer)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, appClock)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	handlers := server.NewHandlers(server.HandlersDeps{
		Bus:       b,
		Log:       log,
		Registry:  reg,
		Store:     db,
		Pinger:    db,
		Logger:    logger,
		Version:   version,
		Heartbeat: cfg.HeartbeatInterval,
		LogWindow: cfg.LogWindow,
		Clock:     appClock,
	})
	srv := server.New(server.ServerConfig{
		Handlers:     handlers,
		Logger:       logger,
		Limiter:      limiter,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		bus:          b,
		log:          log,
		registry:     reg,
		refdata:      ref,
		scheduler:    scheduler,
		srv:          srv,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server, the scheduler loop, and (when configured) the
// reference data watcher, then blocks until ctx is cancelled or a fatal
// server error occurs. Shutdown happens automatically on return.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.scheduler.RunLoop(gctx)
	})

	if a.cfg.WatchRefData {
		watcher := refdata.NewWatcher(a.refdata, a.logger)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				a.logger.Warn("reference data watcher stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		err := a.srv.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Stop the HTTP server when the group context ends, which also unblocks
	// the Start goroutine above.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.shutdown()
	return err
}

// shutdown releases resources after the run group has stopped.
func (a *App) shutdown() {
	a.logger.Info("careloop shutting down")
	a.bus.Drain()
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
	}
	_ = a.otelShutdown(context.Background())
	a.logger.Info("careloop stopped")
}

func mustJSON(v map[string]string) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
