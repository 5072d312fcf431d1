// Package machi is the entry point for running or embedding the machi
// agent runtime:
//
//	app, err := machi.New(
//	    machi.WithVersion(version),
//	    machi.WithLogger(logger),
//	    machi.WithModelClient(client),
//	    machi.WithTools(myTools...),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// Run blocks until ctx is cancelled and then shuts everything down.
package machi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/machi/internal/bus"
	"github.com/ashita-ai/machi/internal/config"
	"github.com/ashita-ai/machi/internal/contextasm"
	"github.com/ashita-ai/machi/internal/correlation"
	"github.com/ashita-ai/machi/internal/inbox"
	"github.com/ashita-ai/machi/internal/modelclient"
	"github.com/ashita-ai/machi/internal/ratelimit"
	"github.com/ashita-ai/machi/internal/runstate"
	"github.com/ashita-ai/machi/internal/server"
	"github.com/ashita-ai/machi/internal/storage"
	"github.com/ashita-ai/machi/internal/storage/sqlite"
	"github.com/ashita-ai/machi/internal/telemetry"
	"github.com/ashita-ai/machi/internal/tools"
	"github.com/ashita-ai/machi/migrations"
)

// App is the machi server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        storage.Store
	bus          bus.Bus
	pgBus        *bus.PGBus    // nil unless MACHI_BUS=postgres
	redis        *redis.Client // nil unless MACHI_BUS=redis
	corr         *correlation.Manager
	runs         *runstate.Machine
	inbox        *inbox.Inbox
	worker       *inbox.Worker
	broker       *server.Broker
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	shutdownOnce sync.Once
	shutdownErr  error
}

// New loads configuration, opens the store and bus, and wires every
// subsystem. It does not start goroutines or accept connections; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
	} else {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		if cfg.NotifyURL == "" {
			cfg.NotifyURL = o.databaseURL
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	logger.Info("machi starting", "version", version, "port", cfg.Port, "store", cfg.Store, "bus", cfg.Bus)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{cfg: cfg, otelShutdown: otelShutdown, logger: logger, version: version}
	fail := func(err error) (*App, error) {
		a.release(ctx)
		return nil, err
	}

	store, pg, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	a.store = store

	if err := a.openBus(ctx, pg); err != nil {
		return fail(err)
	}

	var corrOpts []correlation.Option
	if cfg.WaitStrategy == config.WaitPoll {
		corrOpts = append(corrOpts, correlation.WithPolling(cfg.PollInterval))
	}
	a.corr = correlation.New(store, a.bus, logger, corrOpts...)

	registry, err := tools.NewRegistry(logger, append(tools.Builtin(store), o.tools...)...)
	if err != nil {
		return fail(fmt.Errorf("tools: %w", err))
	}

	var asmOpts []contextasm.Option
	if o.policy != nil {
		asmOpts = append(asmOpts, contextasm.WithPolicy(o.policy))
	} else {
		asmOpts = append(asmOpts, contextasm.WithPolicy(contextasm.RecentWindow{Size: cfg.HistoryWindow}))
	}
	if o.instructions != "" {
		asmOpts = append(asmOpts, contextasm.WithInstructions(o.instructions))
	}
	assembler := contextasm.New(store, asmOpts...)

	client := o.client
	if client == nil {
		logger.Warn("no model client configured, runs will end on their first step")
		client = modelclient.Noop{}
	}

	a.runs = runstate.New(runstate.Deps{
		Store:       store,
		Correlation: a.corr,
		Assembler:   assembler,
		Client:      client,
		Registry:    registry,
		Bus:         a.bus,
		Logger:      logger,
	}, runstate.Config{MaxSteps: cfg.MaxSteps, ToolTimeout: cfg.ToolTimeout})

	a.inbox = inbox.New(store, logger)
	a.worker = inbox.NewWorker(a.inbox, a.runs, logger, inbox.WorkerConfig{
		PollInterval: cfg.InboxPollInterval,
		BatchSize:    cfg.InboxBatchSize,
		Lease:        cfg.InboxLease,
	})
	a.broker = server.NewBroker(a.bus, logger)

	if cfg.RateLimitRPS > 0 {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	} else {
		a.limiter = ratelimit.NoopLimiter{}
	}

	a.srv = server.New(server.Config{
		Store:               store,
		Correlation:         a.corr,
		Runs:                a.runs,
		Assembler:           assembler,
		Inbox:               a.inbox,
		Broker:              a.broker,
		Limiter:             a.limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StoreName:           cfg.Store,
		SecretKey:           cfg.SecretKey,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	if cfg.SecretKey == "" {
		logger.Warn("MACHI_SECRET_KEY is empty, the HTTP API is unauthenticated")
	}
	return a, nil
}

// OpenStore opens the configured store and brings its schema up to date.
// The *storage.DB is non-nil only for Postgres.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, *storage.DB, error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return db, db, nil
	default:
		db, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		return db, nil, nil
	}
}

func (a *App) openBus(ctx context.Context, pg *storage.DB) error {
	switch a.cfg.Bus {
	case config.BusPostgres:
		if pg == nil || !pg.HasNotifyConn() {
			return errors.New("bus: postgres bus needs a Postgres store with NOTIFY_URL")
		}
		a.pgBus = bus.NewPGBus(pg, a.logger)
		a.bus = a.pgBus
	case config.BusRedis:
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("bus: parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("bus: redis ping: %w", err)
		}
		a.bus = bus.NewRedisBus(a.redis)
	default:
		if a.cfg.Store == config.StorePostgres {
			a.logger.Warn("memory bus with a Postgres store: tool results resolved by other processes are seen at the wait deadline")
		}
		a.bus = bus.NewMemoryBus()
	}
	return nil
}

// Run starts the background services and the HTTP server and blocks
// until ctx is cancelled or the server fails. It always shuts down before
// returning.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.pgBus != nil {
		g.Go(func() error {
			a.pgBus.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.broker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.corr.RunSweeper(gctx, a.cfg.SweepInterval)
		return nil
	})
	a.worker.Start(gctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops accepting HTTP requests, drains the inbox worker so
// in-flight runs can finish, then releases the store, bus and telemetry.
// Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.logger.Info("machi shutting down")

		if err := a.srv.Shutdown(ctx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
			a.shutdownErr = err
		}
		a.worker.Drain(ctx)
		a.release(ctx)

		a.logger.Info("machi stopped")
	})
	return a.shutdownErr
}

// release closes whatever New managed to open.
func (a *App) release(ctx context.Context) {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		a.store.Close(ctx)
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
	}
}

// Handler returns the HTTP handler, for tests and for mounting machi
// inside another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Resolve submits a result for a pending tool call, as the HTTP endpoint
// does. duplicate reports that the call had already been resolved.
func (a *App) Resolve(ctx context.Context, correlationID string, result json.RawMessage) (duplicate bool, err error) {
	return a.corr.Resolve(ctx, correlationID, result)
}

// Inbox exposes the inbox for embedding callers that enqueue triggers
// without going through HTTP.
func (a *App) Inbox() *inbox.Inbox {
	return a.inbox
}

// Store exposes the configured store.
func (a *App) Store() storage.Store {
	return a.store
}
