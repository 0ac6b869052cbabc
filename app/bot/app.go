package bot

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/axekz/coinyx/pkg/claim"
	"github.com/axekz/coinyx/pkg/config"
	"github.com/axekz/coinyx/pkg/db"
	"github.com/axekz/coinyx/pkg/duel"
	"github.com/axekz/coinyx/pkg/events"
	"github.com/axekz/coinyx/pkg/gateway"
	"github.com/axekz/coinyx/pkg/gateway/onebot"
	"github.com/axekz/coinyx/pkg/ledger"
	"github.com/axekz/coinyx/pkg/logging"
	"github.com/axekz/coinyx/pkg/stats"
	"github.com/axekz/coinyx/pkg/sweep"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// App wires the economy to a chat gateway: inbound events are dispatched to handlers on a
// bounded worker pool, and the sweeper runs on cron.
type App struct {
	Config config.Config
	Logger *zap.Logger

	Store   db.Store
	Ledger  *ledger.Ledger
	Duels   *duel.Registry
	Claims  *claim.Store
	Sweeper *sweep.Sweeper
	Events  *events.Emitter
	Gateway gateway.Gateway

	// Pool runs one task per inbound event.
	Pool pond.Pool

	// Server is the HTTP server that serves health checks and account lookups.
	Server *http.Server

	ready atomic.Bool
}

// Initialize builds the App from the environment.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New("coinyx")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return nil, err
	}

	s, err := OpenStore(ctx, logger, cfg)
	if err != nil {
		logger.Error("Unable to open the ledger store", zap.Error(err))
		return nil, err
	}

	publisher, err := OpenPublisher(ctx, logger, cfg)
	if err != nil {
		_ = s.Close()
		logger.Error("Unable to open the event sink", zap.Error(err))
		return nil, err
	}

	sampler := stats.NewHTTPWithOpts(logger, stats.Opts{
		Endpoints: cfg.StatsEndpoints,
		Timeout:   cfg.StatsTimeout,
	})
	gw := onebot.New(logger, onebot.Opts{URL: cfg.OneBotURL, Token: cfg.OneBotToken})

	return New(ctx, logger, cfg, s, gw, sampler, publisher)
}

// New assembles an App from already opened dependencies. publisher may be nil.
func New(ctx context.Context, logger *zap.Logger, cfg config.Config, s db.Store, gw gateway.Gateway, sampler stats.Sampler, publisher events.Publisher) (*App, error) {
	emitter := events.NewEmitter(publisher, logger)

	l := ledger.New(logger, s, ledger.OptionsFromConfig(cfg), emitter)
	if _, err := l.EnsureBank(ctx); err != nil {
		return nil, err
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Store:   s,
		Ledger:  l,
		Duels:   duel.NewRegistry(logger, duel.OptionsFromConfig(cfg), l, sampler, gw, gw, emitter),
		Claims:  claim.NewStore(logger, claim.OptionsFromConfig(cfg), l, emitter),
		Events:  emitter,
		Gateway: gw,
		Pool:    pond.NewPool(workers, pond.WithQueueSize(workers*64)),
	}
	app.Sweeper = sweep.New(logger, app.Duels, app.Claims, l)

	if err := app.Sweeper.SetupScheduler(ctx, cron.DefaultLogger, cfg.SweepSpec, cfg.DailyTaxSpec); err != nil {
		return nil, err
	}
	return app, nil
}

// Dispatch submits every gateway event to the pool until the event channel closes or ctx ends.
func (a *App) Dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.Gateway.Events():
			if !ok {
				return
			}
			a.Pool.Submit(func() {
				hctx, cancel := context.WithTimeout(ctx, a.Config.HandlerTimeout)
				defer cancel()
				a.Handle(hctx, ev)
			})
		}
	}
}

// Ready indicates whether the application is ready to handle events.
func (a *App) Ready() bool { return a.ready.Load() }

// Start runs the gateway, the dispatcher, the sweeper and the HTTP server until ctx ends.
func (a *App) Start(ctx context.Context) {
	gwDone := make(chan struct{})
	go func() {
		defer close(gwDone)
		if err := a.Gateway.Run(ctx); err != nil {
			a.Logger.Error("Gateway stopped", zap.Error(err))
		}
	}()
	go a.Dispatch(ctx)

	a.Sweeper.Start()
	if a.Server != nil {
		go func() {
			if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}
	a.ready.Store(true)

	<-ctx.Done()
	a.ready.Store(false)
	a.Logger.Info("Shutting down")

	if a.Server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Server.Shutdown(sctx)
		cancel()
	}
	a.Sweeper.Stop()
	_ = a.Gateway.Close()
	<-gwDone
	a.Pool.StopAndWait()
	a.Claims.Close()
	_ = a.Events.Close()
	_ = a.Store.Close()
	a.Logger.Info("Bye")
	_ = a.Logger.Sync()
}
