package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/arifwicaksono2000/botapp-trader/api"
	"github.com/arifwicaksono2000/botapp-trader/auth"
	"github.com/arifwicaksono2000/botapp-trader/cache"
	"github.com/arifwicaksono2000/botapp-trader/config"
	"github.com/arifwicaksono2000/botapp-trader/database"
	"github.com/arifwicaksono2000/botapp-trader/engine"
	"github.com/arifwicaksono2000/botapp-trader/logger"
	"github.com/arifwicaksono2000/botapp-trader/notifications"
	"github.com/arifwicaksono2000/botapp-trader/openapi"
	"github.com/arifwicaksono2000/botapp-trader/progression"
	"github.com/arifwicaksono2000/botapp-trader/realtime"
	"github.com/arifwicaksono2000/botapp-trader/transport"
)

const (
	tokenCheckInterval = 5 * time.Minute
	tokenRefreshWindow = 10 * time.Minute
)

// App represents the main application
type App struct {
	config      *config.Config
	authManager *auth.AuthManager
	connManager *transport.ConnectionManager
	engine      *engine.Engine
	db          *database.Database
	redis       *cache.RedisClient
	broker      *realtime.Broker
}

// New creates a new application instance
func New(cfg *config.Config) *App {
	return &App{config: cfg}
}

// gatewayFunc adapts a send function to engine.Gateway.
type gatewayFunc func(req openapi.Request, clientMsgID string) error

func (f gatewayFunc) Send(req openapi.Request, clientMsgID string) error {
	return f(req, clientMsgID)
}

// Start runs the engine until an interrupt or a fatal engine fault, then
// logs the account out and releases resources.
func (a *App) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// runCtx outlives ctx so the logout can still be sent and acknowledged.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	// 1. Ledger
	logger.Infof("Opening %s ledger...", a.config.Database.Driver)
	store, lad, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	logger.Infof("Milestone ladder: %d tiers, floor %.2f, terminal %.2f",
		len(lad.Milestones()), lad.Floor(), lad.Terminal())

	// 2. Telemetry sinks
	a.redis = cache.NewRedisClient(a.config.Redis.Host, a.config.Redis.Port, a.config.Redis.Password)
	if a.redis == nil {
		logger.Warnf("Redis unavailable, telemetry goes to SSE and HTTP only")
	}
	a.broker = realtime.NewBroker()
	fanout := notifications.NewFanout(
		notifications.NewRedisSink(a.redis, a.config.Redis.Channel),
		notifications.NewBrokerSink(a.broker),
		notifications.NewHTTPBroadcaster(a.config.API.BroadcastURL),
	)

	var wg sync.WaitGroup
	spawn := func(c context.Context, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(c)
		}()
	}
	spawn(runCtx, a.broker.Run)
	spawn(runCtx, fanout.Run)

	// 3. Credentials
	a.authManager = auth.NewAuthManager(
		auth.NewAuthClient(auth.Credentials{
			ClientID:     a.config.CTrader.ClientID,
			ClientSecret: a.config.CTrader.ClientSecret,
		}, a.config.CTrader.TokenURL),
		store,
	)

	// 4. Engine and connection
	loop := engine.NewLoop(a.config.Trading.Workers)
	spawn(runCtx, loop.Run)

	prog := progression.New(store, lad, progression.Config{
		AccountID:        a.config.CTrader.AccountID,
		Pair:             a.config.CTrader.Pair,
		SplitNextSession: a.config.Trading.SplitNextSession,
	})
	a.engine = engine.New(engine.Config{
		ClientID:          a.config.CTrader.ClientID,
		ClientSecret:      a.config.CTrader.ClientSecret,
		AccountID:         a.config.CTrader.AccountID,
		SymbolID:          a.config.CTrader.SymbolID,
		HoldDuration:      a.config.Trading.HoldDuration,
		PnLInterval:       a.config.Trading.PnLInterval,
		ReconcileInterval: a.config.Trading.ReconcileInterval,
		ConfirmDelay:      a.config.Trading.ConfirmDelay,
		VenueRetryDelay:   a.config.Trading.VenueRetryDelay,
		RequestTimeout:    a.config.Trading.RequestTimeout,
		PipSize:           a.config.Trading.PipSize,
	}, engine.Deps{
		Scheduler: loop,
		Gateway: gatewayFunc(func(req openapi.Request, id string) error {
			return a.connManager.Send(req, id)
		}),
		Store:       store,
		Ladder:      lad,
		Progression: prog,
		Credentials: a.authManager,
		Telemetry:   fanout,
	})
	a.connManager = transport.NewConnectionManager(a.config.CTrader.URL, a.config.CTrader.HeartbeatInterval, a.engine)
	spawn(runCtx, a.connManager.Run)

	// 5. Proactive token refresh
	spawn(ctx, func(c context.Context) {
		a.authManager.RunTokenMonitor(c, tokenCheckInterval, tokenRefreshWindow, a.engine.RequestRefresh)
	})

	// 6. Control surface
	apiServer := api.NewServer(a.engine, a.broker, a.config.API.Token)
	spawn(ctx, func(c context.Context) {
		if err := apiServer.Start(c, a.config.API.Port); err != nil {
			logger.Errorf("API Server failed: %v", err)
		}
	})

	// 7. Wait for interrupt or a fatal fault
	var fatal error
	select {
	case <-ctx.Done():
		logger.Infof("Shutdown signal received, initiating graceful shutdown...")
	case fatal = <-a.engine.Fatal():
		logger.WithField("fatal", true).Errorf("Engine fault: %v", fatal)
	}
	stop()

	err = a.gracefulShutdown(cancelRun, &wg)
	return errors.Join(fatal, err)
}

// gracefulShutdown logs the account out, stops every goroutine and closes
// connections, giving up after a timeout.
func (a *App) gracefulShutdown(cancelRun context.CancelFunc, wg *sync.WaitGroup) error {
	logoutCtx, cancelLogout := context.WithTimeout(context.Background(), a.config.Trading.LogoutTimeout)
	if err := a.engine.Shutdown(logoutCtx); err != nil {
		logger.Warnf("Account logout: %v", err)
	} else {
		logger.Infof("Account logged out")
	}
	cancelLogout()
	cancelRun()

	shutdownComplete := make(chan struct{})
	go func() {
		wg.Wait()

		if a.db != nil {
			if err := a.db.Close(); err != nil {
				logger.Errorf("Error closing database: %v", err)
			} else {
				logger.Infof("Database connection closed")
			}
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				logger.Errorf("Error closing redis: %v", err)
			} else {
				logger.Infof("Redis connection closed")
			}
		}
		close(shutdownComplete)
	}()

	select {
	case <-shutdownComplete:
		logger.Infof("Graceful shutdown completed")
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("shutdown timeout")
	}
}
