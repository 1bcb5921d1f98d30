package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/go-gateway/internal/auth"
	"github.com/a-essam23/go-gateway/internal/gateway"
	"github.com/a-essam23/go-gateway/internal/metrics"
	"github.com/a-essam23/go-gateway/internal/permissions"
	"github.com/a-essam23/go-gateway/internal/remoteauth"
	"github.com/a-essam23/go-gateway/internal/router"
	"github.com/a-essam23/go-gateway/internal/server/middleware"
	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/pkg/broker"
	"github.com/a-essam23/go-gateway/pkg/config"
	"github.com/a-essam23/go-gateway/pkg/events"
	"github.com/a-essam23/go-gateway/pkg/presence"
	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/a-essam23/go-gateway/pkg/state/statemanager"
	"github.com/bwmarrin/snowflake"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Deps are the process-wide collaborators the command builds.
type Deps struct {
	Config   *config.Config
	Store    storage.Storage
	Broker   broker.Broker
	Presence presence.Store
	Node     *snowflake.Node
	Logger   *slog.Logger
	// Hub is mounted at messageBroker.ws.path when set.
	Hub *broker.HubServer
}

type App struct {
	logger       *slog.Logger
	config       *config.Config
	broker       broker.Broker
	presence     presence.Store
	stateManager state.Manager
	eventRouter  *router.EventRouter
	gateway      *gateway.Gateway
	remoteAuth   *remoteauth.Server
	hub          *broker.HubServer
	registry     *prometheus.Registry
	handler      http.Handler
	http         *http.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

func NewApp(d Deps) *App {
	logger := d.Logger
	cfg := d.Config
	registry := metrics.NewRegistry()
	m := metrics.New(registry)
	b := m.InstrumentBroker(d.Broker)
	stateManager := statemanager.NewInMemoryManager(logger)
	validator := auth.NewValidator(cfg.Secret(), d.Store)
	signer := auth.NewSigner(cfg.Secret(), d.Node)
	publisher := events.NewPublisher(b, permissions.NewResolver(d.Store), logger)
	tickets := remoteauth.NewTickets(cfg.Secret(), cfg.RemoteAuth.Timeout)

	app := &App{
		logger:       logger,
		config:       cfg,
		broker:       b,
		presence:     d.Presence,
		stateManager: stateManager,
		eventRouter:  router.NewEventRouter(logger, stateManager),
		gateway: gateway.New(gateway.Deps{
			Config:    cfg,
			Store:     d.Store,
			Validator: validator,
			Interests: stateManager,
			Presence:  d.Presence,
			Publisher: publisher,
			Metrics:   m,
			Logger:    logger,
		}),
		remoteAuth: remoteauth.NewServer(cfg, tickets, func(ctx context.Context, userID snowflake.ID) (string, error) {
			return signer.NewSession(ctx, d.Store, userID)
		}, m, logger),
		hub:        d.Hub,
		registry:   registry,
	}

	connCycler := func(ip string) {
		oldest, found := stateManager.FindOldestIPConnection(ip)
		if found {
			logger.Info("Cycling connection: closing oldest", slog.String("ip", ip), slog.String("connID", oldest.ID.String()))
			oldest.Transport.CloseWithStatus(websocket.StatusPolicyViolation, "Connection cycled by a newer one")
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/gateway", middleware.Chain(app.gateway,
		middleware.NewConnectionLimiter(
			logger,
			stateManager.GetIPConnectionCount,
			connCycler,
			cfg.Server.ConnectionLimit,
		),
	))
	mux.Handle(cfg.RemoteAuth.Path, app.remoteAuth)
	remoteauth.NewAPI(tickets, publisher, logger).Register(mux,
		middleware.NewAuthMiddleware(logger, validator, true),
		middleware.NewAuthMiddleware(logger, validator, false),
	)
	mux.Handle("GET /metrics", metrics.Handler(app.registry))
	if app.hub != nil {
		mux.Handle(cfg.MessageBroker.WS.Path, app.hub)
	}

	app.handler = middleware.Chain(mux,
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
	)
	app.http = &http.Server{Addr: cfg.Server.Address, Handler: app.handler}
	return app
}

// Handler is the full route tree, for mounting under a test server.
func (a *App) Handler() http.Handler {
	return a.handler
}

// consume feeds the router and the remote-auth sockets from one ordered
// subscription, so sys_events land before the events published after them.
func (a *App) consume(ctx context.Context) error {
	a.logger.Info("Broker consumer starting", slog.Any("topics", broker.Topics))
	return a.broker.Subscribe(ctx, func(ctx context.Context, msg broker.Message) {
		if msg.Topic == broker.TopicRemoteAuth {
			a.remoteAuth.HandleIntent(ctx, msg)
			return
		}
		a.eventRouter.HandleMessage(ctx, msg)
	}, broker.Topics...)
}

// Run serves until ctx is done, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.consume(gctx)
	})
	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown()
	})
	return g.Wait()
}

// Shutdown runs the graceful shutdown sequence once; later calls return the
// first result.
func (a *App) Shutdown() error {
	a.shutdownOnce.Do(func() { a.shutdownErr = a.shutdown() })
	return a.shutdownErr
}

func (a *App) shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Gateway.ShutdownTimeout+5*time.Second)
	defer cancel()

	// stop accepting; upgraded sockets are drained below
	var errs []error
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := a.gateway.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := a.remoteAuth.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := a.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.hub != nil {
		_ = a.hub.Close()
	}
	if err := a.presence.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		a.logger.Info("Server shut down gracefully.")
	}
	return errors.Join(errs...)
}
