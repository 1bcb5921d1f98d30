package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/go-gateway/internal/server"
	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/internal/storage/memstore"
	"github.com/a-essam23/go-gateway/internal/storage/postgres"
	"github.com/a-essam23/go-gateway/pkg/broker"
	"github.com/a-essam23/go-gateway/pkg/config"
	"github.com/a-essam23/go-gateway/pkg/presence"
	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and remote-auth server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("Using the in-memory store; sessions will not survive a restart")
		return memstore.New(), nil
	case "postgres":
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.NewStore(db), nil
	default:
		return nil, fmt.Errorf("unknown storage driver '%s'", cfg.Storage.Driver)
	}
}

func openPresence(ctx context.Context, cfg *config.Config, logger *slog.Logger) (presence.Store, error) {
	if cfg.RedisURL != "" {
		return presence.NewRedis(cfg.RedisURL, cfg.PresenceTTL())
	}
	logger.Warn("REDIS_URL not set; presence is local to this process")
	mem := presence.NewMemory(cfg.PresenceTTL())
	go mem.RunSweeper(ctx, cfg.PresenceTTL())
	return mem, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open storage", slog.Any("error", err))
		return err
	}
	defer store.Close()

	pres, err := openPresence(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open presence store", slog.Any("error", err))
		return err
	}
	b, err := broker.New(ctx, cfg.MessageBroker, cfg.NodeID, logger)
	if err != nil {
		_ = pres.Close()
		logger.Error("Failed to create broker", slog.Any("error", err))
		return err
	}
	var hub *broker.HubServer
	if cfg.MessageBroker.Type == "ws" && cfg.MessageBroker.WS.Serve {
		hub = broker.NewHubServer(logger)
	}

	app := server.NewApp(server.Deps{
		Config:   cfg,
		Store:    store,
		Broker:   b,
		Presence: pres,
		Node:     node,
		Logger:   logger,
		Hub:      hub,
	})
	if err := app.Run(ctx); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		return err
	}
	logger.Info("Application shut down successfully.")
	return nil
}
