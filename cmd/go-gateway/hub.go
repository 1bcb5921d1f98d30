package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/a-essam23/go-gateway/pkg/broker"
	"github.com/spf13/cobra"
)

func newHubCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run a standalone websocket broker hub for development fleets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hub := broker.NewHubServer(logger)
			mux := http.NewServeMux()
			mux.Handle(cfg.MessageBroker.WS.Path, hub)
			srv := &http.Server{Addr: addr, Handler: mux}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Hub starting", slog.String("addr", addr), slog.String("path", cfg.MessageBroker.WS.Path))
				errCh <- srv.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hub.Close()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info("Hub stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8090", "listen address")
	return cmd
}
