package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpserver "github.com/fyrsmithlabs/promptgrade/internal/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the evaluation HTTP API",
	Long: `Start the HTTP server with the evaluate, redact, health and metrics endpoints.

Examples:
  # Serve on the configured address
  promptgrade serve

  # Serve with a different port
  PROMPTGRADE_SERVER_HTTP_PORT=8080 promptgrade serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if a.cfg.Secrets.Watch {
		if err := a.redactor.Watch(ctx, a.cfg.Secrets.AllowlistPath); err != nil {
			a.logger.Warn(ctx, "allowlist reload disabled", zap.Error(err))
		}
	}

	srv, err := httpserver.NewServer(a.service, a.logger, &httpserver.Config{
		Host: a.cfg.Server.Host,
		Port: a.cfg.Server.Port,
	}, httpserver.WithRedactor(a.redactor), httpserver.WithHistory(a.history))
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info(ctx, "shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
