package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/auction-crawler/internal/api"
	"github.com/JakeFAU/auction-crawler/internal/app"
	"github.com/JakeFAU/auction-crawler/internal/ingest"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs crawls on a schedule and serves the HTTP API",
		Long: `Starts a crawl immediately and then every serve.interval, never two at
once. The HTTP API exposes health checks, Prometheus metrics, collection
statistics, single vehicles, and the latest run. The port can be
overridden with PORT.`,
		Args: cobra.NoArgs,
		RunE: withApp(runServeCommand),
	}
}

func runServeCommand(cmd *cobra.Command, appInstance *app.App) error {
	cfg := appInstance.Config
	logger := appInstance.Logger

	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()

	scheduler := ingest.NewScheduler(appInstance.Orchestrator, cfg.Serve.Interval, logger.Named("scheduler"))
	server := api.NewServer(api.Options{
		Vehicles: appInstance.Store,
		Runs:     scheduler,
		Ready:    appInstance.Ready,
		Metrics:  appInstance.Metrics,
		APIKey:   cfg.Serve.APIKey,
		Logger:   logger.Named("api"),
	})

	port := cfg.Serve.Port
	if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil && p > 0 {
		port = p
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		logger.Info("scheduler started", zap.Duration("interval", cfg.Serve.Interval))
		scheduler.Start(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-schedulerDone
	logger.Info("shutdown complete")

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}
