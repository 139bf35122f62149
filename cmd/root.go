// Package cmd defines and implements the CLI commands for the auction-crawler executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/auction-crawler/internal/app"
	"github.com/JakeFAU/auction-crawler/internal/config"
	"github.com/JakeFAU/auction-crawler/internal/logging"
)

const serviceName = "auction-crawler"

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = app.NewApp

// annotationStoreOnly marks commands that only read the vehicle store, so
// crawler settings are neither validated nor wired.
const annotationStoreOnly = "store-only"

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "Crawls paginated vehicle auction listings into a deduplicated store.",
		Long: `auction-crawler walks the result pages of a vehicle auction listing,
extracts one record per lot, counts first sightings within the run, and
upserts every record into Postgres (or an in-memory store for dry runs).`,
		SilenceUsage: true,

		// Config and services are built once here, before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var (
				loadOpts []config.LoadOption
				appOpts  []app.Option
			)
			if cmd.Annotations[annotationStoreOnly] == "true" {
				loadOpts = append(loadOpts, config.StoreOnly())
				appOpts = append(appOpts, app.StoreOnly())
			}
			cfg, err := config.Load(cfgFile, loadOpts...)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development,
				logging.WithLevel(cfg.Logging.Level),
				logging.WithService(serviceName),
			)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger, appOpts...)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json, or toml)")

	cmd.AddCommand(newCrawlCmd(), newServeCmd(), newStatsCmd())
	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the running
// command, which lets an active crawl release its browser before exiting.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp resolves the App for run and closes it afterwards, whether or not
// run fails.
func withApp(run func(cmd *cobra.Command, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()
		return run(cmd, appInstance)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
