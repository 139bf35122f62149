package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/auction-crawler/internal/app"
	"github.com/JakeFAU/auction-crawler/internal/auction"
)

// crawlReport is printed after a single run.
type crawlReport struct {
	Run        auction.RunStatistics `json:"run"`
	Collection *auction.Summary      `json:"collection,omitempty"`
}

// newCrawlCmd creates the 'crawl' subcommand, which performs exactly one run.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl and prints its statistics",
		Long: `Loads the first results page, then extracts, classifies, and persists
each page until the page limit, an empty page, or a stuck paginator ends
the run. Run statistics and the store summary are printed as JSON.`,
		Args: cobra.NoArgs,
		RunE: withApp(runCrawlCommand),
	}
}

func runCrawlCommand(cmd *cobra.Command, appInstance *app.App) error {
	ctx := cmd.Context()
	logger := appInstance.Logger

	stats, runErr := appInstance.Orchestrator.Run(ctx)

	report := crawlReport{Run: stats}
	statsCtx := context.WithoutCancel(ctx)
	if summary, err := appInstance.Store.Stats(statsCtx); err != nil {
		logger.Warn("collection statistics unavailable", zap.Error(err))
	} else {
		report.Collection = &summary
	}
	if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}

	if url := appInstance.Config.Metrics.PushURL; url != "" {
		if err := appInstance.Metrics.Push(statsCtx, url, appInstance.Config.Metrics.Job); err != nil {
			logger.Warn("push metrics", zap.String("url", url), zap.Error(err))
		}
	}

	if runErr != nil {
		return fmt.Errorf("crawl run %s: %w", stats.RunID, runErr)
	}
	return nil
}
