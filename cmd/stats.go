package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/auction-crawler/internal/app"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Prints aggregate statistics of the stored vehicles",
		Args:  cobra.NoArgs,
		Annotations: map[string]string{
			annotationStoreOnly: "true",
		},
		RunE: withApp(func(cmd *cobra.Command, appInstance *app.App) error {
			summary, err := appInstance.Store.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("collection statistics: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		}),
	}
}
