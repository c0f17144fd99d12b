package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/review-importer/internal/catalog"
	"github.com/JakeFAU/review-importer/internal/server"
	"github.com/JakeFAU/review-importer/internal/shard"
)

func newBackfillCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "backfill-imdb",
		Short: "Re-scrapes douban movies stored without an IMDb code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.BuildScraping(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			defer app.Close()

			scraper, err := app.Scraper(catalog.KindMovie)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			summary, err := shard.NewBackfill(scraper, app.Catalog(), limit, out, app.Logger()).Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("run backfill: %w", err)
			}
			shard.RenderSummary(out, "imdb backfill", summary)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum movies to refresh, 0 for all")
	return cmd
}
