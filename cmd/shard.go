package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/review-importer/internal/catalog"
	"github.com/JakeFAU/review-importer/internal/server"
	"github.com/JakeFAU/review-importer/internal/shard"
)

type shardOptions struct {
	index   int
	total   int
	kind    string
	idsFile string
	owner   string
}

func (o shardOptions) validate() (catalog.Kind, error) {
	kind, err := catalog.ParseKind(o.kind)
	if err != nil {
		return "", err
	}
	if o.idsFile == "" {
		return "", errors.New("--ids-file is required")
	}
	if o.total <= 0 || o.index < 0 || o.index >= o.total {
		return "", fmt.Errorf("--index must be in [0, --total), got %d of %d", o.index, o.total)
	}
	return kind, nil
}

func newShardCmd() *cobra.Command {
	opts := shardOptions{}
	cmd := &cobra.Command{
		Use:   "shard",
		Short: "Bulk-loads one shard of a subject id list into the catalog",
		Long: `shard claims every id in --ids-file whose value modulo --total equals
--index, skips subjects already in the catalog, and scrapes the rest.
Run one process per index to spread a list across workers. Individual
failures are reported and never fail the command.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := opts.validate()
			if err != nil {
				return err
			}
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.BuildScraping(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			defer app.Close()

			scraper, err := app.Scraper(kind)
			if err != nil {
				return err
			}
			retry := shard.RetryPolicy{
				MaxAttempts: cfg.Shard.MaxAttempts,
				BaseDelay:   time.Duration(cfg.Shard.InitialBackoffMs) * time.Millisecond,
				MaxDelay:    time.Duration(cfg.Shard.MaxBackoffMs) * time.Millisecond,
			}
			out := cmd.OutOrStdout()
			driver := shard.NewDriver(
				scraper,
				app.Catalog(),
				shard.FileSource{Path: opts.idsFile},
				retry,
				opts.owner,
				out,
				app.Logger(),
			)
			summary, err := driver.Run(cmd.Context(), opts.index, opts.total)
			if err != nil {
				return fmt.Errorf("run shard: %w", err)
			}
			shard.RenderSummary(out, fmt.Sprintf("%s shard %d/%d", kind, opts.index, opts.total), summary)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.index, "index", 0, "shard index, 0 <= index < total")
	cmd.Flags().IntVar(&opts.total, "total", 8, "number of shards")
	cmd.Flags().StringVar(&opts.kind, "kind", string(catalog.KindBook), "entity kind: book, movie, music or game")
	cmd.Flags().StringVar(&opts.idsFile, "ids-file", "", "file with one numeric subject id per line")
	cmd.Flags().StringVar(&opts.owner, "owner", "importer", "user recorded as creator of new entities")
	return cmd
}
