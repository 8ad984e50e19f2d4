package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SimonWolf/OEEG/internal/acquire"
	"github.com/SimonWolf/OEEG/internal/config"
	"github.com/SimonWolf/OEEG/internal/feed"
	"github.com/SimonWolf/OEEG/internal/store"
)

var (
	bfSite string
	bfDays int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fetch and store missing day documents from the site data loggers",
	RunE:  runBackfill,
}

func init() {
	backfillCmd.Flags().StringVar(&bfSite, "site", "", "site ID to backfill (default: all configured sites)")
	backfillCmd.Flags().IntVar(&bfDays, "days", 0, "number of days to look back (overrides config)")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	days := cfg.Collection.BackfillDays
	if bfDays > 0 {
		days = bfDays
	}

	sites := cfg.SiteIDs()
	if bfSite != "" {
		found := false
		for _, id := range sites {
			if id == bfSite {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("site %q not found in config", bfSite)
		}
		sites = []string{bfSite}
	}

	frags, err := store.Open(cfg.Storage.DataDir, slog.Default())
	if err != nil {
		return err
	}

	// Support context cancellation via signals.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := feed.NewClient(cfg.Feed.BaseURL, slog.Default())
	pool := store.NewWritePool(frags, slog.Default(), 0, 0)
	defer pool.Close()

	orch := acquire.NewOrchestrator(frags, pool, client, slog.Default())
	bf := acquire.NewBackfiller(frags, orch, slog.Default())

	slog.Info("backfilling sites", "sites", len(sites), "days", days)

	return bf.RunAll(ctx, sites, days)
}
