package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SimonWolf/OEEG/internal/config"
	"github.com/SimonWolf/OEEG/internal/feed"
	"github.com/SimonWolf/OEEG/internal/quality"
)

var (
	qSite string
	qDays int
)

var qualityCmd = &cobra.Command{
	Use:   "quality",
	Short: "Compute and persist missing quality index rows",
	RunE:  runQuality,
}

func init() {
	qualityCmd.Flags().StringVar(&qSite, "site", "", "site ID (default: all configured sites)")
	qualityCmd.Flags().IntVar(&qDays, "days", 0, "number of days to look back (overrides config)")
	rootCmd.AddCommand(qualityCmd)
}

func runQuality(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	days := cfg.Quality.DaysBack
	if qDays > 0 {
		days = qDays
	}

	sites := cfg.SiteIDs()
	if qSite != "" {
		found := false
		for _, id := range sites {
			if id == qSite {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("site %q not found in config", qSite)
		}
		sites = []string{qSite}
	}

	table, err := openQualityTable(cfg)
	if err != nil {
		return err
	}
	defer table.Close() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := feed.NewClient(cfg.Feed.BaseURL, slog.Default())
	qm := quality.NewManager(table, client, slog.Default())

	for _, site := range sites {
		idx, err := qm.Get(ctx, site)
		if err != nil {
			return fmt.Errorf("opening quality index for %s: %w", site, err)
		}

		start := time.Now()
		rows, err := idx.GetData(ctx, time.Time{}, days)
		if err != nil {
			return fmt.Errorf("computing quality index for %s: %w", site, err)
		}

		slog.Info("quality index up to date",
			"site", site,
			"days", days,
			"rows", len(rows),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return nil
}
