package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SimonWolf/OEEG/internal/config"
	"github.com/SimonWolf/OEEG/internal/store"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Merge fragment files and drop superseded data",
	RunE:  runCompact,
}

func init() {
	rootCmd.AddCommand(compactCmd)
}

func runCompact(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	frags, err := store.Open(cfg.Storage.DataDir, slog.Default())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	before, err := frags.FragmentCount()
	if err != nil {
		return err
	}

	if err := frags.Compact(ctx); err != nil {
		return err
	}

	after, err := frags.FragmentCount()
	if err != nil {
		return err
	}

	slog.Info("compaction complete", "fragments_before", before, "fragments_after", after)
	return nil
}
