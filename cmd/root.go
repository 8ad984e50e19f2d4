package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	cfgFile   string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "oeegd",
	Short: "Data collection daemon for solar installation data loggers",
	Long: `oeegd polls the per-site web data loggers of solar installations,
normalizes their minute-resolution day documents into long-form readings,
stores them as columnar fragments on disk, maintains a per-channel quality
index in SQLite or PostgreSQL, and exposes a REST API for querying
readings, power curves, anomaly scores, and quality history.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (text or json)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
