package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/SimonWolf/OEEG/internal/acquire"
	"github.com/SimonWolf/OEEG/internal/api"
	"github.com/SimonWolf/OEEG/internal/config"
	"github.com/SimonWolf/OEEG/internal/feed"
	"github.com/SimonWolf/OEEG/internal/quality"
	"github.com/SimonWolf/OEEG/internal/store"
)

var (
	listenAddr    string
	qualityDriver string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the oeegd daemon (default command)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&qualityDriver, "quality-driver", "", "quality database driver (overrides config)")
	rootCmd.AddCommand(serveCmd)

	// Make serve the default command.
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	// The config file's log format applies unless the flag was given.
	if f := cmd.Flags().Lookup("log-format"); f != nil && !f.Changed && cfg.LogFormat != "" {
		logFormat = cfg.LogFormat
		setupLogging()
	}

	// Apply flag overrides.
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if qualityDriver != "" {
		cfg.Quality.Driver = qualityDriver
	}

	slog.Info("starting oeegd",
		"listen_addr", cfg.ListenAddr,
		"data_dir", cfg.Storage.DataDir,
		"quality_driver", cfg.Quality.Driver,
		"sites", len(cfg.Sites),
	)

	frags, err := store.Open(cfg.Storage.DataDir, slog.Default())
	if err != nil {
		return err
	}

	table, err := openQualityTable(cfg)
	if err != nil {
		return err
	}
	defer table.Close() //nolint:errcheck

	slog.Info("storage ready",
		"data_dir", cfg.Storage.DataDir,
		"quality_driver", cfg.Quality.Driver,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := feed.NewClient(cfg.Feed.BaseURL, slog.Default())
	pool := store.NewWritePool(frags, slog.Default(), 0, 0)
	orch := acquire.NewOrchestrator(frags, pool, client, slog.Default())
	qm := quality.NewManager(table, client, slog.Default())

	// Backfill recent gaps on startup.
	if cfg.Collection.BackfillOnStartup {
		bf := acquire.NewBackfiller(frags, orch, slog.Default())
		if err := bf.RunAll(ctx, cfg.SiteIDs(), cfg.Collection.BackfillDays); err != nil {
			slog.Error("startup backfill failed", "error", err)
		}
	}

	srv := api.NewServer(frags, orch, qm, client, cfg.Sites, slog.Default())
	srv.SetVersion(Version)
	qualityPath := cfg.DSN()
	if cfg.Quality.Driver == "postgres" {
		qualityPath = redactDSN(qualityPath)
	}
	srv.SetQualityInfo(cfg.Quality.Driver, qualityPath)

	slog.Info("oeegd ready", "addr", cfg.ListenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ListenAddr) })

	waitErr := g.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		slog.Error("oeegd exited with error", "error", waitErr)
	}

	// Always run graceful cleanup, even on error.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	pool.Close()
	_ = table.Close()

	if n := pool.Failures(); n > 0 {
		slog.Warn("background writes failed during run", "failures", n)
	}

	slog.Info("oeegd shutdown complete")
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

func openQualityTable(cfg *config.Config) (quality.Table, error) {
	switch cfg.Quality.Driver {
	case "postgres":
		return quality.NewPostgresTable(cfg.DSN())
	default:
		return quality.NewSQLiteTable(cfg.DSN())
	}
}

func setupLogging() {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	if logFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// redactDSN masks the password in a PostgreSQL DSN for safe display.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
