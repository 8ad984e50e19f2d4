package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for oeegd.
type Config struct {
	ListenAddr string           `mapstructure:"listen_addr"`
	LogFormat  string           `mapstructure:"log_format"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Quality    QualityConfig    `mapstructure:"quality"`
	Sites      []SiteConfig     `mapstructure:"sites"`
	Collection CollectionConfig `mapstructure:"collection"`
}

// SiteConfig defines one solar installation to collect logger data for.
type SiteConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// FeedConfig defines the vendor logger endpoint.
type FeedConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// StorageConfig defines where reading fragments live.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// QualityConfig defines the quality index database backend.
type QualityConfig struct {
	Driver   string         `mapstructure:"driver"` // "sqlite" or "postgres"
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	DaysBack int            `mapstructure:"days_back"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// CollectionConfig defines backfill behavior.
type CollectionConfig struct {
	BackfillOnStartup bool `mapstructure:"backfill_on_startup"`
	BackfillDays      int  `mapstructure:"backfill_days"`
}

// Load reads configuration from flag path, env vars, then default file paths.
// Precedence: flag → $OEEGD_CONFIG env → ~/.config/oeegd/config.yaml → /etc/oeegd/config.yaml
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_format", "json")
	v.SetDefault("storage.data_dir", "data/fragments")
	v.SetDefault("quality.driver", "sqlite")
	v.SetDefault("quality.sqlite.path", "data/quality.db")
	v.SetDefault("quality.days_back", 60)
	v.SetDefault("collection.backfill_on_startup", true)
	v.SetDefault("collection.backfill_days", 5)

	// Env var support
	v.SetEnvPrefix("OEEGD")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if envPath := os.Getenv("OEEGD_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "oeegd"))
		}
		v.AddConfigPath("/etc/oeegd")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		// Warn if config file is world-readable.
		if cfgPath := v.ConfigFileUsed(); cfgPath != "" {
			if info, err := os.Stat(cfgPath); err == nil {
				perm := info.Mode().Perm()
				if perm&0004 != 0 {
					slog.Warn("config file is world-readable", "path", cfgPath, "permissions", fmt.Sprintf("%04o", perm))
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is complete and correct.
func (c *Config) Validate() error {
	if len(c.Sites) == 0 {
		return fmt.Errorf("at least one site is required")
	}

	for i, s := range c.Sites {
		if s.ID == "" {
			return fmt.Errorf("site[%d]: id is required", i)
		}
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if err := os.MkdirAll(c.Storage.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating storage directory %q: %w", c.Storage.DataDir, err)
	}

	switch c.Quality.Driver {
	case "sqlite":
		if c.Quality.SQLite.Path == "" {
			return fmt.Errorf("quality.sqlite.path is required for sqlite driver")
		}
		dir := filepath.Dir(c.Quality.SQLite.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("creating quality directory %q: %w", dir, err)
			}
		}
	case "postgres":
		if c.Quality.Postgres.DSN == "" {
			return fmt.Errorf("quality.postgres.dsn is required for postgres driver")
		}
	default:
		return fmt.Errorf("quality.driver must be 'sqlite' or 'postgres', got %q", c.Quality.Driver)
	}

	if c.Quality.DaysBack <= 0 {
		return fmt.Errorf("quality.days_back must be positive, got %d", c.Quality.DaysBack)
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q is not a valid address: %w", c.ListenAddr, err)
	}

	return nil
}

// SiteIDs returns the configured site ids in order.
func (c *Config) SiteIDs() []string {
	ids := make([]string, 0, len(c.Sites))
	for _, s := range c.Sites {
		ids = append(ids, s.ID)
	}
	return ids
}

// DSN returns the appropriate DSN for the configured quality driver.
func (c *Config) DSN() string {
	switch c.Quality.Driver {
	case "sqlite":
		return c.Quality.SQLite.Path
	case "postgres":
		return c.Quality.Postgres.DSN
	default:
		return ""
	}
}
