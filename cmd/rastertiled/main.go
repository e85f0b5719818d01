// Package main provides the rastertiled command: a slippy-map tile server and
// a set of raster inspection tools built on the rastertile engine.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tingold/rastertile"
	"github.com/tingold/rastertile/internal/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rastertiled",
	Short: "rastertiled - raster tile server",
	Long: `rastertiled serves slippy-map PNG tiles cut from large georeferenced
GeoTIFF rasters.

Features:
  - Reprojection of tiles into the raster's native CRS
  - Overview pyramids built at open
  - Nearest, bilinear, cubic, average, lanczos and mode resampling
  - Per-band min/max normalization from cached global statistics
  - Local files and http(s) sources read with range requests
  - Prometheus metrics`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("rastertiled %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Build Date: %s\n", buildDate)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text)")
	rootCmd.PersistentFlags().String("overview-policy", "always", "overview sidecar policy (always, reuse)")
	rootCmd.PersistentFlags().String("overview-dir", "", "directory for overview sidecars")
	rootCmd.PersistentFlags().String("stats-key", "path", "statistics cache key (path, content)")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("overviews.policy", rootCmd.PersistentFlags().Lookup("overview-policy"))
	_ = viper.BindPFlag("overviews.dir", rootCmd.PersistentFlags().Lookup("overview-dir"))
	_ = viper.BindPFlag("stats.key", rootCmd.PersistentFlags().Lookup("stats-key"))

	rootCmd.AddCommand(versionCmd, serveCmd, infoCmd, statsCmd, renderCmd)
}

func initConfig() {
	config.Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// loadConfig reads the configuration and installs the default logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// engineOptions maps the configuration onto engine options.
func engineOptions(cfg *config.Config, logger *slog.Logger) rastertile.Options {
	return rastertile.Options{
		Logger:          logger,
		OverviewFactors: cfg.Overviews.Factors,
		OverviewDir:     cfg.Overviews.Dir,
		PyramidPolicy:   rastertile.PyramidPolicy(cfg.Overviews.Policy),
		StatsKey:        rastertile.StatsKeyPolicy(cfg.Stats.Key),
		BlockCacheSize:  cfg.Cache.Blocks,
		HTTPClient:      newHTTPClient(cfg.Remote),
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(time.Now().UTC().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler).With(slog.String("app", "rastertiled"))
}
