// Package config provides configuration management using Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Rasters   []string       `mapstructure:"rasters"`
	Overviews OverviewConfig `mapstructure:"overviews"`
	Stats     StatsConfig    `mapstructure:"stats"`
	Render    RenderConfig   `mapstructure:"render"`
	Cache     CacheConfig    `mapstructure:"cache"`
	Remote    RemoteConfig   `mapstructure:"remote"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// BlankOnError serves a blank tile instead of an error status when a
	// tile cannot be rendered.
	BlankOnError bool `mapstructure:"blank_on_error"`
}

// OverviewConfig holds overview pyramid configuration.
type OverviewConfig struct {
	Factors []int  `mapstructure:"factors"`
	Dir     string `mapstructure:"dir"`
	Policy  string `mapstructure:"policy"` // always, reuse
}

// StatsConfig holds band statistics configuration.
type StatsConfig struct {
	Key string `mapstructure:"key"` // path, content
}

// RenderConfig holds tile rendering defaults.
type RenderConfig struct {
	TileSize   int    `mapstructure:"tile_size"`
	Resampling string `mapstructure:"resampling"`
	Normalize  bool   `mapstructure:"normalize"`
	MinZoom    int    `mapstructure:"min_zoom"`
	MaxZoom    int    `mapstructure:"max_zoom"`
}

// CacheConfig holds decoded block cache configuration.
type CacheConfig struct {
	Blocks int64 `mapstructure:"blocks"`
}

// RemoteConfig holds settings for http(s) raster sources.
type RemoteConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Defaults sets the default configuration values.
func Defaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 60*time.Second)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)
	viper.SetDefault("server.blank_on_error", true)

	viper.SetDefault("rasters", []string{})

	// Overview defaults
	viper.SetDefault("overviews.factors", []int{2, 4, 8, 16, 32})
	viper.SetDefault("overviews.dir", "")
	viper.SetDefault("overviews.policy", "always")

	viper.SetDefault("stats.key", "path")

	// Render defaults
	viper.SetDefault("render.tile_size", 256)
	viper.SetDefault("render.resampling", "bilinear")
	viper.SetDefault("render.normalize", false)
	viper.SetDefault("render.min_zoom", 0)
	viper.SetDefault("render.max_zoom", 20)

	viper.SetDefault("cache.blocks", 4096)
	viper.SetDefault("remote.timeout", 30*time.Second)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// Load loads configuration from environment and config file.
func Load(configPath string) (*Config, error) {
	Defaults()

	// Environment variable binding
	viper.SetEnvPrefix("RASTERTILE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/rastertile")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	for _, f := range c.Overviews.Factors {
		if f < 2 {
			return fmt.Errorf("invalid overview factor: %d", f)
		}
	}
	switch c.Overviews.Policy {
	case "always", "reuse":
	default:
		return fmt.Errorf("unknown overview policy: %s", c.Overviews.Policy)
	}

	switch c.Stats.Key {
	case "path", "content":
	default:
		return fmt.Errorf("unknown stats key: %s", c.Stats.Key)
	}

	if c.Render.TileSize < 1 || c.Render.TileSize > 4096 {
		return fmt.Errorf("invalid tile size: %d", c.Render.TileSize)
	}
	if c.Render.MinZoom < 0 || c.Render.MaxZoom > 30 || c.Render.MinZoom > c.Render.MaxZoom {
		return fmt.Errorf("invalid zoom range: %d..%d", c.Render.MinZoom, c.Render.MaxZoom)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format: %s", c.Logging.Format)
	}

	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
