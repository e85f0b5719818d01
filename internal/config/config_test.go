package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Server.Port)
	}
	if !cfg.Server.BlankOnError {
		t.Error("Expected blank tiles on error by default")
	}
	if len(cfg.Overviews.Factors) != 5 || cfg.Overviews.Factors[4] != 32 {
		t.Errorf("Expected factors [2 4 8 16 32], got %v", cfg.Overviews.Factors)
	}
	if cfg.Overviews.Policy != "always" || cfg.Stats.Key != "path" {
		t.Errorf("Expected always/path, got %s/%s", cfg.Overviews.Policy, cfg.Stats.Key)
	}
	if cfg.Render.TileSize != 256 || cfg.Render.Resampling != "bilinear" {
		t.Errorf("Expected 256/bilinear, got %d/%s", cfg.Render.TileSize, cfg.Render.Resampling)
	}
	if cfg.Remote.Timeout != 30*time.Second {
		t.Errorf("Expected a 30s remote timeout, got %v", cfg.Remote.Timeout)
	}
	if cfg.Server.Address() != "0.0.0.0:8080" {
		t.Errorf("Expected 0.0.0.0:8080, got %s", cfg.Server.Address())
	}
}

func TestLoadFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "rastertile.yaml")
	content := `
server:
  port: 9090
  blank_on_error: false
rasters:
  - /data/a.tif
  - https://example.com/b.tif
overviews:
  factors: [2, 4]
  policy: reuse
stats:
  key: content
render:
  resampling: cubic
  normalize: true
logging:
  format: text
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.BlankOnError {
		t.Errorf("Expected port 9090 without blank tiles, got %+v", cfg.Server)
	}
	if len(cfg.Rasters) != 2 || cfg.Rasters[1] != "https://example.com/b.tif" {
		t.Errorf("Unexpected rasters %v", cfg.Rasters)
	}
	if len(cfg.Overviews.Factors) != 2 || cfg.Overviews.Policy != "reuse" {
		t.Errorf("Unexpected overviews %+v", cfg.Overviews)
	}
	if cfg.Stats.Key != "content" || cfg.Render.Resampling != "cubic" || !cfg.Render.Normalize {
		t.Errorf("Unexpected stats/render %+v %+v", cfg.Stats, cfg.Render)
	}
	// Untouched keys keep their defaults.
	if cfg.Render.TileSize != 256 || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Expected defaults for unset keys, got %d %s", cfg.Render.TileSize, cfg.Metrics.Path)
	}
}

func TestLoadEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("RASTERTILE_SERVER_PORT", "7070")
	t.Setenv("RASTERTILE_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Expected port 7070 from the environment, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Logging.Level)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("stats:\n  key: checksum\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unknown stats key") {
		t.Errorf("Expected a stats key validation error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:    ServerConfig{Port: 8080},
			Overviews: OverviewConfig{Factors: []int{2, 4}, Policy: "always"},
			Stats:     StatsConfig{Key: "path"},
			Render:    RenderConfig{TileSize: 256, MaxZoom: 20},
			Logging:   LoggingConfig{Format: "json"},
		}
	}
	base := valid()
	if err := base.Validate(); err != nil {
		t.Fatalf("Expected a valid config, got %v", err)
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"factor", func(c *Config) { c.Overviews.Factors = []int{1} }},
		{"policy", func(c *Config) { c.Overviews.Policy = "never" }},
		{"stats key", func(c *Config) { c.Stats.Key = "" }},
		{"tile size", func(c *Config) { c.Render.TileSize = 5000 }},
		{"zoom range", func(c *Config) { c.Render.MinZoom = 10; c.Render.MaxZoom = 5 }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		cfg := valid()
		tt.modify(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected a validation error", tt.name)
		}
	}
}
