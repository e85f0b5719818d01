package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/tingold/rastertile"
	"github.com/tingold/rastertile/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve [raster...]",
	Short: "Serve PNG tiles for one or more rasters",
	Long: `Serve opens every raster given on the command line or in the "rasters"
config list, builds their overview pyramids and serves:

  /tiles/{raster}/{z}/{x}/{y}.png   ?bands=1,2,3&resampling=bilinear&normalize=true
  /metadata.json                    TileJSON for the first raster
  /rasters                          registered raster names
  /rasters/{raster}/metadata.json   TileJSON
  /rasters/{raster}/describe.json   size, CRS, geotransform and bands
  /rasters/{raster}/stats.json      global band statistics
  /footprint.geojson                raster footprints
  /metrics                          Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("host", "0.0.0.0", "server host")
	serveCmd.Flags().Int("port", 8080, "server port")
	serveCmd.Flags().Bool("blank-on-error", true, "serve a blank tile when rendering fails")
	serveCmd.Flags().Bool("normalize", false, "normalize tiles with global band statistics by default")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.blank_on_error", serveCmd.Flags().Lookup("blank-on-error"))
	_ = viper.BindPFlag("render.normalize", serveCmd.Flags().Lookup("normalize"))
}

func newHTTPClient(cfg config.RemoteConfig) *fasthttp.Client {
	return &fasthttp.Client{
		Name:         "rastertiled/" + version,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
}

// fasthttpLogger routes fasthttp's internal messages to slog.
type fasthttpLogger struct {
	log *slog.Logger
}

func (l fasthttpLogger) Printf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...), "component", "fasthttp")
}

func runServe(_ *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	sources := append(append([]string{}, cfg.Rasters...), args...)
	if len(sources) == 0 {
		return fmt.Errorf("no rasters to serve: pass paths or set \"rasters\" in the config")
	}

	logger.Info("starting rastertiled",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"rasters", len(sources),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := engineOptions(cfg, logger)
	if cfg.Metrics.Enabled {
		opts.Registerer = reg
	}
	engine := rastertile.NewEngine(opts)
	defer func() {
		if err := engine.Shutdown(); err != nil {
			logger.Error("engine shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Overview builds dominate startup, so rasters open in parallel.
	ids := make([]rastertile.HandleID, len(sources))
	var opening errgroup.Group
	opening.SetLimit(runtime.NumCPU())
	for i, src := range sources {
		opening.Go(func() error {
			id, err := engine.Open(src)
			if err != nil {
				return err
			}
			ids[i] = id
			return nil
		})
	}
	if err := opening.Wait(); err != nil {
		return fmt.Errorf("opening rasters: %w", err)
	}

	srv := newTileServer(engine, cfg, logger, reg)
	for i, src := range sources {
		name := srv.addRaster(src, ids[i])
		logger.Info("serving raster", "name", name, "source", src, "handle", ids[i])
	}

	httpServer := &fasthttp.Server{
		Handler:      srv.handle,
		Name:         "rastertiled",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Logger:       fasthttpLogger{log: logger},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "address", cfg.Server.Address())
		return httpServer.ListenAndServe(cfg.Server.Address())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server group returned an error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}
