package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/tingold/rastertile"
	"github.com/tingold/rastertile/internal/config"
)

// tileServer routes HTTP requests to the engine. Rasters are registered
// before the server starts and are read-only afterwards.
type tileServer struct {
	engine       *rastertile.Engine
	render       config.RenderConfig
	blankOnError bool
	log          *slog.Logger

	metricsPath string
	metrics     fasthttp.RequestHandler

	rasters map[string]rastertile.HandleID
	names   []string
}

func newTileServer(engine *rastertile.Engine, cfg *config.Config, logger *slog.Logger, gatherer prometheus.Gatherer) *tileServer {
	s := &tileServer{
		engine:       engine,
		render:       cfg.Render,
		blankOnError: cfg.Server.BlankOnError,
		log:          logger,
		rasters:      make(map[string]rastertile.HandleID),
	}
	if cfg.Metrics.Enabled && gatherer != nil {
		s.metricsPath = cfg.Metrics.Path
		s.metrics = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// addRaster registers a handle under the base name of its source, made unique
// with a numeric suffix. It returns the name used.
func (s *tileServer) addRaster(source string, id rastertile.HandleID) string {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	if base == "" || base == "." || base == "/" {
		base = "raster"
	}
	name := base
	for i := 2; ; i++ {
		if _, taken := s.rasters[name]; !taken {
			break
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
	s.rasters[name] = id
	s.names = append(s.names, name)
	return name
}

func (s *tileServer) handle(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() && !ctx.IsHead() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")

	path := string(ctx.Path())
	switch {
	case path == "/healthz":
		ctx.SetContentType("text/plain")
		ctx.SetBodyString("ok")
	case s.metrics != nil && path == s.metricsPath:
		s.metrics(ctx)
	case path == "/metadata.json":
		if len(s.names) == 0 {
			ctx.Error("no rasters", fasthttp.StatusNotFound)
			return
		}
		s.serveMetadata(ctx, s.names[0])
	case path == "/rasters":
		s.writeJSON(ctx, s.names)
	case path == "/footprint.geojson":
		s.writeJSON(ctx, s.engine.FootprintCollection())
	case strings.HasPrefix(path, "/tiles/"):
		s.serveTile(ctx, strings.TrimPrefix(path, "/tiles/"))
	case strings.HasPrefix(path, "/rasters/"):
		s.serveRaster(ctx, strings.TrimPrefix(path, "/rasters/"))
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

// serveRaster handles /rasters/{name}/{metadata,describe,stats}.json.
func (s *tileServer) serveRaster(ctx *fasthttp.RequestCtx, rest string) {
	name, doc, ok := strings.Cut(rest, "/")
	if !ok {
		ctx.Error("not found", fasthttp.StatusNotFound)
		return
	}
	id, ok := s.rasters[name]
	if !ok {
		ctx.Error("unknown raster", fasthttp.StatusNotFound)
		return
	}

	switch doc {
	case "metadata.json":
		s.serveMetadata(ctx, name)
	case "describe.json":
		d, err := s.engine.Describe(id)
		if err != nil {
			s.writeError(ctx, err)
			return
		}
		s.writeJSON(ctx, d)
	case "stats.json":
		bands, err := parseBands(string(ctx.QueryArgs().Peek("bands")))
		if err != nil {
			ctx.Error(err.Error(), fasthttp.StatusBadRequest)
			return
		}
		stats, err := s.engine.Stats(id, bands)
		if err != nil {
			s.writeError(ctx, err)
			return
		}
		s.writeJSON(ctx, stats)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

// tileJSON is the document served at metadata.json.
type tileJSON struct {
	Name    string     `json:"name"`
	Bounds  [4]float64 `json:"bounds"`
	Center  [3]float64 `json:"center"`
	MinZoom int        `json:"minzoom"`
	MaxZoom int        `json:"maxzoom"`
	Tiles   []string   `json:"tiles"`
}

func (s *tileServer) serveMetadata(ctx *fasthttp.RequestCtx, name string) {
	b, err := s.engine.BoundsInGeographic(s.rasters[name])
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	c := b.Center()
	s.writeJSON(ctx, tileJSON{
		Name:    name,
		Bounds:  [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]},
		Center:  [3]float64{c[0], c[1], float64(s.render.MinZoom)},
		MinZoom: s.render.MinZoom,
		MaxZoom: s.render.MaxZoom,
		Tiles:   []string{"/tiles/" + name + "/{z}/{x}/{y}.png"},
	})
}

// serveTile handles /tiles/{name}/{z}/{x}/{y}.png.
func (s *tileServer) serveTile(ctx *fasthttp.RequestCtx, rest string) {
	parts := strings.Split(strings.TrimSuffix(rest, ".png"), "/")
	if len(parts) != 4 || !strings.HasSuffix(rest, ".png") {
		ctx.Error("not found", fasthttp.StatusNotFound)
		return
	}
	id, ok := s.rasters[parts[0]]
	if !ok {
		ctx.Error("unknown raster", fasthttp.StatusNotFound)
		return
	}
	var zxy [3]int
	for i, p := range parts[1:] {
		v, err := strconv.Atoi(p)
		if err != nil {
			ctx.Error("invalid tile coordinate", fasthttp.StatusBadRequest)
			return
		}
		zxy[i] = v
	}
	addr := rastertile.TileAddress{Z: zxy[0], X: zxy[1], Y: zxy[2]}

	req, err := s.renderRequest(ctx.QueryArgs())
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusBadRequest)
		return
	}
	req.Tile = &addr

	grid, err := s.engine.RenderTile(id, req)
	if err != nil {
		if !s.blankOnError {
			s.writeError(ctx, err)
			return
		}
		s.log.Error("tile fault, serving blank tile", "raster", parts[0], "z", addr.Z, "x", addr.X, "y", addr.Y, "error", err)
		grid = nil
	}

	body, err := encodePNG(grid, req.Width, req.Height)
	if err != nil {
		s.log.Error("failed to encode tile", "raster", parts[0], "tile", addr.String(), "error", err)
		ctx.Error("failed to encode tile", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("image/png")
	ctx.SetBody(body)
}

func (s *tileServer) renderRequest(args *fasthttp.Args) (rastertile.RenderRequest, error) {
	req := rastertile.RenderRequest{
		Width:      s.render.TileSize,
		Height:     s.render.TileSize,
		Resampling: s.render.Resampling,
		Normalize:  s.render.Normalize,
	}
	bands, err := parseBands(string(args.Peek("bands")))
	if err != nil {
		return req, err
	}
	req.Bands = bands

	if v := args.Peek("resampling"); len(v) > 0 {
		if _, err := rastertile.ParseResampling(string(v)); err != nil {
			return req, err
		}
		req.Resampling = string(v)
	}
	if v := args.Peek("normalize"); len(v) > 0 {
		b, err := strconv.ParseBool(string(v))
		if err != nil {
			return req, fmt.Errorf("invalid normalize value %q", v)
		}
		req.Normalize = b
	}
	return req, nil
}

// parseBands parses "1,2,3"; an empty string yields nil.
func parseBands(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var bands []int
	for _, p := range strings.Split(s, ",") {
		b, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid band list %q", s)
		}
		bands = append(bands, b)
	}
	return bands, nil
}

func (s *tileServer) writeJSON(ctx *fasthttp.RequestCtx, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		s.log.Error("failed to encode response", "path", string(ctx.Path()), "error", err)
		ctx.Error("internal error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (s *tileServer) writeError(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusInternalServerError
	switch {
	case errors.Is(err, rastertile.ErrInvalidHandle):
		status = fasthttp.StatusNotFound
	case errors.Is(err, rastertile.ErrInvalidBandIndex), errors.Is(err, rastertile.ErrInvalidTileAddress):
		status = fasthttp.StatusBadRequest
	}
	s.log.Warn("request failed", "path", string(ctx.Path()), "status", status, "error", err)
	ctx.Error(err.Error(), status)
}
