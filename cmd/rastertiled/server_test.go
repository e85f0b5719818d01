package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	xtiff "golang.org/x/image/tiff"

	"github.com/tingold/rastertile"
	"github.com/tingold/rastertile/internal/config"
)

// writeGrayRaster writes a 64x64 plain TIFF with a world file placing it at
// lon 0..64, lat 0..64. Pixel values are 4*x.
func writeGrayRaster(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Pix[y*img.Stride+x] = uint8(4 * x)
		}
	}

	path := filepath.Join(dir, name+".tif")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create raster: %v", err)
	}
	defer f.Close()
	if err := xtiff.Encode(f, img, nil); err != nil {
		t.Fatalf("Failed to encode raster: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".tfw"), []byte("1\n0\n0\n-1\n0.5\n63.5\n"), 0o644); err != nil {
		t.Fatalf("Failed to write world file: %v", err)
	}
	return path
}

func testConfig(blankOnError bool) *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{BlankOnError: blankOnError},
		Render:  config.RenderConfig{TileSize: 256, Resampling: "bilinear", MaxZoom: 20},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestServer(t *testing.T, blankOnError bool) *tileServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	engine := rastertile.NewEngine(rastertile.Options{
		Logger:          logger,
		OverviewFactors: []int{2, 4},
		OverviewDir:     t.TempDir(),
		Registerer:      reg,
	})
	t.Cleanup(func() { engine.Shutdown() })

	path := writeGrayRaster(t, t.TempDir(), "gray")
	id, err := engine.Open(path)
	if err != nil {
		t.Fatalf("Failed to open raster: %v", err)
	}
	s := newTileServer(engine, testConfig(blankOnError), logger, reg)
	s.addRaster(path, id)
	return s
}

func get(s *tileServer, uri string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodGet)
	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)
	s.handle(&ctx)
	return &ctx
}

func decodeTile(t *testing.T, ctx *fasthttp.RequestCtx) image.Image {
	t.Helper()
	if ct := string(ctx.Response.Header.ContentType()); ct != "image/png" {
		t.Fatalf("Expected image/png, got %s", ct)
	}
	img, err := png.Decode(bytes.NewReader(ctx.Response.Body()))
	if err != nil {
		t.Fatalf("Failed to decode tile: %v", err)
	}
	return img
}

func TestServeTile(t *testing.T) {
	s := newTestServer(t, true)

	ctx := get(s, "/tiles/gray/1/1/0.png?resampling=nearest")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	img := decodeTile(t, ctx)
	gray, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("Expected a gray tile, got %T", img)
	}
	if gray.Bounds().Dx() != 256 || gray.Bounds().Dy() != 256 {
		t.Errorf("Expected 256x256, got %v", gray.Bounds())
	}
	// The tile covers the whole raster; output column 200 samples column 50.
	if got := gray.GrayAt(200, 10).Y; got != 200 {
		t.Errorf("Expected 200, got %d", got)
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Errorf("Expected CORS header, got %q", got)
	}
}

func TestServeTileFaults(t *testing.T) {
	tests := []struct {
		uri        string
		blank      bool
		wantStatus int
	}{
		{"/tiles/gray/1/1/0.png?bands=2", true, fasthttp.StatusOK},
		{"/tiles/gray/1/1/0.png?bands=2", false, fasthttp.StatusBadRequest},
		{"/tiles/gray/1/5/0.png", true, fasthttp.StatusOK},
		{"/tiles/gray/1/5/0.png", false, fasthttp.StatusBadRequest},
		{"/tiles/gray/1/1/0.png?bands=x", true, fasthttp.StatusBadRequest},
		{"/tiles/gray/1/1/0.png?resampling=sinc", true, fasthttp.StatusBadRequest},
		{"/tiles/gray/1/a/0.png", true, fasthttp.StatusBadRequest},
		{"/tiles/other/1/1/0.png", true, fasthttp.StatusNotFound},
		{"/tiles/gray/1/1/0.jpg", true, fasthttp.StatusNotFound},
	}
	for _, tt := range tests {
		s := newTestServer(t, tt.blank)
		ctx := get(s, tt.uri)
		if got := ctx.Response.StatusCode(); got != tt.wantStatus {
			t.Errorf("%s (blank=%v): expected %d, got %d", tt.uri, tt.blank, tt.wantStatus, got)
			continue
		}
		if tt.blank && tt.wantStatus == fasthttp.StatusOK {
			img := decodeTile(t, ctx)
			if img.Bounds().Dx() != 256 {
				t.Errorf("%s: expected a 256 pixel blank tile, got %v", tt.uri, img.Bounds())
			}
			r, g, b, a := img.At(128, 128).RGBA()
			if r != 0 || g != 0 || b != 0 || a != 0xffff {
				t.Errorf("%s: expected opaque black, got %d %d %d %d", tt.uri, r, g, b, a)
			}
		}
	}
}

func TestServeMetadata(t *testing.T) {
	s := newTestServer(t, true)

	for _, uri := range []string{"/metadata.json", "/rasters/gray/metadata.json"} {
		ctx := get(s, uri)
		if ctx.Response.StatusCode() != fasthttp.StatusOK {
			t.Fatalf("%s: expected 200, got %d", uri, ctx.Response.StatusCode())
		}
		var doc tileJSON
		if err := json.Unmarshal(ctx.Response.Body(), &doc); err != nil {
			t.Fatalf("%s: failed to decode: %v", uri, err)
		}
		if doc.Bounds != [4]float64{0, 0, 64, 64} {
			t.Errorf("%s: expected bounds [0 0 64 64], got %v", uri, doc.Bounds)
		}
		if doc.Name != "gray" || len(doc.Tiles) != 1 || doc.Tiles[0] != "/tiles/gray/{z}/{x}/{y}.png" {
			t.Errorf("%s: unexpected document %+v", uri, doc)
		}
		if doc.Center[0] != 32 || doc.Center[1] != 32 || doc.MaxZoom != 20 {
			t.Errorf("%s: unexpected center or zoom %+v", uri, doc)
		}
	}
}

func TestServeRasterDocuments(t *testing.T) {
	s := newTestServer(t, true)

	ctx := get(s, "/rasters")
	var names []string
	if err := json.Unmarshal(ctx.Response.Body(), &names); err != nil || len(names) != 1 || names[0] != "gray" {
		t.Errorf("Expected [gray], got %s (%v)", ctx.Response.Body(), err)
	}

	ctx = get(s, "/rasters/gray/describe.json")
	var d rastertile.Description
	if err := json.Unmarshal(ctx.Response.Body(), &d); err != nil {
		t.Fatalf("Failed to decode description: %v", err)
	}
	if d.Size != [2]int{64, 64} || len(d.Bands) != 1 || d.Bands[0].ColorInterpretation != "Gray" {
		t.Errorf("Unexpected description %+v", d)
	}

	ctx = get(s, "/rasters/gray/stats.json?bands=1")
	var stats map[string]rastertile.BandStats
	if err := json.Unmarshal(ctx.Response.Body(), &stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if st := stats["1"]; st.Min != 0 || st.Max != 252 || st.Count != 4096 {
		t.Errorf("Expected 0..252 over 4096 samples, got %+v", st)
	}

	if ctx := get(s, "/rasters/gray/stats.json?bands=3"); ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("Expected 400 for a missing band, got %d", ctx.Response.StatusCode())
	}
	if ctx := get(s, "/rasters/nope/stats.json"); ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("Expected 404 for an unknown raster, got %d", ctx.Response.StatusCode())
	}

	ctx = get(s, "/footprint.geojson")
	if !strings.Contains(string(ctx.Response.Body()), `"FeatureCollection"`) {
		t.Errorf("Expected a feature collection, got %s", ctx.Response.Body())
	}
}

func TestServeMisc(t *testing.T) {
	s := newTestServer(t, true)

	if ctx := get(s, "/healthz"); string(ctx.Response.Body()) != "ok" {
		t.Errorf("Expected ok, got %s", ctx.Response.Body())
	}
	if ctx := get(s, "/nothing"); ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("Expected 404, got %d", ctx.Response.StatusCode())
	}

	get(s, "/tiles/gray/0/0/0.png")
	ctx := get(s, "/metrics")
	if !strings.Contains(string(ctx.Response.Body()), "rastertile_tiles_rendered_total") {
		t.Errorf("Expected tile metrics, got %s", ctx.Response.Body())
	}

	var req fasthttp.Request
	req.SetRequestURI("/healthz")
	req.Header.SetMethod(fasthttp.MethodPost)
	var post fasthttp.RequestCtx
	post.Init(&req, nil, nil)
	s.handle(&post)
	if post.Response.StatusCode() != fasthttp.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", post.Response.StatusCode())
	}
}

func TestAddRasterNames(t *testing.T) {
	s := &tileServer{rasters: make(map[string]rastertile.HandleID)}
	names := []string{
		s.addRaster("/data/scene.tif", "a"),
		s.addRaster("/other/scene.tif", "b"),
		s.addRaster("https://example.com/scene.tif", "c"),
	}
	want := []string{"scene", "scene-2", "scene-3"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Expected %s, got %s", want[i], names[i])
		}
	}
}

func TestParseBands(t *testing.T) {
	bands, err := parseBands(" 3, 1 ")
	if err != nil || len(bands) != 2 || bands[0] != 3 || bands[1] != 1 {
		t.Errorf("Expected [3 1], got %v (%v)", bands, err)
	}
	if bands, err := parseBands(""); err != nil || bands != nil {
		t.Errorf("Expected nil for an empty list, got %v (%v)", bands, err)
	}
	if _, err := parseBands("1,,2"); err == nil {
		t.Error("Expected an error for an empty entry")
	}
}
