package rastertile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
)

// Default render parameters
const (
	DefaultTileSize   = 256
	DefaultResampling = Bilinear
	defaultStatsRows  = 256
)

// HandleID identifies an open raster within one Engine.
type HandleID string

// Options configures an Engine. The zero value is usable.
type Options struct {
	// Logger receives structured logs; nil discards them.
	Logger *slog.Logger

	// OverviewFactors are the pyramid reduction factors (default 2,4,8,16,32).
	OverviewFactors []int
	// OverviewDir, when set, holds every overview sidecar.
	OverviewDir string
	// PyramidPolicy defaults to PyramidAlways.
	PyramidPolicy PyramidPolicy

	// StatsKey defaults to StatsKeyPath.
	StatsKey StatsKeyPolicy
	// OnStatsScan is called before every full-band statistics scan.
	OnStatsScan func(identity string, band int)

	// BlockCacheSize is the number of decoded blocks kept in memory.
	BlockCacheSize int64

	// HTTPClient is used for http(s) sources.
	HTTPClient *fasthttp.Client

	// Registerer receives the engine metrics; nil disables them.
	Registerer       prometheus.Registerer
	MetricsNamespace string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if len(o.OverviewFactors) == 0 {
		o.OverviewFactors = DefaultOverviewFactors
	}
	if o.PyramidPolicy == "" {
		o.PyramidPolicy = PyramidAlways
	}
	if o.StatsKey == "" {
		o.StatsKey = StatsKeyPath
	}
	if o.BlockCacheSize <= 0 {
		o.BlockCacheSize = defaultBlockCacheSize
	}
	if o.HTTPClient == nil {
		o.HTTPClient = defaultHTTPClient()
	}
	return o
}

// Engine owns a table of open rasters and renders tiles from them. Reads on
// one raster are serialized by that raster's lock; different rasters proceed
// in parallel.
type Engine struct {
	opts    Options
	log     *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	handles map[HandleID]*rasterHandle

	pyramids *PyramidManager
	stats    *StatsCache
	reproj   *Reprojector
	blocks   *blockCache
}

type rasterHandle struct {
	id       HandleID
	identity string

	mu      sync.Mutex
	raster  *Raster
	pyramid *Pyramid
	closed  bool
}

// NewEngine creates an engine with no open rasters.
func NewEngine(opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		opts:     opts,
		log:      opts.Logger,
		metrics:  NewMetrics(opts.Registerer, opts.MetricsNamespace),
		handles:  make(map[HandleID]*rasterHandle),
		pyramids: NewPyramidManager(opts.OverviewFactors, opts.OverviewDir, opts.PyramidPolicy),
		stats:    NewStatsCache(),
		reproj:   NewReprojector(),
		blocks:   newBlockCache(opts.BlockCacheSize),
	}
	e.stats.OnScan = func(identity string, band int) {
		e.metrics.RecordStatsScan()
		e.log.Debug("scanning band statistics", "identity", identity, "band", band)
		if opts.OnStatsScan != nil {
			opts.OnStatsScan(identity, band)
		}
	}
	return e
}

// Open opens source, builds or validates its overview pyramid and publishes
// a handle. The pyramid is ready before the handle is visible to any reader.
func (e *Engine) Open(source string) (HandleID, error) {
	start := time.Now()
	r, err := OpenRaster(source, e.opts.HTTPClient)
	if err != nil {
		e.log.Warn("failed to open raster", "source", source, "error", err)
		return "", err
	}
	r.cache = e.blocks
	if r.CRSAssumed {
		e.log.Warn("raster has no CRS, assuming EPSG:4326", "source", source)
	}

	h := &rasterHandle{
		id:       HandleID(uuid.NewString()),
		identity: e.identity(r),
		raster:   r,
	}

	h.mu.Lock()
	pstart := time.Now()
	p, err := e.pyramids.EnsurePyramid(r)
	if err != nil {
		h.mu.Unlock()
		r.Close()
		e.metrics.RecordPyramid("error", time.Since(pstart))
		e.log.Error("failed to prepare overviews", "source", source, "error", err)
		return "", &OpenError{Source: source, Err: err}
	}
	h.pyramid = p
	h.mu.Unlock()

	result := "reused"
	if p.Rebuilt {
		result = "built"
	}
	e.metrics.RecordPyramid(result, time.Since(pstart))

	e.mu.Lock()
	e.handles[h.id] = h
	n := len(e.handles)
	e.mu.Unlock()
	e.metrics.SetOpenRasters(n)

	e.log.Info("opened raster",
		"source", source,
		"handle", h.id,
		"width", r.Width(),
		"height", r.Height(),
		"bands", r.BandCount(),
		"dataType", r.DataType().String(),
		"crs", r.Georef.CRS.String(),
		"overviews", result,
		"duration", time.Since(start))
	return h.id, nil
}

func (e *Engine) identity(r *Raster) string {
	if e.opts.StatsKey == StatsKeyContent {
		return fmt.Sprintf("%s@%d@%d", r.Source, r.size, r.modTime.UnixNano())
	}
	return r.Source
}

// acquire looks up id and locks its handle. The caller must unlock h.mu.
func (e *Engine) acquire(id HandleID) (*rasterHandle, error) {
	h, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("handle %s: %w", id, ErrInvalidHandle)
	}
	return h, nil
}

func (e *Engine) lookup(id HandleID) (*rasterHandle, error) {
	e.mu.RLock()
	h, ok := e.handles[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("handle %s: %w", id, ErrInvalidHandle)
	}
	return h, nil
}

// Close releases a raster. Later calls with id fail with ErrInvalidHandle.
func (e *Engine) Close(id HandleID) error {
	e.mu.Lock()
	h, ok := e.handles[id]
	delete(e.handles, id)
	n := len(e.handles)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("handle %s: %w", id, ErrInvalidHandle)
	}
	e.metrics.SetOpenRasters(n)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	e.log.Info("closed raster", "source", h.raster.Source, "handle", id)
	return h.raster.Close()
}

// Shutdown closes every open raster and stops the block cache.
func (e *Engine) Shutdown() error {
	var errs []error
	for _, id := range e.Handles() {
		if err := e.Close(id); err != nil && !errors.Is(err, ErrInvalidHandle) {
			errs = append(errs, err)
		}
	}
	e.blocks.stop()
	return errors.Join(errs...)
}

// Handles lists the open handles in a stable order.
func (e *Engine) Handles() []HandleID {
	e.mu.RLock()
	ids := make([]HandleID, 0, len(e.handles))
	for id := range e.handles {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Source returns the source a handle was opened from.
func (e *Engine) Source(id HandleID) (string, error) {
	h, err := e.lookup(id)
	if err != nil {
		return "", err
	}
	return h.raster.Source, nil
}

// BoundsInGeographic returns the raster extent in the tiling-scheme
// geographic CRS.
func (e *Engine) BoundsInGeographic(id HandleID) (orb.Bound, error) {
	h, err := e.acquire(id)
	if err != nil {
		return orb.Bound{}, err
	}
	defer h.mu.Unlock()
	return h.raster.Georef.BoundsInGeographic(e.reproj)
}

// Footprint returns the reprojected corner polygon of the raster, which is
// narrower than BoundsInGeographic for rotated or projected rasters.
func (e *Engine) Footprint(id HandleID) (orb.Polygon, error) {
	h, err := e.acquire(id)
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()
	ring, err := h.raster.Georef.FootprintInGeographic(e.reproj)
	if err != nil {
		return nil, err
	}
	return orb.Polygon{ring}, nil
}

// Stats returns global statistics for bands (all bands when empty). Bands
// without valid samples are absent from the result.
func (e *Engine) Stats(id HandleID, bands []int) (map[int]BandStats, error) {
	h, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	count := h.raster.BandCount()
	if len(bands) == 0 {
		bands = make([]int, count)
		for i := range bands {
			bands[i] = i + 1
		}
	}
	for _, b := range bands {
		if b < 1 || b > count {
			return nil, bandIndexError(b, count)
		}
	}
	return e.stats.StatsFor(h, bands)
}

// InvalidateStats drops cached statistics of source, for content replaced
// under the same path.
func (e *Engine) InvalidateStats(source string) {
	e.stats.Invalidate(source)
	e.log.Info("invalidated statistics", "source", source)
}

// StatsIdentity implements BandScanner.
func (h *rasterHandle) StatsIdentity() string { return h.identity }

// NoData implements BandScanner.
func (h *rasterHandle) NoData() *float64 { return h.raster.NoData() }

// ScanBand reads the base image in row chunks, taking the handle lock for
// each chunk so tile reads interleave with a long scan. Blocks read here
// bypass the block cache.
func (h *rasterHandle) ScanBand(band int, fn func(samples []float64)) error {
	r := h.raster
	width, height := r.Width(), r.Height()
	rows := defaultStatsRows
	if bh := r.base.info.BlockHeight; bh > rows {
		rows = bh
	}
	for y0 := 0; y0 < height; y0 += rows {
		n := min(rows, height-y0)
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return fmt.Errorf("handle %s: %w", h.id, ErrInvalidHandle)
		}
		data, err := r.base.readWindow(Window{X: 0, Y: y0, Width: width, Height: n}, []int{band - 1}, nil)
		h.mu.Unlock()
		if err != nil {
			return err
		}
		fn(data)
	}
	return nil
}
