package rastertile

import (
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"
)

// RenderRequest describes one output grid. Exactly one of Tile and BBox is
// used; Tile wins when both are set. BBox is in the tiling-scheme geographic
// CRS.
type RenderRequest struct {
	Tile *TileAddress
	BBox *orb.Bound

	// Width and Height default to DefaultTileSize.
	Width, Height int
	// Bands are 1-based; the default is the first three bands, or all of
	// them when there are fewer.
	Bands []int
	// Resampling is a filter name; empty selects bilinear.
	Resampling string
	// Normalize stretches each band to 0..255 using global statistics.
	Normalize bool
}

// RenderTile maps the request to a source window and resamples it. Reads on
// the handle are serialized; statistics for normalization are gathered after
// the read, outside the handle lock.
func (e *Engine) RenderTile(id HandleID, req RenderRequest) (*PixelGrid, error) {
	start := time.Now()
	grid, err := e.renderTile(id, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordRender(status, time.Since(start))
	return grid, err
}

func (e *Engine) renderTile(id HandleID, req RenderRequest) (*PixelGrid, error) {
	var bbox orb.Bound
	switch {
	case req.Tile != nil:
		if err := req.Tile.Validate(); err != nil {
			return nil, err
		}
		bbox = TileToBBox(req.Tile.X, req.Tile.Y, req.Tile.Z)
	case req.BBox != nil:
		bbox = *req.BBox
	default:
		return nil, fmt.Errorf("render request has neither tile nor bbox: %w", ErrInvalidTileAddress)
	}

	filter := DefaultResampling
	if req.Resampling != "" {
		f, err := ParseResampling(req.Resampling)
		if err != nil {
			return nil, err
		}
		filter = f
	}
	width, height := req.Width, req.Height
	if width <= 0 {
		width = DefaultTileSize
	}
	if height <= 0 {
		height = DefaultTileSize
	}

	h, err := e.acquire(id)
	if err != nil {
		return nil, err
	}
	r := h.raster
	bands := req.Bands
	if len(bands) == 0 {
		bands = defaultBands(r.BandCount())
	}

	grid, err := e.readBBox(r, bbox, width, height, bands, filter)
	h.mu.Unlock()
	if err != nil {
		var tre *TileReadError
		if req.Tile != nil && errors.As(err, &tre) {
			t := req.Tile.Tile()
			tre.Tile = &t
		}
		e.log.Debug("tile read failed", "source", r.Source, "handle", id, "error", err)
		return nil, err
	}

	if !req.Normalize {
		return grid, nil
	}
	stats, err := e.stats.StatsFor(h, bands)
	if err != nil {
		return nil, err
	}
	return Normalize(grid, stats), nil
}

// readBBox reads the geographic box bbox from r. Must be called with the
// handle lock held.
func (e *Engine) readBBox(r *Raster, bbox orb.Bound, width, height int, bands []int, filter Resampling) (*PixelGrid, error) {
	native, err := e.reproj.ReprojectBound(bbox, Geographic, r.Georef.CRS)
	if err != nil {
		return nil, &TileReadError{Source: r.Source, Err: err}
	}
	win, err := r.Georef.WindowForBounds(native)
	if err != nil {
		return nil, &TileReadError{Source: r.Source, Err: err}
	}
	return r.Read(win, width, height, bands, filter)
}

func defaultBands(count int) []int {
	n := min(3, count)
	bands := make([]int, n)
	for i := range bands {
		bands[i] = i + 1
	}
	return bands
}
