package rastertile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// GeoTransform maps pixel (col, row) to native coordinates:
//
//	x = gt[0] + col*gt[1] + row*gt[2]
//	y = gt[3] + col*gt[4] + row*gt[5]
type GeoTransform [6]float64

// Apply maps a pixel coordinate to native coordinates.
func (gt GeoTransform) Apply(col, row float64) (x, y float64) {
	return gt[0] + col*gt[1] + row*gt[2], gt[3] + col*gt[4] + row*gt[5]
}

// Invert returns the transform mapping native coordinates back to pixels.
func (gt GeoTransform) Invert() (GeoTransform, error) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return GeoTransform{}, fmt.Errorf("geotransform %v has determinant %g: %w", gt, det, ErrDegenerateTransform)
	}
	inv := 1 / det
	return GeoTransform{
		(gt[2]*gt[3] - gt[0]*gt[5]) * inv,
		gt[5] * inv,
		-gt[2] * inv,
		(gt[0]*gt[4] - gt[1]*gt[3]) * inv,
		-gt[4] * inv,
		gt[1] * inv,
	}, nil
}

// Window is a rectangle in raster pixel space.
type Window struct {
	X      int // X coordinate of top-left corner
	Y      int // Y coordinate of top-left corner
	Width  int // Width in pixels
	Height int // Height in pixels
}

// Empty reports whether the window covers no pixels.
func (w Window) Empty() bool {
	return w.Width <= 0 || w.Height <= 0
}

func (w Window) String() string {
	return fmt.Sprintf("[%d,%d %dx%d]", w.X, w.Y, w.Width, w.Height)
}

// Georeference ties a raster's pixel grid to its native CRS.
type Georeference struct {
	Transform     GeoTransform
	CRS           *SpatialRef
	Width, Height int

	inverse GeoTransform
	invErr  error
}

// NewGeoreference precomputes the inverse transform. A degenerate transform is
// not an error here; it surfaces from NativeToPixel.
func NewGeoreference(gt GeoTransform, crs *SpatialRef, width, height int) *Georeference {
	g := &Georeference{Transform: gt, CRS: crs, Width: width, Height: height}
	g.inverse, g.invErr = gt.Invert()
	return g
}

// PixelToNative applies the affine map.
func (g *Georeference) PixelToNative(col, row float64) (x, y float64) {
	return g.Transform.Apply(col, row)
}

// NativeToPixel applies the inverse affine map.
func (g *Georeference) NativeToPixel(x, y float64) (col, row float64, err error) {
	if g.invErr != nil {
		return 0, 0, g.invErr
	}
	col, row = g.inverse.Apply(x, y)
	return col, row, nil
}

// Corners returns the native coordinates of the pixel corners (0,0), (w,0),
// (w,h) and (0,h).
func (g *Georeference) Corners() [4]orb.Point {
	w, h := float64(g.Width), float64(g.Height)
	var pts [4]orb.Point
	for i, p := range [4][2]float64{{0, 0}, {w, 0}, {w, h}, {0, h}} {
		x, y := g.PixelToNative(p[0], p[1])
		pts[i] = orb.Point{x, y}
	}
	return pts
}

// BoundsInGeographic reprojects the four corners into the tiling-scheme
// geographic CRS and returns their envelope.
func (g *Georeference) BoundsInGeographic(rp *Reprojector) (orb.Bound, error) {
	ring, err := g.FootprintInGeographic(rp)
	if err != nil {
		return orb.Bound{}, err
	}
	return ring.Bound(), nil
}

// FootprintInGeographic returns the closed ring of reprojected corners.
func (g *Georeference) FootprintInGeographic(rp *Reprojector) (orb.Ring, error) {
	ring := make(orb.Ring, 0, 5)
	for _, c := range g.Corners() {
		p, err := rp.Reproject(c, g.CRS, Geographic)
		if err != nil {
			return nil, err
		}
		ring = append(ring, p)
	}
	return append(ring, ring[0]), nil
}

// WindowForBounds maps a native-CRS box to a pixel window: the box corners go
// through the inverse transform, the result is widened to whole pixels and
// clamped to the raster. A box outside the raster yields an empty window.
func (g *Georeference) WindowForBounds(b orb.Bound) (Window, error) {
	minCol, minRow := math.Inf(1), math.Inf(1)
	maxCol, maxRow := math.Inf(-1), math.Inf(-1)
	for _, p := range [4]orb.Point{b.Min, {b.Max[0], b.Min[1]}, b.Max, {b.Min[0], b.Max[1]}} {
		col, row, err := g.NativeToPixel(p[0], p[1])
		if err != nil {
			return Window{}, err
		}
		minCol, maxCol = math.Min(minCol, col), math.Max(maxCol, col)
		minRow, maxRow = math.Min(minRow, row), math.Max(maxRow, row)
	}

	x0 := pixelEdge(math.Floor(minCol+pixelEpsilon), g.Width)
	x1 := pixelEdge(math.Ceil(maxCol-pixelEpsilon), g.Width)
	y0 := pixelEdge(math.Floor(minRow+pixelEpsilon), g.Height)
	y1 := pixelEdge(math.Ceil(maxRow-pixelEpsilon), g.Height)
	if x1 < x0 {
		x1 = x0
	}
	if y1 < y0 {
		y1 = y0
	}
	return Window{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}, nil
}

// pixelEpsilon absorbs rounding noise on box edges that fall on pixel edges.
const pixelEpsilon = 1e-9

// pixelEdge clamps v to [0, limit] before converting, so very large or
// infinite coordinates never reach the int conversion.
func pixelEdge(v float64, limit int) int {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= float64(limit) {
		return limit
	}
	return int(v)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
