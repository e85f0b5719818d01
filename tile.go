package rastertile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest zoom level accepted by TileAddress.Validate.
const MaxZoom = 30

// TileAddress identifies one cell of the web tiling scheme.
type TileAddress struct {
	Z, X, Y int
}

// Validate checks that z is within [0, MaxZoom] and x, y within [0, 2^z).
func (t TileAddress) Validate() error {
	if t.Z < 0 || t.Z > MaxZoom {
		return fmt.Errorf("zoom %d outside 0..%d: %w", t.Z, MaxZoom, ErrInvalidTileAddress)
	}
	n := 1 << uint(t.Z)
	if t.X < 0 || t.X >= n || t.Y < 0 || t.Y >= n {
		return fmt.Errorf("tile %d/%d/%d outside the %dx%d grid: %w", t.Z, t.X, t.Y, n, n, ErrInvalidTileAddress)
	}
	return nil
}

// Tile returns the address as an orb maptile.
func (t TileAddress) Tile() maptile.Tile {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z))
}

func (t TileAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// TileToBBox returns the longitude/latitude box of tile (x, y, z). Longitudes
// split the world evenly; latitudes follow the inverse Mercator relation at
// rows y (north edge) and y+1 (south edge). Inputs are not validated.
func TileToBBox(x, y, z int) orb.Bound {
	return orb.Bound{
		Min: orb.Point{tileLon(x, z), tileLat(y+1, z)},
		Max: orb.Point{tileLon(x+1, z), tileLat(y, z)},
	}
}

func tileLon(x, z int) float64 {
	return float64(x)/math.Exp2(float64(z))*360 - 180
}

// tileLat is the inverse Mercator latitude of tile row y at zoom z.
func tileLat(y, z int) float64 {
	n := math.Exp2(float64(z))
	return math.Atan(math.Sinh(math.Pi*(1-2*float64(y)/n))) * 180 / math.Pi
}

// CenterBBox returns a square box of side size degrees centred on b.
func CenterBBox(b orb.Bound, size float64) orb.Bound {
	c := b.Center()
	h := size / 2
	return orb.Bound{Min: orb.Point{c[0] - h, c[1] - h}, Max: orb.Point{c[0] + h, c[1] + h}}
}
