package rastertile

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb/maptile"
)

// Sentinel errors. Typed errors below unwrap to one of these plus their cause,
// so callers can match with errors.Is regardless of the underlying failure.
var (
	ErrRasterOpen          = errors.New("raster open failure")
	ErrDegenerateTransform = errors.New("degenerate geotransform")
	ErrUnsupportedCRS      = errors.New("unsupported CRS")
	ErrReprojection        = errors.New("reprojection failure")
	ErrTileRead            = errors.New("tile read failure")
	ErrInvalidHandle       = errors.New("invalid raster handle")
	ErrInvalidBandIndex    = errors.New("invalid band index")
	ErrInvalidTileAddress  = errors.New("invalid tile address")
)

// OpenError is returned when a raster source cannot be opened.
type OpenError struct {
	Source string
	Err    error
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open raster %s: %v", e.Source, e.Err)
}

// Unwrap returns ErrRasterOpen and the underlying cause.
func (e *OpenError) Unwrap() []error {
	return []error{ErrRasterOpen, e.Err}
}

// TileReadError carries the request coordinates of a failed read.
type TileReadError struct {
	Source string
	Window Window
	Tile   *maptile.Tile // nil when the request was a bounding box
	Err    error
}

// Error implements the error interface.
func (e *TileReadError) Error() string {
	if e.Tile != nil {
		return fmt.Sprintf("tile read failure for %s at tile %d/%d/%d (window %v): %v",
			e.Source, e.Tile.Z, e.Tile.X, e.Tile.Y, e.Window, e.Err)
	}
	return fmt.Sprintf("tile read failure for %s at window %v: %v", e.Source, e.Window, e.Err)
}

// Unwrap returns ErrTileRead and the underlying cause.
func (e *TileReadError) Unwrap() []error {
	return []error{ErrTileRead, e.Err}
}

// ReprojectionError reports the point that could not be transformed.
type ReprojectionError struct {
	X, Y     float64
	From, To string
	Err      error
}

// Error implements the error interface.
func (e *ReprojectionError) Error() string {
	msg := fmt.Sprintf("cannot reproject (%g, %g) from %s to %s", e.X, e.Y, e.From, e.To)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns ErrReprojection and the underlying cause, if any.
func (e *ReprojectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrReprojection}
	}
	return []error{ErrReprojection, e.Err}
}

func bandIndexError(band, count int) error {
	return fmt.Errorf("band %d outside 1..%d: %w", band, count, ErrInvalidBandIndex)
}
