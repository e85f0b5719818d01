package rastertile

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// PolygonFromBounds creates a polygon from a bounding box
func PolygonFromBounds(bound orb.Bound) orb.Polygon {
	if bound.IsEmpty() {
		return orb.Polygon{}
	}

	ring := orb.Ring{
		{bound.Min[0], bound.Min[1]}, // Bottom-left
		{bound.Max[0], bound.Min[1]}, // Bottom-right
		{bound.Max[0], bound.Max[1]}, // Top-right
		{bound.Min[0], bound.Max[1]}, // Top-left
		{bound.Min[0], bound.Min[1]}, // Close ring
	}

	return orb.Polygon{ring}
}

// FootprintCollection returns one GeoJSON feature per open raster: the
// reprojected corner polygon, with the handle and source as properties.
// Rasters whose corners cannot be reprojected are skipped.
func (e *Engine) FootprintCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, id := range e.Handles() {
		poly, err := e.Footprint(id)
		if err != nil {
			e.log.Warn("skipping footprint", "handle", id, "error", err)
			continue
		}
		source, err := e.Source(id)
		if err != nil {
			continue
		}

		f := geojson.NewFeature(poly)
		f.ID = string(id)
		f.Properties["handle"] = string(id)
		f.Properties["source"] = source
		f.BBox = geojson.NewBBox(poly.Bound())
		fc.Append(f)
	}
	return fc
}
