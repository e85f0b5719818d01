package rastertile

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/ctessum/geom/proj"
	"github.com/paulmach/orb"
)

const (
	wgs84Proj4   = "+proj=longlat +datum=WGS84 +no_defs"
	webMercProj4 = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +no_defs"

	wgs84GeogCS = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433],AUTHORITY["EPSG","4326"]]`
)

// SpatialRef is a parsed coordinate reference system.
type SpatialRef struct {
	// Descriptor is the string the reference was created from.
	Descriptor string
	// Definition is the PROJ.4 or WKT text handed to the projection library.
	Definition string

	wkt string
	sr  *proj.SR
}

// Geographic is the tiling scheme's longitude/latitude system.
var Geographic = mustSpatialRef("EPSG:4326")

func mustSpatialRef(desc string) *SpatialRef {
	sr, err := ParseSpatialRef(desc)
	if err != nil {
		panic(err)
	}
	return sr
}

// ParseSpatialRef accepts "EPSG:<code>" for the codes in the built-in table,
// PROJ.4 strings and WKT.
func ParseSpatialRef(desc string) (*SpatialRef, error) {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return nil, fmt.Errorf("empty CRS descriptor: %w", ErrUnsupportedCRS)
	}

	s := &SpatialRef{Descriptor: desc, Definition: desc}
	if upper := strings.ToUpper(desc); strings.HasPrefix(upper, "EPSG:") {
		code, err := strconv.Atoi(strings.TrimSpace(desc[5:]))
		if err != nil {
			return nil, fmt.Errorf("invalid EPSG descriptor %q: %w", desc, ErrUnsupportedCRS)
		}
		def, wkt, ok := epsgDefinition(code)
		if !ok {
			return nil, fmt.Errorf("EPSG:%d is not in the built-in table: %w", code, ErrUnsupportedCRS)
		}
		s.Definition, s.wkt = def, wkt
	} else if strings.Contains(desc, "[") {
		s.wkt = desc
	}

	sr, err := proj.Parse(s.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRS %q: %v: %w", desc, err, ErrUnsupportedCRS)
	}
	s.sr = sr
	return s, nil
}

// String returns the descriptor.
func (s *SpatialRef) String() string {
	return s.Descriptor
}

// WKT returns a well-known-text rendering when one is known, otherwise the
// PROJ.4 definition.
func (s *SpatialRef) WKT() string {
	if s.wkt != "" {
		return s.wkt
	}
	return s.Definition
}

// Same reports whether both references share a definition, in which case
// coordinates pass through unchanged.
func (s *SpatialRef) Same(o *SpatialRef) bool {
	return s == o || (s != nil && o != nil && s.Definition == o.Definition)
}

func epsgDefinition(code int) (def, wkt string, ok bool) {
	switch {
	case code == 4326:
		return wgs84Proj4, wgs84GeogCS, true
	case code == 4269:
		return "+proj=longlat +datum=NAD83 +no_defs", "", true
	case code == 4258:
		return "+proj=longlat +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +no_defs", "", true
	case code == 3857 || code == 900913 || code == 3785 || code == 102100:
		return webMercProj4, `PROJCS["WGS 84 / Pseudo-Mercator",` + wgs84GeogCS +
			`,PROJECTION["Mercator_1SP"],PARAMETER["central_meridian",0],PARAMETER["scale_factor",1],` +
			`PARAMETER["false_easting",0],PARAMETER["false_northing",0],UNIT["metre",1],AUTHORITY["EPSG","3857"]]`, true
	case code > 32600 && code <= 32660:
		return utmDefinition(code-32600, false, "+datum=WGS84"), utmWKT(code, code-32600, false), true
	case code > 32700 && code <= 32760:
		return utmDefinition(code-32700, true, "+datum=WGS84"), utmWKT(code, code-32700, true), true
	case code > 25800 && code <= 25860:
		return utmDefinition(code-25800, false, "+ellps=GRS80 +towgs84=0,0,0,0,0,0,0"), "", true
	}
	return "", "", false
}

func utmDefinition(zone int, south bool, datum string) string {
	def := fmt.Sprintf("+proj=utm +zone=%d", zone)
	if south {
		def += " +south"
	}
	return def + " " + datum + " +units=m +no_defs"
}

func utmWKT(code, zone int, south bool) string {
	hemi, northing := "N", 0
	if south {
		hemi, northing = "S", 10000000
	}
	return fmt.Sprintf(`PROJCS["WGS 84 / UTM zone %d%s",%s,PROJECTION["Transverse_Mercator"],`+
		`PARAMETER["latitude_of_origin",0],PARAMETER["central_meridian",%d],PARAMETER["scale_factor",0.9996],`+
		`PARAMETER["false_easting",500000],PARAMETER["false_northing",%d],UNIT["metre",1],AUTHORITY["EPSG","%d"]]`,
		zone, hemi, wgs84GeogCS, zone*6-183, northing, code)
}

// Reprojector transforms points between spatial references, caching one
// transformer per (from, to) pair.
type Reprojector struct {
	mu    sync.RWMutex
	cache map[[2]string]proj.Transformer
}

// NewReprojector returns an empty reprojector.
func NewReprojector() *Reprojector {
	return &Reprojector{cache: make(map[[2]string]proj.Transformer)}
}

func (r *Reprojector) transformer(from, to *SpatialRef) (proj.Transformer, error) {
	key := [2]string{from.Definition, to.Definition}

	r.mu.RLock()
	t, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := from.sr.NewTransform(to.sr)
	if err != nil {
		return nil, fmt.Errorf("failed to build transform from %s to %s: %v: %w", from, to, err, ErrUnsupportedCRS)
	}

	r.mu.Lock()
	r.cache[key] = t
	r.mu.Unlock()
	return t, nil
}

// Reproject transforms p from one reference to another.
func (r *Reprojector) Reproject(p orb.Point, from, to *SpatialRef) (orb.Point, error) {
	if from.Same(to) {
		return p, nil
	}
	t, err := r.transformer(from, to)
	if err != nil {
		return orb.Point{}, err
	}
	x, y, err := t(p[0], p[1])
	if err != nil {
		return orb.Point{}, &ReprojectionError{X: p[0], Y: p[1], From: from.String(), To: to.String(), Err: err}
	}
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return orb.Point{}, &ReprojectionError{X: p[0], Y: p[1], From: from.String(), To: to.String()}
	}
	return orb.Point{x, y}, nil
}

// MaxMercatorLatitude is the latitude at which the web Mercator square ends.
const MaxMercatorLatitude = 85.0511287798066

func (s *SpatialRef) geographic() bool {
	return strings.Contains(s.Definition, "+proj=longlat") || strings.HasPrefix(s.Definition, "GEOGCS[")
}

func (s *SpatialRef) mercator() bool {
	return strings.Contains(s.Definition, "+proj=merc") || strings.Contains(s.Definition, `PROJECTION["Mercator`)
}

// ReprojectBound transforms the corners and edge midpoints of b and returns
// their envelope. Latitudes of a geographic box are clamped to
// ±MaxMercatorLatitude when the target is Mercator, whose poles lie at
// infinity.
func (r *Reprojector) ReprojectBound(b orb.Bound, from, to *SpatialRef) (orb.Bound, error) {
	if from.Same(to) {
		return b, nil
	}
	if from.geographic() && to.mercator() {
		b.Min[1] = min(max(b.Min[1], -MaxMercatorLatitude), MaxMercatorLatitude)
		b.Max[1] = min(max(b.Max[1], -MaxMercatorLatitude), MaxMercatorLatitude)
	}
	midX, midY := (b.Min[0]+b.Max[0])/2, (b.Min[1]+b.Max[1])/2
	samples := []orb.Point{
		b.Min, {midX, b.Min[1]}, {b.Max[0], b.Min[1]}, {b.Max[0], midY},
		b.Max, {midX, b.Max[1]}, {b.Min[0], b.Max[1]}, {b.Min[0], midY},
	}

	var out orb.Bound
	for i, p := range samples {
		q, err := r.Reproject(p, from, to)
		if err != nil {
			return orb.Bound{}, err
		}
		if i == 0 {
			out = orb.Bound{Min: q, Max: q}
			continue
		}
		out = out.Extend(q)
	}
	return out, nil
}
