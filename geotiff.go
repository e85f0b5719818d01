package rastertile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// GeoTIFF tag IDs
const (
	TagModelPixelScale     = 33550
	TagModelTiepoint       = 33922
	TagModelTransformation = 34264
	TagGeoKeyDirectory     = 34735
	TagGeoDoubleParams     = 34736
	TagGeoAsciiParams      = 34737
)

// GeoKeys
const (
	GTModelTypeGeoKey     = 1024
	GTModelTypeProjected  = 1
	GTModelTypeGeographic = 2

	GTRasterTypeGeoKey       = 1025
	GTRasterTypePixelIsArea  = 1
	GTRasterTypePixelIsPoint = 2

	GTCitationGeoKey     = 1026
	GeographicTypeGeoKey = 2048
	GeogCitationGeoKey   = 2049

	ProjectedCSTypeGeoKey = 3072
	PCSCitationGeoKey     = 3073

	userDefinedGeoKey = 32767
)

// imageInfo describes the pixel layout of one image directory.
type imageInfo struct {
	Width, Height int
	Bands         int
	DataType      DataType
	Photometric   uint16
	Compression   uint16
	Predictor     uint16
	Tiled         bool
	BlockWidth    int
	BlockHeight   int
	ExtraSamples  []uint64
	NoData        *float64
	Reduced       bool
}

func readImageInfo(ifd *IFD) (*imageInfo, error) {
	info := &imageInfo{
		Width:       int(ifd.uintTag(TagImageWidth, 0)),
		Height:      int(ifd.uintTag(TagImageLength, 0)),
		Bands:       int(ifd.uintTag(TagSamplesPerPixel, 1)),
		Photometric: uint16(ifd.uintTag(TagPhotometricInterpretation, 1)),
		Compression: uint16(ifd.uintTag(TagCompression, CompressionNone)),
		Predictor:   uint16(ifd.uintTag(TagPredictor, PredictorNone)),
		Reduced:     ifd.uintTag(TagNewSubfileType, 0)&1 == 1,
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %dx%d", info.Width, info.Height)
	}
	if info.Bands <= 0 {
		return nil, fmt.Errorf("invalid samples per pixel: %d", info.Bands)
	}
	if planar := ifd.uintTag(TagPlanarConfiguration, 1); planar != 1 {
		return nil, fmt.Errorf("planar configuration %d is not supported", planar)
	}

	dt, err := dataTypeFromTIFF(ifd.uintTag(TagBitsPerSample, 1), ifd.uintTag(TagSampleFormat, 1))
	if err != nil {
		return nil, err
	}
	info.DataType = dt

	if ifd.Tags[TagTileOffsets] != nil {
		info.Tiled = true
		info.BlockWidth = int(ifd.uintTag(TagTileWidth, 256))
		info.BlockHeight = int(ifd.uintTag(TagTileLength, 256))
	} else if ifd.Tags[TagStripOffsets] != nil {
		info.BlockWidth = info.Width
		info.BlockHeight = int(ifd.uintTag(TagRowsPerStrip, uint64(info.Height)))
		if info.BlockHeight > info.Height {
			info.BlockHeight = info.Height
		}
	} else {
		return nil, fmt.Errorf("image is neither tiled nor stripped")
	}
	if info.BlockWidth <= 0 || info.BlockHeight <= 0 {
		return nil, fmt.Errorf("invalid block size %dx%d", info.BlockWidth, info.BlockHeight)
	}

	if tag := ifd.Tags[TagExtraSamples]; tag != nil {
		info.ExtraSamples = tag.Uints()
	}
	if tag := ifd.Tags[TagGDALNoData]; tag != nil {
		s := strings.TrimSpace(tag.ASCII())
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			info.NoData = &v
		}
	}
	return info, nil
}

// TiePoint represents a georeferencing tie point
type TiePoint struct {
	PixelX, PixelY, PixelZ float64
	GeoX, GeoY, GeoZ       float64
}

// GeoTIFFMetadata holds the georeferencing tags of the first image.
type GeoTIFFMetadata struct {
	PixelScale      [3]float64
	TiePoints       []TiePoint
	Transformation  [16]float64
	GeoKeys         map[uint16]interface{}
	GeoDoubleParams []float64
	GeoAsciiParams  string

	hasTransformation bool
}

func readGeoTIFFMetadata(ifd *IFD) (*GeoTIFFMetadata, error) {
	m := &GeoTIFFMetadata{GeoKeys: make(map[uint16]interface{})}

	if tag := ifd.Tags[TagModelPixelScale]; tag != nil {
		copy(m.PixelScale[:], tag.Floats())
	}
	if tag := ifd.Tags[TagModelTiepoint]; tag != nil {
		m.TiePoints = parseTiePoints(tag.Floats())
	}
	if tag := ifd.Tags[TagModelTransformation]; tag != nil {
		if vals := tag.Floats(); len(vals) >= 16 {
			copy(m.Transformation[:], vals[:16])
			m.hasTransformation = true
		}
	}
	if tag := ifd.Tags[TagGeoDoubleParams]; tag != nil {
		m.GeoDoubleParams = tag.Floats()
	}
	if tag := ifd.Tags[TagGeoAsciiParams]; tag != nil {
		m.GeoAsciiParams = tag.ASCII()
	}
	if err := m.readGeoKeys(ifd); err != nil {
		return nil, fmt.Errorf("failed to read GeoKeys: %w", err)
	}
	return m, nil
}

func parseTiePoints(values []float64) []TiePoint {
	tiePoints := make([]TiePoint, 0, len(values)/6)
	for i := 0; i+5 < len(values); i += 6 {
		tiePoints = append(tiePoints, TiePoint{
			PixelX: values[i],
			PixelY: values[i+1],
			PixelZ: values[i+2],
			GeoX:   values[i+3],
			GeoY:   values[i+4],
			GeoZ:   values[i+5],
		})
	}
	return tiePoints
}

// readGeoKeys decodes the key directory: a 4-value header followed by
// (keyID, location, count, value-or-offset) quadruples.
func (m *GeoTIFFMetadata) readGeoKeys(ifd *IFD) error {
	tag := ifd.Tags[TagGeoKeyDirectory]
	if tag == nil {
		return nil
	}
	dir := tag.Uints()
	if len(dir) < 4 {
		return fmt.Errorf("GeoKeyDirectory too short")
	}

	numKeys := int(dir[3])
	for i := 0; i < numKeys && 4+i*4+3 < len(dir); i++ {
		e := dir[4+i*4 : 8+i*4]
		keyID, location, count, value := uint16(e[0]), e[1], int(e[2]), int(e[3])

		switch location {
		case 0:
			m.GeoKeys[keyID] = uint16(value)
		case TagGeoDoubleParams:
			if value+count <= len(m.GeoDoubleParams) {
				if count == 1 {
					m.GeoKeys[keyID] = m.GeoDoubleParams[value]
				} else {
					m.GeoKeys[keyID] = m.GeoDoubleParams[value : value+count]
				}
			}
		case TagGeoAsciiParams:
			if value < len(m.GeoAsciiParams) {
				end := value + count
				if end > len(m.GeoAsciiParams) {
					end = len(m.GeoAsciiParams)
				}
				m.GeoKeys[keyID] = strings.TrimRight(m.GeoAsciiParams[value:end], "|\x00")
			}
		}
	}
	return nil
}

func (m *GeoTIFFMetadata) keyCode(id uint16) (uint16, bool) {
	v, ok := m.GeoKeys[id].(uint16)
	return v, ok && v != 0
}

// CRSDescriptor returns an "EPSG:<code>" descriptor derived from the GeoKeys,
// or "" when the keys do not name a code.
func (m *GeoTIFFMetadata) CRSDescriptor() string {
	if code, ok := m.keyCode(ProjectedCSTypeGeoKey); ok && code != userDefinedGeoKey {
		return fmt.Sprintf("EPSG:%d", code)
	}
	if code, ok := m.keyCode(GeographicTypeGeoKey); ok && code != userDefinedGeoKey {
		return fmt.Sprintf("EPSG:%d", code)
	}
	if model, ok := m.keyCode(GTModelTypeGeoKey); ok && model == GTModelTypeGeographic {
		return "EPSG:4326"
	}
	return ""
}

// GeoTransform derives the affine transform from ModelTransformation or from
// the first tie point and the pixel scale. PixelIsPoint rasters are shifted by
// half a pixel so the transform addresses pixel corners.
func (m *GeoTIFFMetadata) GeoTransform() (GeoTransform, bool) {
	var gt GeoTransform
	switch {
	case m.hasTransformation:
		t := m.Transformation
		gt = GeoTransform{t[3], t[0], t[1], t[7], t[4], t[5]}
	case len(m.TiePoints) > 0 && m.PixelScale[0] != 0:
		tp := m.TiePoints[0]
		sx, sy := m.PixelScale[0], m.PixelScale[1]
		gt = GeoTransform{tp.GeoX - tp.PixelX*sx, sx, 0, tp.GeoY + tp.PixelY*sy, 0, -sy}
	default:
		return GeoTransform{}, false
	}

	if rt, ok := m.keyCode(GTRasterTypeGeoKey); ok && rt == GTRasterTypePixelIsPoint {
		gt[0] -= 0.5*gt[1] + 0.5*gt[2]
		gt[3] -= 0.5*gt[4] + 0.5*gt[5]
	}
	return gt, true
}

// readWorldFile looks for an ESRI world file next to path (.tfw, .tifw, .wld).
// The file stores the center of the upper-left pixel, so the origin is moved
// back by half a pixel.
func readWorldFile(path string) (GeoTransform, bool, error) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for _, cand := range []string{base + ".tfw", base + ".tifw", base + ".wld", path + ".tfw"} {
		f, err := os.Open(cand)
		if err != nil {
			continue
		}
		defer f.Close()

		var vals []float64
		sc := bufio.NewScanner(f)
		for sc.Scan() && len(vals) < 6 {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			v, err := strconv.ParseFloat(line, 64)
			if err != nil {
				return GeoTransform{}, false, fmt.Errorf("failed to parse world file %s: %w", cand, err)
			}
			vals = append(vals, v)
		}
		if err := sc.Err(); err != nil {
			return GeoTransform{}, false, fmt.Errorf("failed to read world file %s: %w", cand, err)
		}
		if len(vals) < 6 {
			return GeoTransform{}, false, fmt.Errorf("world file %s has %d values, expected 6", cand, len(vals))
		}
		a, d, b, e, c, y := vals[0], vals[1], vals[2], vals[3], vals[4], vals[5]
		return GeoTransform{c - a/2 - b/2, a, b, y - d/2 - e/2, d, e}, true, nil
	}
	return GeoTransform{}, false, nil
}

// readPrjFile returns the WKT stored in a .prj sidecar, if present.
func readPrjFile(path string) (string, bool) {
	ext := filepath.Ext(path)
	for _, cand := range []string{strings.TrimSuffix(path, ext) + ".prj", path + ".prj"} {
		data, err := os.ReadFile(cand)
		if err == nil && len(strings.TrimSpace(string(data))) > 0 {
			return strings.TrimSpace(string(data)), true
		}
	}
	return "", false
}
