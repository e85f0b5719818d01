package rastertile

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DriverName is reported by Describe for every raster.
const DriverName = "GTiff"

// Description is the metadata of an open raster.
type Description struct {
	Source       string            `json:"source"`
	Driver       string            `json:"driverName"`
	Size         [2]int            `json:"size"`
	CRS          string            `json:"crs"`
	GeoTransform GeoTransform      `json:"geoTransform"`
	Overviews    []int             `json:"overviews"`
	Bands        []BandDescription `json:"bands"`
}

// BandDescription is the per-band part of a Description.
type BandDescription struct {
	Index               int      `json:"index"`
	DataType            string   `json:"dataType"`
	NoData              *float64 `json:"noDataValue,omitempty"`
	ColorInterpretation string   `json:"colorInterpretation"`
	Description         string   `json:"description"`
}

// bandDescriptionJSON carries the nodata value as a JSON number, or as the
// strings "nan", "inf" and "-inf" which JSON numbers cannot express.
type bandDescriptionJSON struct {
	Index               int             `json:"index"`
	DataType            string          `json:"dataType"`
	NoData              json.RawMessage `json:"noDataValue,omitempty"`
	ColorInterpretation string          `json:"colorInterpretation"`
	Description         string          `json:"description"`
}

// MarshalJSON implements json.Marshaler.
func (b BandDescription) MarshalJSON() ([]byte, error) {
	out := bandDescriptionJSON{
		Index:               b.Index,
		DataType:            b.DataType,
		ColorInterpretation: b.ColorInterpretation,
		Description:         b.Description,
	}
	if b.NoData != nil {
		out.NoData = json.RawMessage(formatNoData(*b.NoData))
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *BandDescription) UnmarshalJSON(data []byte) error {
	var in bandDescriptionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*b = BandDescription{
		Index:               in.Index,
		DataType:            in.DataType,
		ColorInterpretation: in.ColorInterpretation,
		Description:         in.Description,
	}
	if len(in.NoData) == 0 || string(in.NoData) == "null" {
		return nil
	}
	raw := string(in.NoData)
	if s, err := strconv.Unquote(raw); err == nil {
		raw = s
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid nodata value %s: %w", in.NoData, err)
	}
	b.NoData = &v
	return nil
}

func formatNoData(v float64) string {
	switch {
	case math.IsNaN(v):
		return `"nan"`
	case math.IsInf(v, 1):
		return `"inf"`
	case math.IsInf(v, -1):
		return `"-inf"`
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Describe reports size, CRS, geotransform and per-band metadata.
func (e *Engine) Describe(id HandleID) (*Description, error) {
	h, err := e.acquire(id)
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()
	return describeRaster(h.raster), nil
}

func describeRaster(r *Raster) *Description {
	d := &Description{
		Source:       r.Source,
		Driver:       DriverName,
		Size:         [2]int{r.Width(), r.Height()},
		CRS:          r.Georef.CRS.WKT(),
		GeoTransform: r.Georef.Transform,
		Overviews:    r.OverviewFactors(),
	}

	names := bandDescriptions(r.metadata)
	info := r.base.info
	for b := 1; b <= info.Bands; b++ {
		desc := names[b]
		if desc == "" {
			desc = fmt.Sprintf("Band %d", b)
		}
		d.Bands = append(d.Bands, BandDescription{
			Index:               b,
			DataType:            info.DataType.String(),
			NoData:              info.NoData,
			ColorInterpretation: colorInterpretation(info, b),
			Description:         desc,
		})
	}
	return d
}

// colorInterpretation names band b (1-based) the way GDAL does for a TIFF
// with the given photometric interpretation and extra samples.
func colorInterpretation(info *imageInfo, b int) string {
	switch info.Photometric {
	case PhotometricRGB, PhotometricYCbCr:
		if b <= 3 {
			return [...]string{"Red", "Green", "Blue"}[b-1]
		}
	case PhotometricPalette:
		if b == 1 {
			return "Palette"
		}
	case PhotometricWhiteIsZero, PhotometricBlackIsZero:
		if b == 1 {
			return "Gray"
		}
	default:
		return "Undefined"
	}

	extra := b - colorSamples(info.Photometric) - 1
	if extra >= 0 && extra < len(info.ExtraSamples) {
		// 1 = associated alpha, 2 = unassociated alpha
		if s := info.ExtraSamples[extra]; s == 1 || s == 2 {
			return "Alpha"
		}
	}
	return "Undefined"
}

type gdalMetadata struct {
	Items []struct {
		Name   string `xml:"name,attr"`
		Sample *int   `xml:"sample,attr"`
		Role   string `xml:"role,attr"`
		Value  string `xml:",chardata"`
	} `xml:"Item"`
}

// bandDescriptions extracts per-band descriptions (keyed by 1-based band)
// from a GDAL_METADATA document. Malformed documents yield none.
func bandDescriptions(doc string) map[int]string {
	out := make(map[int]string)
	if strings.TrimSpace(doc) == "" {
		return out
	}
	var md gdalMetadata
	if err := xml.Unmarshal([]byte(doc), &md); err != nil {
		return out
	}
	for _, item := range md.Items {
		if item.Sample == nil || !strings.EqualFold(item.Role, "description") {
			continue
		}
		if v := strings.TrimSpace(item.Value); v != "" {
			out[*item.Sample+1] = v
		}
	}
	return out
}
