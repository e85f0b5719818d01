package rastertile

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// testRaster describes a synthetic stripped GeoTIFF.
type testRaster struct {
	Width, Height int
	Bands         int      // default 1
	DataType      DataType // default Byte
	NoData        *float64
	Transform     *GeoTransform // nil writes no model tags
	EPSG          int           // 0 writes no GeoKeyDirectory
	Compression   uint16        // default none
	RowsPerStrip  int           // default 16
	WhiteIsZero   bool
	Extra         []tiffEntry
	Value         func(band, x, y int) float64 // band is 1-based
}

func float64p(v float64) *float64 { return &v }

// writeTestRaster writes tr to path.
func writeTestRaster(t testing.TB, path string, tr testRaster) {
	t.Helper()

	if tr.Bands == 0 {
		tr.Bands = 1
	}
	if tr.DataType == DTUnknown {
		tr.DataType = DTByte
	}
	if tr.Compression == 0 {
		tr.Compression = CompressionNone
	}
	if tr.RowsPerStrip == 0 {
		tr.RowsPerStrip = 16
	}
	if tr.Value == nil {
		tr.Value = func(int, int, int) float64 { return 0 }
	}

	var data bytes.Buffer
	var counts []uint32
	for y0 := 0; y0 < tr.Height; y0 += tr.RowsPerStrip {
		rows := min(tr.RowsPerStrip, tr.Height-y0)
		samples := make([]float64, 0, tr.Width*rows*tr.Bands)
		for y := y0; y < y0+rows; y++ {
			for x := 0; x < tr.Width; x++ {
				for b := 1; b <= tr.Bands; b++ {
					samples = append(samples, tr.Value(b, x, y))
				}
			}
		}
		raw := make([]byte, len(samples)*tr.DataType.Size())
		encodeSamples(samples, tr.DataType, raw)
		if tr.Compression == CompressionDeflate {
			var err error
			if raw, err = deflateBlock(raw); err != nil {
				t.Fatalf("Failed to compress strip: %v", err)
			}
		}
		data.Write(raw)
		counts = append(counts, uint32(len(raw)))
	}

	photometric := uint16(PhotometricBlackIsZero)
	switch {
	case tr.WhiteIsZero:
		photometric = PhotometricWhiteIsZero
	case tr.Bands >= 3 && tr.DataType == DTByte:
		photometric = PhotometricRGB
	}
	layout := stripLayout{
		Width:        tr.Width,
		Height:       tr.Height,
		Bands:        tr.Bands,
		DataType:     tr.DataType,
		Compression:  tr.Compression,
		Photometric:  photometric,
		RowsPerStrip: tr.RowsPerStrip,
		NoData:       tr.NoData,
	}
	entries := layout.entries()

	if gt := tr.Transform; gt != nil {
		entries = append(entries,
			doubleEntry(TagModelPixelScale, gt[1], -gt[5], 0),
			doubleEntry(TagModelTiepoint, 0, 0, 0, gt[0], gt[3], 0),
		)
	}
	if tr.EPSG != 0 {
		keys := []uint16{1, 1, 0, 2}
		if tr.EPSG == 4326 || tr.EPSG == 4269 {
			keys = append(keys,
				GTModelTypeGeoKey, 0, 1, GTModelTypeGeographic,
				GeographicTypeGeoKey, 0, 1, uint16(tr.EPSG))
		} else {
			keys = append(keys,
				GTModelTypeGeoKey, 0, 1, GTModelTypeProjected,
				ProjectedCSTypeGeoKey, 0, 1, uint16(tr.EPSG))
		}
		entries = append(entries, shortEntry(TagGeoKeyDirectory, keys...))
	}
	entries = append(entries, tr.Extra...)

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	img := &tiffImage{entries: entries, stripCounts: counts, data: &data}
	if err := writeTIFF(f, []*tiffImage{img}); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

// openTestRaster writes tr into a temp dir and opens it without overviews.
func openTestRaster(t *testing.T, tr testRaster) *Raster {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.tif")
	writeTestRaster(t, path, tr)
	r, err := OpenRaster(path, nil)
	if err != nil {
		t.Fatalf("Failed to open raster: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// newTestEngine returns an engine whose sidecars go to a temp dir.
func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.OverviewDir == "" {
		opts.OverviewDir = t.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := NewEngine(opts)
	t.Cleanup(func() { e.Shutdown() })
	return e
}

// geographicTransform is origin (0,0) with 1 degree pixels, north up.
var geographicTransform = GeoTransform{0, 1, 0, 0, 0, -1}
