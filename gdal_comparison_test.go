package rastertile

import (
	"bytes"
	"encoding/json"
	"math"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// gdalInfo is the subset of `gdalinfo -json` output compared against Describe.
type gdalInfo struct {
	Size         [2]int     `json:"size"`
	GeoTransform [6]float64 `json:"geoTransform"`
	Bands        []struct {
		Band                int    `json:"band"`
		Type                string `json:"type"`
		ColorInterpretation string `json:"colorInterpretation"`
		Description         string `json:"description"`
		Overviews           []struct {
			Size [2]int `json:"size"`
		} `json:"overviews"`
	} `json:"bands"`
}

func runGDALInfo(t testing.TB, path string) *gdalInfo {
	t.Helper()
	cmd := exec.Command("gdalinfo", "-json", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("gdalinfo failed: %v\nStderr: %s", err, stderr.String())
	}
	var info gdalInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("Failed to parse gdalinfo output: %v", err)
	}
	return &info
}

// TestCompareGDALInfo checks Describe and the overview sidecar against GDAL's
// own reading of the same files.
func TestCompareGDALInfo(t *testing.T) {
	if _, err := exec.LookPath("gdalinfo"); err != nil {
		t.Skipf("gdalinfo not found in PATH, skipping comparison test")
	}

	tests := []struct {
		name string
		tr   testRaster
	}{
		{"rgb", testRaster{Width: 300, Height: 200, Bands: 3, Compression: CompressionDeflate, Transform: &GeoTransform{10, 0.01, 0, 50, 0, -0.01}, EPSG: 4326, Value: gradient}},
		{"int16", testRaster{
			Width:     123,
			Height:    77,
			Bands:     2,
			DataType:  DTInt16,
			NoData:    float64p(-1),
			Transform: &GeoTransform{500000, 30, 0, 4000000, 0, -30},
			EPSG:      32633,
			Extra:     []tiffEntry{asciiEntry(TagGDALMetadata, testGDALMetadata)},
			Value:     gradient,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.name+".tif")
			writeTestRaster(t, path, tt.tr)

			// Sidecars next to the source, where GDAL looks for them.
			e := newTestEngine(t, Options{OverviewFactors: []int{2, 4}})
			e.pyramids.Dir = ""
			start := time.Now()
			id, err := e.Open(path)
			if err != nil {
				t.Fatalf("Failed to open: %v", err)
			}
			d, err := e.Describe(id)
			if err != nil {
				t.Fatalf("Failed to describe: %v", err)
			}
			openDuration := time.Since(start)

			start = time.Now()
			info := runGDALInfo(t, path)
			gdalDuration := time.Since(start)
			t.Logf("rastertile open+describe: %v, gdalinfo: %v", openDuration, gdalDuration)

			if info.Size != d.Size {
				t.Errorf("Expected size %v, gdalinfo reports %v", d.Size, info.Size)
			}
			for i := range info.GeoTransform {
				if math.Abs(info.GeoTransform[i]-d.GeoTransform[i]) > 1e-9 {
					t.Errorf("Expected geotransform %v, gdalinfo reports %v", d.GeoTransform, info.GeoTransform)
					break
				}
			}
			if len(info.Bands) != len(d.Bands) {
				t.Fatalf("Expected %d bands, gdalinfo reports %d", len(d.Bands), len(info.Bands))
			}
			for i, gb := range info.Bands {
				ours := d.Bands[i]
				if gb.Type != ours.DataType || gb.ColorInterpretation != ours.ColorInterpretation {
					t.Errorf("Band %d: expected %s/%s, gdalinfo reports %s/%s",
						gb.Band, ours.DataType, ours.ColorInterpretation, gb.Type, gb.ColorInterpretation)
				}
				if gb.Description != "" && gb.Description != ours.Description {
					t.Errorf("Band %d: expected description %q, gdalinfo reports %q", gb.Band, ours.Description, gb.Description)
				}
				if len(gb.Overviews) != len(d.Overviews) {
					t.Errorf("Band %d: expected %d overviews, gdalinfo reports %d", gb.Band, len(d.Overviews), len(gb.Overviews))
					continue
				}
				for j, ov := range gb.Overviews {
					f := d.Overviews[j]
					want := [2]int{ceilDiv(d.Size[0], f), ceilDiv(d.Size[1], f)}
					if ov.Size != want {
						t.Errorf("Band %d overview %d: expected %v, gdalinfo reports %v", gb.Band, j, want, ov.Size)
					}
				}
			}
		})
	}
}

// BenchmarkDescribe benchmarks opening a raster with an existing pyramid and
// reading its description.
func BenchmarkDescribe(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.tif")
	writeTestRaster(b, path, benchSource(512, 512, 3, CompressionDeflate))
	e := NewEngine(Options{OverviewDir: b.TempDir(), PyramidPolicy: PyramidReuse})
	b.Cleanup(func() { e.Shutdown() })

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		id, err := e.Open(path)
		if err != nil {
			b.Fatalf("Failed to open: %v", err)
		}
		if _, err := e.Describe(id); err != nil {
			b.Fatalf("Failed to describe: %v", err)
		}
		e.Close(id)
	}
}

// BenchmarkGDALInfo benchmarks running gdalinfo on the same raster.
func BenchmarkGDALInfo(b *testing.B) {
	if _, err := exec.LookPath("gdalinfo"); err != nil {
		b.Skip("gdalinfo not found in PATH, skipping benchmark")
	}
	path := filepath.Join(b.TempDir(), "bench.tif")
	writeTestRaster(b, path, benchSource(512, 512, 3, CompressionDeflate))

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		cmd := exec.Command("gdalinfo", path)
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		if err := cmd.Run(); err != nil {
			b.Fatalf("gdalinfo failed: %v", err)
		}
	}
}
