package rastertile

import (
	"math"
)

// PixelGrid is a band-major block of samples: Width*Height values for each
// entry of Bands, in that order. Samples are float64 values already quantized
// to DataType.
type PixelGrid struct {
	Width    int
	Height   int
	Bands    []int // 1-based source band indices
	DataType DataType
	NoData   *float64
	Data     []float64
}

// NewPixelGrid allocates a zero-filled grid.
func NewPixelGrid(width, height int, bands []int, dt DataType) *PixelGrid {
	b := make([]int, len(bands))
	copy(b, bands)
	return &PixelGrid{
		Width:    width,
		Height:   height,
		Bands:    b,
		DataType: dt,
		Data:     make([]float64, len(bands)*width*height),
	}
}

// Band returns the plane of the i-th grid band (not the source band index).
func (g *PixelGrid) Band(i int) []float64 {
	n := g.Width * g.Height
	return g.Data[i*n : (i+1)*n]
}

// At returns the sample of grid band i at (x, y), or 0 outside the grid.
func (g *PixelGrid) At(i, x, y int) float64 {
	if i < 0 || i >= len(g.Bands) || x < 0 || x >= g.Width || y < 0 || y >= g.Height {
		return 0
	}
	return g.Data[(i*g.Height+y)*g.Width+x]
}

// Set stores v at (x, y) of grid band i; out of range writes are ignored.
func (g *PixelGrid) Set(i, x, y int, v float64) {
	if i < 0 || i >= len(g.Bands) || x < 0 || x >= g.Width || y < 0 || y >= g.Height {
		return
	}
	g.Data[(i*g.Height+y)*g.Width+x] = v
}

// valid reports whether v is a real sample: not NaN and not the nodata value.
func valid(v float64, nodata *float64) bool {
	if math.IsNaN(v) {
		return false
	}
	return nodata == nil || v != *nodata
}

// ClipToByte returns a Byte copy of g with samples rounded and clamped to
// 0..255. NaN becomes 0.
func (g *PixelGrid) ClipToByte() *PixelGrid {
	out := NewPixelGrid(g.Width, g.Height, g.Bands, DTByte)
	for i, v := range g.Data {
		out.Data[i] = DTByte.Quantize(v)
	}
	return out
}

// Normalize stretches every band to 0..255 and returns a Byte grid. A band
// with an entry in stats uses that global range; otherwise the range of the
// grid's own valid samples is used. Invalid samples, bands without any valid
// sample and constant bands map to 0.
func Normalize(g *PixelGrid, stats map[int]BandStats) *PixelGrid {
	out := NewPixelGrid(g.Width, g.Height, g.Bands, DTByte)
	for i, band := range g.Bands {
		src, dst := g.Band(i), out.Band(i)

		st, ok := stats[band]
		if !ok {
			st, ok = localStats(src, g.NoData)
			if !ok {
				continue
			}
		}
		span := st.Max - st.Min
		if span <= 0 {
			continue
		}
		for j, v := range src {
			if !valid(v, g.NoData) {
				continue
			}
			dst[j] = DTByte.Quantize((v - st.Min) / span * 255)
		}
	}
	return out
}

// localStats is the min/max of the valid samples of one plane.
func localStats(plane []float64, nodata *float64) (BandStats, bool) {
	st := BandStats{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, v := range plane {
		if !valid(v, nodata) {
			continue
		}
		st.Count++
		st.Min = math.Min(st.Min, v)
		st.Max = math.Max(st.Max, v)
	}
	return st, st.Count > 0
}
