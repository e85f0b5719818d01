package rastertile

import (
	"math"
	"testing"
)

func TestPixelGridAccessors(t *testing.T) {
	g := NewPixelGrid(3, 2, []int{2, 1}, DTUInt16)
	g.Set(1, 2, 1, 42)
	g.Set(1, 3, 1, 99) // ignored

	if got := g.At(1, 2, 1); got != 42 {
		t.Errorf("Expected 42, got %v", got)
	}
	if got := g.Band(1)[5]; got != 42 {
		t.Errorf("Expected 42 at the end of band plane 1, got %v", got)
	}
	if got := g.At(0, -1, 0); got != 0 {
		t.Errorf("Expected 0 outside the grid, got %v", got)
	}
	if len(g.Data) != 12 {
		t.Errorf("Expected 12 samples, got %d", len(g.Data))
	}
}

func TestClipToByte(t *testing.T) {
	g := NewPixelGrid(4, 1, []int{1}, DTFloat32)
	copy(g.Data, []float64{-5, 12.6, 300, math.NaN()})

	out := g.ClipToByte()
	want := []float64{0, 13, 255, 0}
	for i, w := range want {
		if out.Data[i] != w {
			t.Errorf("At %d: expected %v, got %v", i, w, out.Data[i])
		}
	}
	if out.DataType != DTByte {
		t.Errorf("Expected Byte, got %s", out.DataType)
	}
}

func TestNormalize(t *testing.T) {
	g := NewPixelGrid(3, 1, []int{1, 2, 3}, DTUInt16)
	g.NoData = float64p(0)
	copy(g.Band(0), []float64{100, 150, 200})
	copy(g.Band(1), []float64{100, 150, 200})
	copy(g.Band(2), []float64{7, 7, 0})

	// Band 1 uses the global range, band 2 falls back to its own.
	out := Normalize(g, map[int]BandStats{1: {Min: 0, Max: 1000}})

	tests := []struct {
		band int
		want []float64
	}{
		{0, []float64{26, 38, 51}},
		{1, []float64{0, 128, 255}},
		{2, []float64{0, 0, 0}},
	}
	for _, tt := range tests {
		for x, w := range tt.want {
			if got := out.At(tt.band, x, 0); got != w {
				t.Errorf("Band %d at %d: expected %v, got %v", tt.band, x, w, got)
			}
		}
	}
}

func TestNormalizeKeepsNoDataDark(t *testing.T) {
	g := NewPixelGrid(3, 1, []int{1}, DTFloat32)
	copy(g.Data, []float64{math.NaN(), 10, 20})

	out := Normalize(g, map[int]BandStats{1: {Min: 10, Max: 20}})
	if out.Data[0] != 0 || out.Data[1] != 0 || out.Data[2] != 255 {
		t.Errorf("Expected [0 0 255], got %v", out.Data)
	}
}
