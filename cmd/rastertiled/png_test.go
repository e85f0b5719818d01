package main

import (
	"bytes"
	"image"
	"image/png"
	"math"
	"testing"

	"github.com/tingold/rastertile"
)

func TestEncodePNGBlank(t *testing.T) {
	body, err := encodePNG(nil, 16, 8)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 8 {
		t.Errorf("Expected 16x8, got %v", img.Bounds())
	}
	if _, _, _, a := img.At(3, 3).RGBA(); a != 0xffff {
		t.Errorf("Expected an opaque tile, got alpha %d", a)
	}
}

func TestGridImage(t *testing.T) {
	gray := rastertile.NewPixelGrid(2, 1, []int{1}, rastertile.DTUInt16)
	copy(gray.Data, []float64{300, 7})
	if img, ok := gridImage(gray, 2, 1).(*image.Gray); !ok {
		t.Errorf("Expected a gray image for one band")
	} else if img.Pix[0] != 255 || img.Pix[1] != 7 {
		t.Errorf("Expected clipped samples [255 7], got %v", img.Pix)
	}

	rgb := rastertile.NewPixelGrid(1, 1, []int{1, 2, 3}, rastertile.DTFloat32)
	copy(rgb.Data, []float64{10, -4, math.NaN()})
	img, ok := gridImage(rgb, 1, 1).(*image.NRGBA)
	if !ok {
		t.Fatal("Expected an NRGBA image for three bands")
	}
	if c := img.NRGBAAt(0, 0); c.R != 10 || c.G != 0 || c.B != 0 || c.A != 255 {
		t.Errorf("Expected {10 0 0 255}, got %v", c)
	}

	ga := rastertile.NewPixelGrid(1, 1, []int{1, 2}, rastertile.DTByte)
	copy(ga.Data, []float64{90, 128})
	if c := gridImage(ga, 1, 1).(*image.NRGBA).NRGBAAt(0, 0); c.R != 90 || c.G != 90 || c.A != 128 {
		t.Errorf("Expected gray 90 with alpha 128, got %v", c)
	}
}
