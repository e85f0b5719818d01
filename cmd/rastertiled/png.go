package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"

	"github.com/tingold/rastertile"
)

var pngEncoder = png.Encoder{CompressionLevel: png.BestSpeed}

// encodePNG clips grid to 0..255 and encodes it: one band as gray, two as
// gray plus alpha, three as RGB and four as RGBA. A nil grid becomes a black
// width x height RGB tile.
func encodePNG(grid *rastertile.PixelGrid, width, height int) ([]byte, error) {
	var buf bytes.Buffer
	if err := pngEncoder.Encode(&buf, gridImage(grid, width, height)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gridImage(grid *rastertile.PixelGrid, width, height int) image.Image {
	if grid == nil || len(grid.Bands) == 0 {
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		for i := 3; i < len(img.Pix); i += 4 {
			img.Pix[i] = 0xff
		}
		return img
	}

	g := grid.ClipToByte()
	rect := image.Rect(0, 0, g.Width, g.Height)
	if len(g.Bands) == 1 {
		img := image.NewGray(rect)
		for i, v := range g.Band(0) {
			img.Pix[i] = uint8(v)
		}
		return img
	}

	img := image.NewNRGBA(rect)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			var c color.NRGBA
			switch len(g.Bands) {
			case 2:
				v := uint8(g.At(0, x, y))
				c = color.NRGBA{R: v, G: v, B: v, A: uint8(g.At(1, x, y))}
			case 3:
				c = color.NRGBA{R: uint8(g.At(0, x, y)), G: uint8(g.At(1, x, y)), B: uint8(g.At(2, x, y)), A: 0xff}
			default:
				c = color.NRGBA{R: uint8(g.At(0, x, y)), G: uint8(g.At(1, x, y)), B: uint8(g.At(2, x, y)), A: uint8(g.At(3, x, y))}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}
