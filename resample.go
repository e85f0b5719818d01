package rastertile

import (
	"fmt"
	"math"
	"strings"
)

// Resampling selects the filter used to fit a source window into the output
// grid.
type Resampling int

const (
	Nearest Resampling = iota
	Bilinear
	Cubic
	Average
	Lanczos
	Mode
)

var resamplingNames = [...]string{"nearest", "bilinear", "cubic", "average", "lanczos", "mode"}

func (rs Resampling) String() string {
	if rs < 0 || int(rs) >= len(resamplingNames) {
		return fmt.Sprintf("Resampling(%d)", int(rs))
	}
	return resamplingNames[rs]
}

// ParseResampling maps a filter name, in any case, to a Resampling.
func ParseResampling(name string) (Resampling, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range resamplingNames {
		if s == n {
			return Resampling(i), nil
		}
	}
	return Nearest, fmt.Errorf("unknown resampling %q (valid: %s)", name, strings.Join(resamplingNames[:], ", "))
}

// support is the kernel radius in source pixels at scale 1.
func (rs Resampling) support() float64 {
	switch rs {
	case Bilinear:
		return 1
	case Cubic:
		return 2
	case Lanczos:
		return 3
	}
	return 0
}

func (rs Resampling) kernel() func(float64) float64 {
	switch rs {
	case Bilinear:
		return triangle
	case Cubic:
		return keysCubic
	case Lanczos:
		return lanczos3
	}
	return nil
}

func triangle(t float64) float64 {
	t = math.Abs(t)
	if t >= 1 {
		return 0
	}
	return 1 - t
}

// keysCubic is the Keys cubic convolution kernel with a = -0.5.
func keysCubic(t float64) float64 {
	const a = -0.5
	t = math.Abs(t)
	switch {
	case t <= 1:
		return ((a+2)*t-(a+3))*t*t + 1
	case t < 2:
		return ((a*t-5*a)*t+8*a)*t - 4*a
	}
	return 0
}

func lanczos3(t float64) float64 {
	const a = 3
	t = math.Abs(t)
	if t >= a {
		return 0
	}
	if t < 1e-12 {
		return 1
	}
	pt := math.Pi * t
	return a * math.Sin(pt) * math.Sin(pt/a) / (pt * pt)
}

// Read resamples the window win of the base image into an outW x outH grid of
// the given 1-based bands. The source level is the coarsest overview that
// still has at least outW x outH pixels under the window. A zero-area window
// yields a zero-filled grid.
func (r *Raster) Read(win Window, outW, outH int, bands []int, filter Resampling) (*PixelGrid, error) {
	fail := func(err error) (*PixelGrid, error) {
		return nil, &TileReadError{Source: r.Source, Window: win, Err: err}
	}
	if outW <= 0 || outH <= 0 {
		return fail(fmt.Errorf("invalid output size %dx%d", outW, outH))
	}
	if filter < Nearest || filter > Mode {
		return fail(fmt.Errorf("invalid resampling %d", int(filter)))
	}
	zeroBased := make([]int, len(bands))
	for i, b := range bands {
		if b < 1 || b > r.BandCount() {
			return fail(bandIndexError(b, r.BandCount()))
		}
		zeroBased[i] = b - 1
	}

	grid := NewPixelGrid(outW, outH, bands, r.DataType())
	grid.NoData = r.NoData()
	if win.Empty() {
		return grid, nil
	}

	lvl := r.selectLevel(win, outW, outH)
	f := float64(lvl.factor)
	rect := srcRect{
		x: float64(win.X) / f,
		y: float64(win.Y) / f,
		w: float64(win.Width) / f,
		h: float64(win.Height) / f,
	}

	// Kernels reach past the window edge; read a margin so adjacent tiles
	// agree along their shared border.
	scaleX, scaleY := rect.w/float64(outW), rect.h/float64(outH)
	padX := int(math.Ceil(filter.support()*math.Max(1, scaleX))) + 1
	padY := int(math.Ceil(filter.support()*math.Max(1, scaleY))) + 1
	lw, lh := lvl.info.Width, lvl.info.Height
	x0 := clampInt(int(math.Floor(rect.x))-padX, 0, lw-1)
	y0 := clampInt(int(math.Floor(rect.y))-padY, 0, lh-1)
	x1 := clampInt(int(math.Ceil(rect.x+rect.w))+padX, x0+1, lw)
	y1 := clampInt(int(math.Ceil(rect.y+rect.h))+padY, y0+1, lh)
	src := Window{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
	rect.x -= float64(x0)
	rect.y -= float64(y0)

	data, err := lvl.readWindow(src, zeroBased, r.cache)
	if err != nil {
		return fail(err)
	}

	rs := newResampler(filter, rect, src.Width, src.Height, outW, outH)
	plane := src.Width * src.Height
	for i := range bands {
		rs.band(data[i*plane:(i+1)*plane], grid.Band(i), grid.NoData, grid.DataType)
	}
	return grid, nil
}

// selectLevel picks the coarsest level whose pixels under win still cover
// the output size.
func (r *Raster) selectLevel(win Window, outW, outH int) *rasterLevel {
	best := r.base
	for _, l := range r.overviews {
		f := float64(l.factor)
		if float64(win.Width)/f >= float64(outW) && float64(win.Height)/f >= float64(outH) && l.factor > best.factor {
			best = l
		}
	}
	return best
}

// srcRect is the region of the source buffer, in fractional pixels, that maps
// onto the whole output grid.
type srcRect struct {
	x, y, w, h float64
}

type tap struct {
	idx int
	w   float64
}

type resampler struct {
	filter   Resampling
	sw, sh   int
	dw, dh   int
	rect     srcRect
	xTaps    [][]tap
	yTaps    [][]tap
	nearestX []int
	nearestY []int
}

// newResampler precomputes the per-column and per-row taps shared by every
// band.
func newResampler(filter Resampling, rect srcRect, sw, sh, dw, dh int) *resampler {
	rs := &resampler{filter: filter, sw: sw, sh: sh, dw: dw, dh: dh, rect: rect}
	sx, sy := rect.w/float64(dw), rect.h/float64(dh)

	rs.nearestX = make([]int, dw)
	for o := range rs.nearestX {
		rs.nearestX[o] = clampInt(int(math.Floor(rect.x+(float64(o)+0.5)*sx)), 0, sw-1)
	}
	rs.nearestY = make([]int, dh)
	for o := range rs.nearestY {
		rs.nearestY[o] = clampInt(int(math.Floor(rect.y+(float64(o)+0.5)*sy)), 0, sh-1)
	}
	if filter == Nearest {
		return rs
	}

	rs.xTaps = make([][]tap, dw)
	for o := range rs.xTaps {
		rs.xTaps[o] = axisTaps(filter, rect.x, sx, o, sw)
	}
	rs.yTaps = make([][]tap, dh)
	for o := range rs.yTaps {
		rs.yTaps[o] = axisTaps(filter, rect.y, sy, o, sh)
	}
	return rs
}

func axisTaps(filter Resampling, origin, scale float64, o, n int) []tap {
	if filter == Average || filter == Mode {
		a := origin + float64(o)*scale
		return boxTaps(a, a+scale, n)
	}
	return kernelTaps(origin+(float64(o)+0.5)*scale, scale, n, filter.support(), filter.kernel())
}

// kernelTaps samples k around center (in pixel-edge coordinates, so pixel i
// has its center at i+0.5). When downsampling the kernel is stretched by the
// scale so every source pixel contributes. Indices past the edge are clamped.
func kernelTaps(center, scale float64, n int, support float64, k func(float64) float64) []tap {
	s := math.Max(1, scale)
	radius := support * s
	lo := int(math.Floor(center - radius - 0.5))
	hi := int(math.Ceil(center + radius - 0.5))

	taps := make([]tap, 0, hi-lo+1)
	total := 0.0
	for i := lo; i <= hi; i++ {
		w := k((float64(i) + 0.5 - center) / s)
		if w == 0 {
			continue
		}
		taps = append(taps, tap{idx: clampInt(i, 0, n-1), w: w})
		total += w
	}
	if total != 0 {
		for i := range taps {
			taps[i].w /= total
		}
	}
	return taps
}

// boxTaps weights each source pixel by its overlap with [a, b).
func boxTaps(a, b float64, n int) []tap {
	i0 := int(math.Floor(a))
	i1 := int(math.Ceil(b)) - 1
	if i1 < i0 {
		i1 = i0
	}
	taps := make([]tap, 0, i1-i0+1)
	for i := i0; i <= i1; i++ {
		overlap := math.Min(b, float64(i+1)) - math.Max(a, float64(i))
		if overlap <= 0 {
			continue
		}
		taps = append(taps, tap{idx: clampInt(i, 0, n-1), w: overlap})
	}
	if len(taps) == 0 {
		taps = append(taps, tap{idx: clampInt(i0, 0, n-1), w: 1})
	}
	return taps
}

// band resamples one source plane into dst. Invalid samples (NaN or nodata)
// are left out and the remaining weights renormalized; a pixel with no valid
// contribution gets nodata, NaN for float types, or 0.
func (rs *resampler) band(src, dst []float64, nodata *float64, dt DataType) {
	fill := 0.0
	switch {
	case nodata != nil:
		fill = *nodata
	case dt.IsFloat():
		fill = math.NaN()
	}

	for oy := 0; oy < rs.dh; oy++ {
		for ox := 0; ox < rs.dw; ox++ {
			var v float64
			var ok bool
			switch rs.filter {
			case Nearest:
				v = src[rs.nearestY[oy]*rs.sw+rs.nearestX[ox]]
				ok = valid(v, nodata)
			case Mode:
				v, ok = rs.mode(src, ox, oy, nodata)
			default:
				v, ok = rs.convolve(src, ox, oy, nodata)
			}
			if !ok {
				dst[oy*rs.dw+ox] = fill
				continue
			}
			dst[oy*rs.dw+ox] = dt.Quantize(v)
		}
	}
}

func (rs *resampler) convolve(src []float64, ox, oy int, nodata *float64) (float64, bool) {
	sum, wsum := 0.0, 0.0
	for _, ty := range rs.yTaps[oy] {
		row := src[ty.idx*rs.sw:]
		for _, tx := range rs.xTaps[ox] {
			v := row[tx.idx]
			if !valid(v, nodata) {
				continue
			}
			w := ty.w * tx.w
			sum += w * v
			wsum += w
		}
	}
	if math.Abs(wsum) < 1e-9 {
		// Only negative lobes or nothing at all survived; take the nearest
		// sample instead.
		v := src[rs.nearestY[oy]*rs.sw+rs.nearestX[ox]]
		return v, valid(v, nodata)
	}
	return sum / wsum, true
}

// mode returns the valid value with the largest covered area; ties go to the
// smaller value.
func (rs *resampler) mode(src []float64, ox, oy int, nodata *float64) (float64, bool) {
	var values, weights []float64
	for _, ty := range rs.yTaps[oy] {
		row := src[ty.idx*rs.sw:]
		for _, tx := range rs.xTaps[ox] {
			v := row[tx.idx]
			if !valid(v, nodata) {
				continue
			}
			w := ty.w * tx.w
			found := false
			for i, u := range values {
				if u == v {
					weights[i] += w
					found = true
					break
				}
			}
			if !found {
				values = append(values, v)
				weights = append(weights, w)
			}
		}
	}
	if len(values) == 0 {
		return 0, false
	}
	best := 0
	for i := 1; i < len(values); i++ {
		if weights[i] > weights[best] || (weights[i] == weights[best] && values[i] < values[best]) {
			best = i
		}
	}
	return values[best], true
}
