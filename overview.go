package rastertile

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// PyramidPolicy decides what happens to an existing overview sidecar when a
// raster is opened.
type PyramidPolicy string

const (
	// PyramidAlways deletes any existing sidecar and rebuilds it.
	PyramidAlways PyramidPolicy = "always"
	// PyramidReuse keeps a sidecar that matches the raster and rebuilds
	// otherwise.
	PyramidReuse PyramidPolicy = "reuse"
)

// DefaultOverviewFactors are the reduction factors built for every raster.
var DefaultOverviewFactors = []int{2, 4, 8, 16, 32}

// overviewChunkSamples bounds the number of base samples held in memory while
// building overviews.
const overviewChunkSamples = 1 << 22

// Pyramid describes the overview sidecar attached to a raster.
type Pyramid struct {
	Path    string
	Factors []int
	Rebuilt bool
}

// PyramidManager builds and attaches overview sidecars.
type PyramidManager struct {
	Factors []int
	// Dir holds the sidecars when set. Otherwise local rasters get
	// "<path>.ovr" next to the source and remote ones go to the temp dir.
	Dir    string
	Policy PyramidPolicy
}

// NewPyramidManager returns a manager; empty arguments select the defaults.
func NewPyramidManager(factors []int, dir string, policy PyramidPolicy) *PyramidManager {
	return &PyramidManager{Factors: factors, Dir: dir, Policy: policy}
}

func (m *PyramidManager) factors() []int {
	src := m.Factors
	if len(src) == 0 {
		src = DefaultOverviewFactors
	}
	out := make([]int, 0, len(src))
	for _, f := range src {
		if f > 1 {
			out = append(out, f)
		}
	}
	sort.Ints(out)
	uniq := out[:0]
	for i, f := range out {
		if i == 0 || f != out[i-1] {
			uniq = append(uniq, f)
		}
	}
	return uniq
}

// SidecarPath returns where the overviews of r live.
func (m *PyramidManager) SidecarPath(r *Raster) string {
	if m.Dir == "" && !r.remote {
		return r.Source + ".ovr"
	}
	dir := m.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	sum := sha1.Sum([]byte(r.Source))
	return filepath.Join(dir, hex.EncodeToString(sum[:])+".ovr")
}

// EnsurePyramid makes sure r has a valid overview pyramid attached. Under
// PyramidAlways an existing sidecar is deleted and rebuilt; under PyramidReuse
// it is kept when it matches the raster structurally. Calling it again leaves
// the raster in the same state.
func (m *PyramidManager) EnsurePyramid(r *Raster) (*Pyramid, error) {
	path := m.SidecarPath(r)
	factors := m.factors()

	if m.Policy == PyramidReuse {
		if levels, closer, err := openOverviewLevels(path, r, factors); err == nil {
			r.setOverviews(levels, closer)
			return &Pyramid{Path: path, Factors: factors}, nil
		}
	}

	r.setOverviews(nil, nil)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove overviews %s: %w", path, err)
	}
	if len(factors) == 0 {
		return &Pyramid{Path: path, Rebuilt: true}, nil
	}
	if err := buildOverviews(r, path, factors); err != nil {
		return nil, fmt.Errorf("failed to build overviews for %s: %w", r.Source, err)
	}

	levels, closer, err := openOverviewLevels(path, r, factors)
	if err != nil {
		return nil, fmt.Errorf("built overviews %s do not validate: %w", path, err)
	}
	r.setOverviews(levels, closer)
	return &Pyramid{Path: path, Factors: factors, Rebuilt: true}, nil
}

// openOverviewLevels opens a sidecar and checks that it holds one directory
// per factor with the expected size, band count and data type.
func openOverviewLevels(path string, r *Raster, factors []int) ([]*rasterLevel, io.Closer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	levels, err := readOverviewLevels(file, r, factors)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return levels, file, nil
}

func readOverviewLevels(file *os.File, r *Raster, factors []int) ([]*rasterLevel, error) {
	tr, err := NewTIFFReader(file)
	if err != nil {
		return nil, err
	}
	if tr.IFDCount() != len(factors) {
		return nil, fmt.Errorf("sidecar has %d levels, expected %d", tr.IFDCount(), len(factors))
	}

	levels := make([]*rasterLevel, len(factors))
	for i, f := range factors {
		ifd := tr.GetIFD(i)
		info, err := readImageInfo(ifd)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		w, h := ceilDiv(r.Width(), f), ceilDiv(r.Height(), f)
		if info.Width != w || info.Height != h {
			return nil, fmt.Errorf("level %d is %dx%d, expected %dx%d", i, info.Width, info.Height, w, h)
		}
		if info.Bands != r.BandCount() || info.DataType != r.DataType() {
			return nil, fmt.Errorf("level %d has %d %s bands, expected %d %s",
				i, info.Bands, info.DataType, r.BandCount(), r.DataType())
		}
		info.NoData = r.NoData()
		levels[i], err = newRasterLevel(tr, ifd, info, file, f)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
	}
	return levels, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// buildOverviews streams the base image once, in row chunks, averaging each
// level straight from base pixels. Level strips are spooled to temp files and
// assembled into the sidecar, which is written under a temp name and renamed.
func buildOverviews(r *Raster, path string, factors []int) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create overview directory: %w", err)
	}

	width, height, bands := r.Width(), r.Height(), r.BandCount()
	builders := make([]*levelBuilder, 0, len(factors))
	defer func() {
		for _, lb := range builders {
			lb.discard()
		}
	}()
	for _, f := range factors {
		lb, err := newLevelBuilder(dir, r, f)
		if err != nil {
			return err
		}
		builders = append(builders, lb)
	}

	all := make([]int, bands)
	for i := range all {
		all[i] = i
	}
	chunkRows := overviewChunkSamples / (width * bands)
	chunkRows = clampInt(chunkRows, 1, 256)
	for y0 := 0; y0 < height; y0 += chunkRows {
		rows := min(chunkRows, height-y0)
		data, err := r.base.readWindow(Window{X: 0, Y: y0, Width: width, Height: rows}, all, nil)
		if err != nil {
			return err
		}
		for _, lb := range builders {
			if err := lb.addRows(data, y0, rows); err != nil {
				return err
			}
		}
	}

	images := make([]*tiffImage, len(builders))
	for i, lb := range builders {
		img, err := lb.finish()
		if err != nil {
			return err
		}
		images[i] = img
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create overview file: %w", err)
	}
	if err := writeTIFF(tmp, images); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move overviews into place: %w", err)
	}
	return nil
}

// levelBuilder accumulates one overview level. Each output row averages the
// valid base samples of factor x factor cells; finished rows are packed into
// deflated strips.
type levelBuilder struct {
	factor        int
	width, height int
	baseW, baseH  int
	bands         int
	dt            DataType
	nodata        *float64
	fill          float64

	sum, cnt []float64 // band-major accumulators for the current output row

	rowsPerStrip int
	strip        []float64 // pixel-interleaved rows awaiting compression
	stripRows    int
	rowsDone     int
	raw          []byte
	counts       []uint32
	file         *os.File
}

func newLevelBuilder(dir string, r *Raster, factor int) (*levelBuilder, error) {
	lb := &levelBuilder{
		factor: factor,
		width:  ceilDiv(r.Width(), factor),
		height: ceilDiv(r.Height(), factor),
		baseW:  r.Width(),
		baseH:  r.Height(),
		bands:  r.BandCount(),
		dt:     r.DataType(),
		nodata: r.NoData(),
	}
	switch {
	case lb.nodata != nil:
		lb.fill = *lb.nodata
	case lb.dt.IsFloat():
		lb.fill = math.NaN()
	}
	lb.sum = make([]float64, lb.bands*lb.width)
	lb.cnt = make([]float64, lb.bands*lb.width)

	rowBytes := lb.width * lb.bands * lb.dt.Size()
	lb.rowsPerStrip = clampInt(64*1024/rowBytes, 1, lb.height)

	file, err := os.CreateTemp(dir, ".rastertile-level-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create level spool file: %w", err)
	}
	lb.file = file
	return lb, nil
}

// addRows folds base rows y0..y0+rows-1 (band-major, baseW wide) into the
// accumulators.
func (lb *levelBuilder) addRows(data []float64, y0, rows int) error {
	plane := lb.baseW * rows
	for r := 0; r < rows; r++ {
		for b := 0; b < lb.bands; b++ {
			src := data[b*plane+r*lb.baseW : b*plane+(r+1)*lb.baseW]
			sum, cnt := lb.sum[b*lb.width:(b+1)*lb.width], lb.cnt[b*lb.width:(b+1)*lb.width]
			for x, v := range src {
				if !valid(v, lb.nodata) {
					continue
				}
				sum[x/lb.factor] += v
				cnt[x/lb.factor]++
			}
		}
		if y := y0 + r; (y+1)%lb.factor == 0 || y+1 == lb.baseH {
			if err := lb.emitRow(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (lb *levelBuilder) emitRow() error {
	for x := 0; x < lb.width; x++ {
		for b := 0; b < lb.bands; b++ {
			i := b*lb.width + x
			v := lb.fill
			if lb.cnt[i] > 0 {
				v = lb.dt.Quantize(lb.sum[i] / lb.cnt[i])
			}
			lb.strip = append(lb.strip, v)
		}
	}
	clear(lb.sum)
	clear(lb.cnt)

	lb.stripRows++
	lb.rowsDone++
	if lb.stripRows == lb.rowsPerStrip {
		return lb.flushStrip()
	}
	return nil
}

func (lb *levelBuilder) flushStrip() error {
	n := len(lb.strip) * lb.dt.Size()
	if cap(lb.raw) < n {
		lb.raw = make([]byte, n)
	}
	raw := lb.raw[:n]
	encodeSamples(lb.strip, lb.dt, raw)
	comp, err := deflateBlock(raw)
	if err != nil {
		return fmt.Errorf("failed to compress overview strip: %w", err)
	}
	if _, err := lb.file.Write(comp); err != nil {
		return fmt.Errorf("failed to spool overview strip: %w", err)
	}
	lb.counts = append(lb.counts, uint32(len(comp)))
	lb.strip = lb.strip[:0]
	lb.stripRows = 0
	return nil
}

// finish flushes the last strip and returns the level as a writer image whose
// data is the rewound spool file.
func (lb *levelBuilder) finish() (*tiffImage, error) {
	if lb.stripRows > 0 {
		if err := lb.flushStrip(); err != nil {
			return nil, err
		}
	}
	if lb.rowsDone != lb.height {
		return nil, fmt.Errorf("level %d produced %d rows, expected %d", lb.factor, lb.rowsDone, lb.height)
	}
	if _, err := lb.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	layout := stripLayout{
		Width:        lb.width,
		Height:       lb.height,
		Bands:        lb.bands,
		DataType:     lb.dt,
		Compression:  CompressionDeflate,
		Photometric:  PhotometricBlackIsZero,
		RowsPerStrip: lb.rowsPerStrip,
		Reduced:      true,
		NoData:       lb.nodata,
	}
	return &tiffImage{entries: layout.entries(), stripCounts: lb.counts, data: lb.file}, nil
}

func (lb *levelBuilder) discard() {
	if lb.file == nil {
		return
	}
	lb.file.Close()
	os.Remove(lb.file.Name())
	lb.file = nil
}
