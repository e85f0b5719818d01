package rastertile

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// Photometric interpretations
const (
	PhotometricWhiteIsZero = 0
	PhotometricBlackIsZero = 1
	PhotometricRGB         = 2
	PhotometricPalette     = 3
	PhotometricYCbCr       = 6
)

// maxBlockBytes bounds a single compressed block read.
const maxBlockBytes = 1 << 30

// Raster is an opened GeoTIFF: the full-resolution base image, the overview
// levels attached by the pyramid manager and the georeference.
//
// A Raster is not safe for concurrent use; the engine serializes access
// through the handle lock.
type Raster struct {
	Source string
	Georef *Georeference
	// CRSAssumed is set when the file carried no CRS and EPSG:4326 was used.
	CRSAssumed bool

	reader  io.ReadSeeker
	closer  io.Closer
	remote  bool
	size    int64
	modTime time.Time

	base      *rasterLevel
	overviews []*rasterLevel
	ovrCloser io.Closer

	metadata string // GDAL_METADATA XML of the base image

	cache *blockCache
	id    string
	gen   int
}

// rasterLevel is one resolution of a raster: the base image (factor 1) or an
// overview built at 1/factor of the base size.
type rasterLevel struct {
	factor int
	info   *imageInfo
	reader io.ReadSeeker
	order  binary.ByteOrder
	prefix string

	offsets []uint64
	counts  []uint64
	across  int
	down    int
}

// OpenRaster opens a local GeoTIFF or an http(s) URL read through range
// requests. Georeferencing comes from the GeoTIFF tags, then from world-file
// and .prj sidecars; a raster without CRS information is taken to be EPSG:4326.
func OpenRaster(source string, client *fasthttp.Client) (*Raster, error) {
	r := &Raster{Source: source, id: uuid.NewString()}
	if err := r.open(client); err != nil {
		if r.closer != nil {
			r.closer.Close()
		}
		return nil, &OpenError{Source: source, Err: err}
	}
	return r, nil
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func (r *Raster) open(client *fasthttp.Client) error {
	if isRemote(r.Source) {
		rr, err := NewHTTPRangeReader(r.Source, client)
		if err != nil {
			return err
		}
		r.reader, r.closer, r.remote, r.size = rr, rr, true, rr.Size()
	} else {
		file, err := os.Open(r.Source)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		r.reader, r.closer = file, file
		st, err := file.Stat()
		if err != nil {
			return fmt.Errorf("failed to stat file: %w", err)
		}
		r.size, r.modTime = st.Size(), st.ModTime()
	}

	tr, err := NewTIFFReader(r.reader)
	if err != nil {
		return err
	}

	var baseIFD *IFD
	for i := 0; i < tr.IFDCount(); i++ {
		ifd := tr.GetIFD(i)
		info, err := readImageInfo(ifd)
		if err != nil {
			if i == 0 {
				return err
			}
			continue
		}
		if info.Reduced {
			continue
		}
		r.base, err = newRasterLevel(tr, ifd, info, r.reader, 1)
		if err != nil {
			return err
		}
		baseIFD = ifd
		break
	}
	if r.base == nil {
		return fmt.Errorf("no full-resolution image directory")
	}

	if tag := baseIFD.Tags[TagGDALMetadata]; tag != nil {
		r.metadata = tag.ASCII()
	}
	return r.readGeoreference(baseIFD)
}

func (r *Raster) readGeoreference(ifd *IFD) error {
	meta, err := readGeoTIFFMetadata(ifd)
	if err != nil {
		return err
	}

	gt, ok := meta.GeoTransform()
	if !ok && !r.remote {
		wgt, found, err := readWorldFile(r.Source)
		if err != nil {
			return err
		}
		gt, ok = wgt, found
	}
	if !ok {
		gt = GeoTransform{0, 1, 0, 0, 0, 1}
	}

	desc := meta.CRSDescriptor()
	if desc == "" && !r.remote {
		if wkt, found := readPrjFile(r.Source); found {
			desc = wkt
		}
	}
	if desc == "" {
		desc = "EPSG:4326"
		r.CRSAssumed = true
	}
	crs, err := ParseSpatialRef(desc)
	if err != nil {
		return err
	}

	r.Georef = NewGeoreference(gt, crs, r.base.info.Width, r.base.info.Height)
	r.resetPrefixes()
	return nil
}

func newRasterLevel(tr *TIFFReader, ifd *IFD, info *imageInfo, reader io.ReadSeeker, factor int) (*rasterLevel, error) {
	if info.Predictor != PredictorNone && info.Predictor != PredictorHorizontal {
		return nil, fmt.Errorf("predictor %d is not supported", info.Predictor)
	}
	if info.Compression == CompressionJPEG && info.DataType != DTByte {
		return nil, fmt.Errorf("JPEG compression requires 8-bit samples, got %s", info.DataType)
	}

	l := &rasterLevel{
		factor: factor,
		info:   info,
		reader: reader,
		order:  ifd.ByteOrder,
		across: (info.Width + info.BlockWidth - 1) / info.BlockWidth,
		down:   (info.Height + info.BlockHeight - 1) / info.BlockHeight,
	}

	offTag, cntTag := uint16(TagStripOffsets), uint16(TagStripByteCounts)
	if info.Tiled {
		offTag, cntTag = TagTileOffsets, TagTileByteCounts
	}
	if err := tr.ReadTagValue(ifd, offTag); err != nil {
		return nil, fmt.Errorf("failed to read block offsets: %w", err)
	}
	if err := tr.ReadTagValue(ifd, cntTag); err != nil {
		return nil, fmt.Errorf("failed to read block byte counts: %w", err)
	}
	l.offsets = ifd.Tags[offTag].Uints()
	l.counts = ifd.Tags[cntTag].Uints()

	if n := l.across * l.down; len(l.offsets) < n || len(l.counts) < n {
		return nil, fmt.Errorf("image has %d blocks but %d offsets and %d byte counts", n, len(l.offsets), len(l.counts))
	}
	return l, nil
}

// Width returns the width of the base image in pixels.
func (r *Raster) Width() int { return r.base.info.Width }

// Height returns the height of the base image in pixels.
func (r *Raster) Height() int { return r.base.info.Height }

// BandCount returns the number of bands.
func (r *Raster) BandCount() int { return r.base.info.Bands }

// DataType returns the sample type shared by every band.
func (r *Raster) DataType() DataType { return r.base.info.DataType }

// NoData returns the GDAL nodata value, or nil.
func (r *Raster) NoData() *float64 { return r.base.info.NoData }

// OverviewFactors lists the reduction factors of the attached overview levels.
func (r *Raster) OverviewFactors() []int {
	out := make([]int, len(r.overviews))
	for i, l := range r.overviews {
		out[i] = l.factor
	}
	return out
}

// levels returns the base level followed by the overviews, finest first.
func (r *Raster) levels() []*rasterLevel {
	return append([]*rasterLevel{r.base}, r.overviews...)
}

// setOverviews replaces the overview levels and discards every cached block of
// the previous generation.
func (r *Raster) setOverviews(levels []*rasterLevel, closer io.Closer) {
	if r.ovrCloser != nil {
		r.ovrCloser.Close()
	}
	r.cache.dropPrefix(r.id + "/")
	r.overviews, r.ovrCloser = levels, closer
	r.gen++
	r.resetPrefixes()
}

func (r *Raster) resetPrefixes() {
	for _, l := range r.levels() {
		l.prefix = r.id + "/" + strconv.Itoa(r.gen) + "/" + strconv.Itoa(l.factor) + "/"
	}
}

// Close releases the source, the overview sidecar and cached blocks.
func (r *Raster) Close() error {
	r.cache.dropPrefix(r.id + "/")
	if r.ovrCloser != nil {
		r.ovrCloser.Close()
		r.ovrCloser = nil
	}
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// blockRows is the number of valid rows in block idx. Strips at the bottom
// edge are short; tiles are always padded to the full tile height.
func (l *rasterLevel) blockRows(idx int) int {
	rows := l.info.BlockHeight
	if !l.info.Tiled {
		if rem := l.info.Height - idx*l.info.BlockHeight; rem < rows {
			rows = rem
		}
	}
	return rows
}

type blockWork struct {
	index int
	raw   []byte
	data  []float64
	err   error
}

// fetch reads the compressed bytes of block idx. Sparse blocks, written with
// a zero offset and byte count, return nil.
func (l *rasterLevel) fetch(idx int) ([]byte, error) {
	off, n := l.offsets[idx], l.counts[idx]
	if n == 0 {
		return nil, nil
	}
	if n > maxBlockBytes {
		return nil, fmt.Errorf("block %d claims %d bytes", idx, n)
	}
	buf := getBuffer(int(n))
	if _, err := l.reader.Seek(int64(off), io.SeekStart); err != nil {
		putBuffer(buf)
		return nil, fmt.Errorf("failed to seek to block %d: %w", idx, err)
	}
	if _, err := io.ReadFull(l.reader, buf); err != nil {
		putBuffer(buf)
		return nil, fmt.Errorf("failed to read block %d: %w", idx, err)
	}
	return buf, nil
}

// decode turns the compressed bytes of block idx into pixel-interleaved
// samples. raw is released back to the buffer pool.
func (l *rasterLevel) decode(idx int, raw []byte) ([]float64, error) {
	info := l.info
	rows := l.blockRows(idx)
	out := make([]float64, info.BlockWidth*rows*info.Bands)

	if raw == nil {
		fill := 0.0
		if info.NoData != nil {
			fill = *info.NoData
		}
		for i := range out {
			out[i] = fill
		}
		return out, nil
	}
	defer putBuffer(raw)

	sampleSize := info.DataType.Size()
	expected := len(out) * sampleSize
	data, err := decompressBlock(raw, info.Compression, expected, info.BlockWidth, info.Bands)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", idx, err)
	}
	if info.Predictor == PredictorHorizontal {
		if err := undoHorizontalPredictor(data, info.BlockWidth, rows, info.Bands, sampleSize, l.order); err != nil {
			return nil, fmt.Errorf("block %d: %w", idx, err)
		}
	}
	decodeSamples(data, info.DataType, l.order, out)

	if info.Photometric == PhotometricWhiteIsZero && !info.DataType.IsFloat() {
		_, hi := info.DataType.Range()
		if info.DataType == DTByte || info.DataType == DTUInt16 || info.DataType == DTUInt32 {
			for i, v := range out {
				out[i] = hi - v
			}
		}
	}
	return out, nil
}

// blocks returns decoded blocks by index. Cached blocks are served from the
// cache; the rest are read sequentially (the source has a single cursor) and
// decoded in parallel.
func (l *rasterLevel) blocks(indices []int, cache *blockCache) (map[int][]float64, error) {
	out := make(map[int][]float64, len(indices))
	var pending []*blockWork
	for _, idx := range indices {
		if b, ok := cache.get(blockKey(l.prefix, idx)); ok {
			out[idx] = b
			continue
		}
		pending = append(pending, &blockWork{index: idx})
	}
	if len(pending) == 0 {
		return out, nil
	}

	// Phase 1: read compressed blocks (I/O bound)
	for i, w := range pending {
		raw, err := l.fetch(w.index)
		if err != nil {
			for _, p := range pending[:i] {
				if p.raw != nil {
					putBuffer(p.raw)
				}
			}
			return nil, err
		}
		w.raw = raw
	}

	// Phase 2: decode (CPU bound)
	numWorkers := runtime.NumCPU()
	if numWorkers > len(pending) {
		numWorkers = len(pending)
	}
	if numWorkers <= 1 || l.info.Compression == CompressionNone {
		for _, w := range pending {
			w.data, w.err = l.decode(w.index, w.raw)
		}
	} else {
		var wg sync.WaitGroup
		work := make(chan *blockWork, len(pending))
		for i := 0; i < numWorkers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for w := range work {
					w.data, w.err = l.decode(w.index, w.raw)
				}
			}()
		}
		for _, w := range pending {
			work <- w
		}
		close(work)
		wg.Wait()
	}

	for _, w := range pending {
		w.raw = nil
		if w.err != nil {
			return nil, w.err
		}
		cache.set(blockKey(l.prefix, w.index), w.data)
		out[w.index] = w.data
	}
	return out, nil
}

// readWindow copies the given zero-based bands of win into a band-major
// slice of len(bands)*win.Width*win.Height samples. win must lie inside the
// level.
func (l *rasterLevel) readWindow(win Window, bands []int, cache *blockCache) ([]float64, error) {
	plane := win.Width * win.Height
	out := make([]float64, len(bands)*plane)
	if plane == 0 {
		return out, nil
	}

	bw, bh := l.info.BlockWidth, l.info.BlockHeight
	bx0, bx1 := win.X/bw, (win.X+win.Width-1)/bw
	by0, by1 := win.Y/bh, (win.Y+win.Height-1)/bh

	indices := make([]int, 0, (bx1-bx0+1)*(by1-by0+1))
	for by := by0; by <= by1; by++ {
		for bx := bx0; bx <= bx1; bx++ {
			indices = append(indices, by*l.across+bx)
		}
	}
	blocks, err := l.blocks(indices, cache)
	if err != nil {
		return nil, err
	}

	nb := l.info.Bands
	for by := by0; by <= by1; by++ {
		for bx := bx0; bx <= bx1; bx++ {
			data := blocks[by*l.across+bx]
			x0, x1 := max(win.X, bx*bw), min(win.X+win.Width, (bx+1)*bw)
			y0, y1 := max(win.Y, by*bh), min(win.Y+win.Height, (by+1)*bh)
			for y := y0; y < y1; y++ {
				src := ((y-by*bh)*bw + (x0 - bx*bw)) * nb
				dst := (y-win.Y)*win.Width + (x0 - win.X)
				for x := x0; x < x1; x++ {
					if src+nb > len(data) {
						break
					}
					for i, b := range bands {
						out[i*plane+dst] = data[src+b]
					}
					src += nb
					dst++
				}
			}
		}
	}
	return out, nil
}
