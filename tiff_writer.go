package rastertile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

// tiffEntry is an IFD entry ready to be written. data holds the encoded value in
// little-endian order.
type tiffEntry struct {
	tag   uint16
	typ   fieldType
	count uint32
	data  []byte
}

func shortEntry(tag uint16, vals ...uint16) tiffEntry {
	data := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(data[i*2:], v)
	}
	return tiffEntry{tag: tag, typ: ftShort, count: uint32(len(vals)), data: data}
}

func longEntry(tag uint16, vals ...uint32) tiffEntry {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], v)
	}
	return tiffEntry{tag: tag, typ: ftLong, count: uint32(len(vals)), data: data}
}

func doubleEntry(tag uint16, vals ...float64) tiffEntry {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return tiffEntry{tag: tag, typ: ftDouble, count: uint32(len(vals)), data: data}
}

func asciiEntry(tag uint16, s string) tiffEntry {
	data := append([]byte(s), 0)
	return tiffEntry{tag: tag, typ: ftASCII, count: uint32(len(data)), data: data}
}

// tiffImage is one directory of a file being written. The writer fills in
// StripOffsets and StripByteCounts itself; entries must not contain them.
// Strip data is read from data in order, stripCounts giving each strip's size.
type tiffImage struct {
	entries     []tiffEntry
	stripCounts []uint32
	data        io.Reader
}

func (img *tiffImage) dataSize() int64 {
	var n int64
	for _, c := range img.stripCounts {
		n += int64(c)
	}
	return n
}

// writeTIFF writes a little-endian classic TIFF holding images in order. All
// strip data comes first, then the directories, so the file is produced in a
// single forward pass.
func writeTIFF(w io.Writer, images []*tiffImage) error {
	bw := bufio.NewWriter(w)

	var dataTotal int64
	for _, img := range images {
		dataTotal += img.dataSize()
	}
	firstIFD := 8 + dataTotal
	if firstIFD%2 == 1 {
		firstIFD++
	}

	ifdSizes := make([]int64, len(images))
	for i, img := range images {
		ifdSizes[i] = ifdSize(img)
	}
	total := firstIFD
	for _, s := range ifdSizes {
		total += s
	}
	if total > math.MaxUint32 {
		return fmt.Errorf("TIFF output of %d bytes exceeds classic TIFF limits", total)
	}

	var header [8]byte
	binary.LittleEndian.PutUint16(header[0:], tiffMagicLE)
	binary.LittleEndian.PutUint16(header[2:], tiffVersion)
	binary.LittleEndian.PutUint32(header[4:], uint32(firstIFD))
	if _, err := bw.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write TIFF header: %w", err)
	}

	pos := int64(8)
	stripOffsets := make([][]uint32, len(images))
	for i, img := range images {
		offsets := make([]uint32, len(img.stripCounts))
		for j, c := range img.stripCounts {
			offsets[j] = uint32(pos)
			pos += int64(c)
		}
		stripOffsets[i] = offsets

		if n := img.dataSize(); n > 0 {
			copied, err := io.CopyN(bw, img.data, n)
			if err != nil {
				return fmt.Errorf("failed to write strip data for image %d (%d of %d bytes): %w", i, copied, n, err)
			}
		}
	}
	if pos < firstIFD {
		if err := bw.WriteByte(0); err != nil {
			return err
		}
		pos++
	}

	for i, img := range images {
		next := uint32(0)
		if i+1 < len(images) {
			next = uint32(pos + ifdSizes[i])
		}
		if err := writeIFD(bw, img, stripOffsets[i], uint32(pos), next); err != nil {
			return fmt.Errorf("failed to write IFD %d: %w", i, err)
		}
		pos += ifdSizes[i]
	}

	return bw.Flush()
}

func imageEntries(img *tiffImage, stripOffsets []uint32) []tiffEntry {
	entries := make([]tiffEntry, 0, len(img.entries)+2)
	entries = append(entries, img.entries...)
	entries = append(entries,
		longEntry(TagStripOffsets, stripOffsets...),
		longEntry(TagStripByteCounts, img.stripCounts...))
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })
	return entries
}

// ifdSize is the size of the directory plus its out-of-line values, each value
// padded to an even length.
func ifdSize(img *tiffImage) int64 {
	entries := imageEntries(img, make([]uint32, len(img.stripCounts)))
	size := int64(2 + 12*len(entries) + 4)
	for _, e := range entries {
		if len(e.data) > 4 {
			size += int64(len(e.data) + len(e.data)%2)
		}
	}
	return size
}

func writeIFD(w io.Writer, img *tiffImage, stripOffsets []uint32, at, next uint32) error {
	entries := imageEntries(img, stripOffsets)

	buf := make([]byte, 0, 2+12*len(entries)+4)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(entries)))

	extra := make([]byte, 0)
	extraAt := at + uint32(2+12*len(entries)+4)
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint16(buf, e.tag)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(e.typ))
		buf = binary.LittleEndian.AppendUint32(buf, e.count)
		if len(e.data) <= 4 {
			var inline [4]byte
			copy(inline[:], e.data)
			buf = append(buf, inline[:]...)
			continue
		}
		buf = binary.LittleEndian.AppendUint32(buf, extraAt+uint32(len(extra)))
		extra = append(extra, e.data...)
		if len(e.data)%2 == 1 {
			extra = append(extra, 0)
		}
	}
	buf = binary.LittleEndian.AppendUint32(buf, next)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err := w.Write(extra)
	return err
}

// stripLayout describes a stripped image for the writer.
type stripLayout struct {
	Width, Height int
	Bands         int
	DataType      DataType
	Compression   uint16
	Predictor     uint16
	Photometric   uint16
	RowsPerStrip  int
	Reduced       bool
	NoData        *float64
}

// entries returns the directory entries of the layout, without the strip
// offset and byte count arrays.
func (s stripLayout) entries() []tiffEntry {
	bits, format := s.DataType.tiffSampleFormat()
	bitsPer := make([]uint16, s.Bands)
	formats := make([]uint16, s.Bands)
	for i := range bitsPer {
		bitsPer[i], formats[i] = bits, format
	}
	compression := s.Compression
	if compression == 0 {
		compression = CompressionNone
	}

	entries := []tiffEntry{
		longEntry(TagImageWidth, uint32(s.Width)),
		longEntry(TagImageLength, uint32(s.Height)),
		shortEntry(TagBitsPerSample, bitsPer...),
		shortEntry(TagCompression, compression),
		shortEntry(TagPhotometricInterpretation, s.Photometric),
		shortEntry(TagSamplesPerPixel, uint16(s.Bands)),
		longEntry(TagRowsPerStrip, uint32(s.RowsPerStrip)),
		shortEntry(TagPlanarConfiguration, 1),
		shortEntry(TagSampleFormat, formats...),
	}
	if s.Reduced {
		entries = append(entries, longEntry(TagNewSubfileType, 1))
	}
	if s.Predictor == PredictorHorizontal {
		entries = append(entries, shortEntry(TagPredictor, PredictorHorizontal))
	}
	if extra := s.Bands - colorSamples(s.Photometric); extra > 0 {
		entries = append(entries, shortEntry(TagExtraSamples, make([]uint16, extra)...))
	}
	if s.NoData != nil {
		entries = append(entries, asciiEntry(TagGDALNoData, strconv.FormatFloat(*s.NoData, 'g', -1, 64)))
	}
	return entries
}

// colorSamples is the number of samples per pixel the photometric
// interpretation consumes; the rest are extra samples.
func colorSamples(photometric uint16) int {
	if photometric == PhotometricRGB || photometric == PhotometricYCbCr {
		return 3
	}
	return 1
}
