package rastertile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// TIFF constants
const (
	tiffMagicLE = 0x4949 // "II" little-endian
	tiffMagicBE = 0x4D4D // "MM" big-endian
	tiffVersion = 42

	bigTIFFVersion = 43
	maxIFDs        = 1024
)

// Compression types
const (
	CompressionNone     = 1
	CompressionLZW      = 5
	CompressionJPEG     = 6
	CompressionDeflate  = 8
	CompressionAdobeZip = 32946
)

// Baseline and extension tag IDs used by the reader and the writer.
const (
	TagNewSubfileType            = 254
	TagImageWidth                = 256
	TagImageLength               = 257
	TagBitsPerSample             = 258
	TagCompression               = 259
	TagPhotometricInterpretation = 262
	TagImageDescription          = 270
	TagStripOffsets              = 273
	TagSamplesPerPixel           = 277
	TagRowsPerStrip              = 278
	TagStripByteCounts           = 279
	TagPlanarConfiguration       = 284
	TagPredictor                 = 317
	TagTileWidth                 = 322
	TagTileLength                = 323
	TagTileOffsets               = 324
	TagTileByteCounts            = 325
	TagExtraSamples              = 338
	TagSampleFormat              = 339
	TagGDALMetadata              = 42112
	TagGDALNoData                = 42113
)

// fieldType is the TIFF field type of a tag value.
type fieldType uint16

const (
	ftByte      fieldType = 1  // 8-bit unsigned integer
	ftASCII     fieldType = 2  // 8-bit ASCII
	ftShort     fieldType = 3  // 16-bit unsigned integer
	ftLong      fieldType = 4  // 32-bit unsigned integer
	ftRational  fieldType = 5  // two longs: numerator, denominator
	ftSByte     fieldType = 6  // 8-bit signed integer
	ftUndefined fieldType = 7  // 8-bit undefined
	ftSShort    fieldType = 8  // 16-bit signed integer
	ftSLong     fieldType = 9  // 32-bit signed integer
	ftSRational fieldType = 10 // two signed longs
	ftFloat     fieldType = 11 // 32-bit IEEE floating point
	ftDouble    fieldType = 12 // 64-bit IEEE floating point
)

func (t fieldType) size() uint32 {
	switch t {
	case ftShort, ftSShort:
		return 2
	case ftLong, ftSLong, ftFloat:
		return 4
	case ftRational, ftSRational, ftDouble:
		return 8
	default:
		return 1
	}
}

// Tag is one IFD entry. Value holds []uint64 for unsigned integer types,
// []int64 for signed ones, []float64 for floating point and rationals,
// string for ASCII and []byte for undefined.
type Tag struct {
	ID       uint16
	Type     fieldType
	Count    uint32
	Offset   uint32
	Value    interface{}
	IsOffset bool

	inline [4]byte
}

// Uints returns the tag value as unsigned integers.
func (t *Tag) Uints() []uint64 {
	switch v := t.Value.(type) {
	case []uint64:
		return v
	case []int64:
		out := make([]uint64, len(v))
		for i, x := range v {
			out[i] = uint64(x)
		}
		return out
	case []float64:
		out := make([]uint64, len(v))
		for i, x := range v {
			out[i] = uint64(x)
		}
		return out
	}
	return nil
}

// Uint returns the first unsigned value of the tag.
func (t *Tag) Uint() (uint64, bool) {
	vals := t.Uints()
	if len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

// Floats returns the tag value as float64 regardless of the stored numeric type.
func (t *Tag) Floats() []float64 {
	switch v := t.Value.(type) {
	case []float64:
		return v
	case []uint64:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out
	case []int64:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out
	}
	return nil
}

// ASCII returns the value of an ASCII tag with the trailing NUL removed.
func (t *Tag) ASCII() string {
	s, _ := t.Value.(string)
	return s
}

// IFD represents an Image File Directory
type IFD struct {
	Tags      map[uint16]*Tag
	NextIFD   uint32
	ByteOrder binary.ByteOrder
}

// uintTag returns the first value of a numeric tag or def when absent.
func (ifd *IFD) uintTag(id uint16, def uint64) uint64 {
	if tag := ifd.Tags[id]; tag != nil {
		if v, ok := tag.Uint(); ok {
			return v
		}
	}
	return def
}

// TIFFReader reads classic TIFF files. Strip and tile offset arrays are loaded
// on demand since they can hold many thousands of entries.
type TIFFReader struct {
	r         io.ReadSeeker
	byteOrder binary.ByteOrder
	ifds      []*IFD
}

// NewTIFFReader parses the header and every IFD of r.
func NewTIFFReader(r io.ReadSeeker) (*TIFFReader, error) {
	tr := &TIFFReader{r: r}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to TIFF header: %w", err)
	}
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read TIFF header: %w", err)
	}

	switch magic := binary.LittleEndian.Uint16(header[0:2]); magic {
	case tiffMagicLE:
		tr.byteOrder = binary.LittleEndian
	case tiffMagicBE:
		tr.byteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("invalid TIFF magic: 0x%04x", magic)
	}

	switch version := tr.byteOrder.Uint16(header[2:4]); version {
	case tiffVersion:
	case bigTIFFVersion:
		return nil, fmt.Errorf("BigTIFF is not supported")
	default:
		return nil, fmt.Errorf("invalid TIFF version: %d", version)
	}

	if err := tr.readIFDs(tr.byteOrder.Uint32(header[4:8])); err != nil {
		return nil, fmt.Errorf("failed to read IFDs: %w", err)
	}
	if len(tr.ifds) == 0 {
		return nil, fmt.Errorf("TIFF has no image directories")
	}
	return tr, nil
}

func (tr *TIFFReader) readIFDs(offset uint32) error {
	seen := make(map[uint32]bool)
	for offset != 0 {
		if seen[offset] || len(tr.ifds) >= maxIFDs {
			return fmt.Errorf("IFD chain loops at offset %d", offset)
		}
		seen[offset] = true

		ifd, err := tr.readIFD(offset)
		if err != nil {
			return err
		}
		tr.ifds = append(tr.ifds, ifd)
		offset = ifd.NextIFD
	}
	return nil
}

// readIFD reads the entry table in one read, then resolves values that do not
// fit in the entry itself.
func (tr *TIFFReader) readIFD(offset uint32) (*IFD, error) {
	if _, err := tr.r.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to IFD: %w", err)
	}

	var countBuf [2]byte
	if _, err := io.ReadFull(tr.r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read tag count: %w", err)
	}
	tagCount := int(tr.byteOrder.Uint16(countBuf[:]))

	buf := make([]byte, tagCount*12+4)
	if _, err := io.ReadFull(tr.r, buf); err != nil {
		return nil, fmt.Errorf("failed to read IFD structure: %w", err)
	}

	ifd := &IFD{
		Tags:      make(map[uint16]*Tag, tagCount),
		ByteOrder: tr.byteOrder,
		NextIFD:   tr.byteOrder.Uint32(buf[tagCount*12:]),
	}

	for i := 0; i < tagCount; i++ {
		entry := buf[i*12 : i*12+12]
		tag := &Tag{
			ID:     tr.byteOrder.Uint16(entry[0:2]),
			Type:   fieldType(tr.byteOrder.Uint16(entry[2:4])),
			Count:  tr.byteOrder.Uint32(entry[4:8]),
			Offset: tr.byteOrder.Uint32(entry[8:12]),
		}
		copy(tag.inline[:], entry[8:12])
		ifd.Tags[tag.ID] = tag
	}

	for _, tag := range ifd.Tags {
		if isLargeArray(tag.ID) {
			tag.IsOffset = tag.Type.size()*tag.Count > 4
			if !tag.IsOffset {
				tag.Value = decodeTagValue(tag.inline[:], tag.Type, tag.Count, tr.byteOrder)
			}
			continue
		}
		if err := tr.loadTag(tag); err != nil {
			return nil, fmt.Errorf("failed to read tag %d: %w", tag.ID, err)
		}
	}
	return ifd, nil
}

func isLargeArray(id uint16) bool {
	return id == TagStripOffsets || id == TagStripByteCounts ||
		id == TagTileOffsets || id == TagTileByteCounts
}

func (tr *TIFFReader) loadTag(tag *Tag) error {
	size := tag.Type.size() * tag.Count
	if size <= 4 {
		tag.Value = decodeTagValue(tag.inline[:], tag.Type, tag.Count, tr.byteOrder)
		tag.IsOffset = false
		return nil
	}

	tag.IsOffset = true
	if _, err := tr.r.Seek(int64(tag.Offset), io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to tag value: %w", err)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(tr.r, raw); err != nil {
		return fmt.Errorf("failed to read tag value: %w", err)
	}
	tag.Value = decodeTagValue(raw, tag.Type, tag.Count, tr.byteOrder)
	return nil
}

// ReadTagValue loads a lazily skipped tag value.
func (tr *TIFFReader) ReadTagValue(ifd *IFD, tagID uint16) error {
	tag, ok := ifd.Tags[tagID]
	if !ok {
		return fmt.Errorf("tag %d not found", tagID)
	}
	if tag.Value != nil {
		return nil
	}
	return tr.loadTag(tag)
}

func decodeTagValue(raw []byte, typ fieldType, count uint32, order binary.ByteOrder) interface{} {
	n := int(count)
	switch typ {
	case ftByte:
		out := make([]uint64, n)
		for i := range out {
			out[i] = uint64(raw[i])
		}
		return out
	case ftShort:
		out := make([]uint64, n)
		for i := range out {
			out[i] = uint64(order.Uint16(raw[i*2:]))
		}
		return out
	case ftLong:
		out := make([]uint64, n)
		for i := range out {
			out[i] = uint64(order.Uint32(raw[i*4:]))
		}
		return out
	case ftSByte:
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(int8(raw[i]))
		}
		return out
	case ftSShort:
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(int16(order.Uint16(raw[i*2:])))
		}
		return out
	case ftSLong:
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(int32(order.Uint32(raw[i*4:])))
		}
		return out
	case ftFloat:
		out := make([]float64, n)
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(raw[i*4:])))
		}
		return out
	case ftDouble:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(raw[i*8:]))
		}
		return out
	case ftRational:
		out := make([]float64, n)
		for i := range out {
			num, den := order.Uint32(raw[i*8:]), order.Uint32(raw[i*8+4:])
			if den != 0 {
				out[i] = float64(num) / float64(den)
			}
		}
		return out
	case ftSRational:
		out := make([]float64, n)
		for i := range out {
			num, den := int32(order.Uint32(raw[i*8:])), int32(order.Uint32(raw[i*8+4:]))
			if den != 0 {
				out[i] = float64(num) / float64(den)
			}
		}
		return out
	case ftASCII:
		buf := raw[:n]
		for len(buf) > 0 && buf[len(buf)-1] == 0 {
			buf = buf[:len(buf)-1]
		}
		return string(buf)
	case ftUndefined:
		out := make([]byte, n)
		copy(out, raw)
		return out
	}
	return nil
}

// GetIFD returns the IFD at the specified index (0 = first image)
func (tr *TIFFReader) GetIFD(index int) *IFD {
	if index < 0 || index >= len(tr.ifds) {
		return nil
	}
	return tr.ifds[index]
}

// IFDCount returns the number of IFDs in the file.
func (tr *TIFFReader) IFDCount() int {
	return len(tr.ifds)
}
