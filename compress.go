package rastertile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"
)

// Predictor values
const (
	PredictorNone       = 1
	PredictorHorizontal = 2
)

// decompressBlock returns exactly expected bytes of raw sample data for one
// strip or tile.
func decompressBlock(data []byte, compression uint16, expected, width, bands int) ([]byte, error) {
	switch compression {
	case CompressionNone:
		if len(data) < expected {
			return nil, fmt.Errorf("uncompressed block has %d bytes, expected %d", len(data), expected)
		}
		return data[:expected], nil

	case CompressionLZW:
		// TIFF LZW is MSB first; very old writers used LSB.
		out, err := readAllExpected(lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8), expected)
		if err != nil {
			out, err = readAllExpected(lzw.NewReader(bytes.NewReader(data), lzw.LSB, 8), expected)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decompress LZW block: %w", err)
		}
		return out, nil

	case CompressionDeflate, CompressionAdobeZip:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err == nil {
			out, rerr := readAllExpected(zr, expected)
			if rerr == nil {
				return out, nil
			}
			err = rerr
		}
		// Some writers emit raw deflate streams without the zlib wrapper.
		out, rerr := readAllExpected(flate.NewReader(bytes.NewReader(data)), expected)
		if rerr != nil {
			return nil, fmt.Errorf("failed to decompress deflate block: %w", err)
		}
		return out, nil

	case CompressionJPEG:
		return decodeJPEGBlock(data, expected, width, bands)
	}
	return nil, fmt.Errorf("unsupported compression type: %d", compression)
}

func readAllExpected(r io.ReadCloser, expected int) ([]byte, error) {
	defer r.Close()
	out := make([]byte, expected)
	n, err := io.ReadFull(r, out)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return nil, fmt.Errorf("decompressed %d bytes, expected %d", n, expected)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// decodeJPEGBlock handles 8-bit JPEG-in-TIFF blocks without separate tables.
func decodeJPEGBlock(data []byte, expected, width, bands int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode JPEG block: %w", err)
	}

	out := make([]byte, expected)
	b := img.Bounds()
	rows := expected / (width * bands)
	for y := 0; y < rows && y < b.Dy(); y++ {
		for x := 0; x < width && x < b.Dx(); x++ {
			off := (y*width + x) * bands
			if g, ok := img.(*image.Gray); ok {
				v := g.GrayAt(b.Min.X+x, b.Min.Y+y).Y
				for i := 0; i < bands; i++ {
					out[off+i] = v
				}
				continue
			}
			r, gg, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			px := [4]byte{uint8(r >> 8), uint8(gg >> 8), uint8(bl >> 8), uint8(a >> 8)}
			for i := 0; i < bands && i < 4; i++ {
				out[off+i] = px[i]
			}
		}
	}
	return out, nil
}

// undoHorizontalPredictor reverses TIFF predictor 2 in place.
func undoHorizontalPredictor(buf []byte, width, rows, bands, sampleSize int, order binary.ByteOrder) error {
	rowLen := width * bands * sampleSize
	if len(buf) < rowLen*rows {
		return fmt.Errorf("predictor buffer too short")
	}
	for y := 0; y < rows; y++ {
		row := buf[y*rowLen : (y+1)*rowLen]
		switch sampleSize {
		case 1:
			for i := bands; i < len(row); i++ {
				row[i] += row[i-bands]
			}
		case 2:
			for i := bands; i < width*bands; i++ {
				v := order.Uint16(row[i*2:]) + order.Uint16(row[(i-bands)*2:])
				order.PutUint16(row[i*2:], v)
			}
		case 4:
			for i := bands; i < width*bands; i++ {
				v := order.Uint32(row[i*4:]) + order.Uint32(row[(i-bands)*4:])
				order.PutUint32(row[i*4:], v)
			}
		default:
			return fmt.Errorf("horizontal predictor not supported for %d-byte samples", sampleSize)
		}
	}
	return nil
}

// decodeSamples converts raw pixel-interleaved sample bytes into dst.
func decodeSamples(raw []byte, dt DataType, order binary.ByteOrder, dst []float64) {
	size := dt.Size()
	n := len(raw) / size
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		s := raw[i*size:]
		switch dt {
		case DTByte:
			dst[i] = float64(s[0])
		case DTInt8:
			dst[i] = float64(int8(s[0]))
		case DTUInt16:
			dst[i] = float64(order.Uint16(s))
		case DTInt16:
			dst[i] = float64(int16(order.Uint16(s)))
		case DTUInt32:
			dst[i] = float64(order.Uint32(s))
		case DTInt32:
			dst[i] = float64(int32(order.Uint32(s)))
		case DTFloat32:
			dst[i] = float64(math.Float32frombits(order.Uint32(s)))
		case DTFloat64:
			dst[i] = math.Float64frombits(order.Uint64(s))
		}
	}
}

// encodeSamples writes src as little-endian samples of type dt into dst,
// which must hold len(src)*dt.Size() bytes.
func encodeSamples(src []float64, dt DataType, dst []byte) {
	size := dt.Size()
	le := binary.LittleEndian
	for i, v := range src {
		d := dst[i*size:]
		switch dt {
		case DTByte:
			d[0] = uint8(dt.Quantize(v))
		case DTInt8:
			d[0] = uint8(int8(dt.Quantize(v)))
		case DTUInt16:
			le.PutUint16(d, uint16(dt.Quantize(v)))
		case DTInt16:
			le.PutUint16(d, uint16(int16(dt.Quantize(v))))
		case DTUInt32:
			le.PutUint32(d, uint32(dt.Quantize(v)))
		case DTInt32:
			le.PutUint32(d, uint32(int32(dt.Quantize(v))))
		case DTFloat32:
			le.PutUint32(d, math.Float32bits(float32(v)))
		case DTFloat64:
			le.PutUint64(d, math.Float64bits(v))
		}
	}
}

// deflateBlock compresses a strip for the overview sidecar.
func deflateBlock(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
