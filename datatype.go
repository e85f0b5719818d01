package rastertile

import (
	"fmt"
	"math"
)

// DataType is the numeric type of a band's samples.
type DataType int

const (
	DTUnknown DataType = iota
	DTByte
	DTInt8
	DTUInt16
	DTInt16
	DTUInt32
	DTInt32
	DTFloat32
	DTFloat64
)

var dataTypeNames = map[DataType]string{
	DTUnknown: "Unknown",
	DTByte:    "Byte",
	DTInt8:    "Int8",
	DTUInt16:  "UInt16",
	DTInt16:   "Int16",
	DTUInt32:  "UInt32",
	DTInt32:   "Int32",
	DTFloat32: "Float32",
	DTFloat64: "Float64",
}

// String returns the conventional GDAL name of the type.
func (dt DataType) String() string {
	if name, ok := dataTypeNames[dt]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int(dt))
}

// Size returns the number of bytes per sample.
func (dt DataType) Size() int {
	switch dt {
	case DTByte, DTInt8:
		return 1
	case DTUInt16, DTInt16:
		return 2
	case DTUInt32, DTInt32, DTFloat32:
		return 4
	case DTFloat64:
		return 8
	}
	return 0
}

// IsFloat reports whether samples are IEEE floating point.
func (dt DataType) IsFloat() bool {
	return dt == DTFloat32 || dt == DTFloat64
}

// Range returns the representable range of integer types. Float types return
// the full float64 range.
func (dt DataType) Range() (lo, hi float64) {
	switch dt {
	case DTByte:
		return 0, math.MaxUint8
	case DTInt8:
		return math.MinInt8, math.MaxInt8
	case DTUInt16:
		return 0, math.MaxUint16
	case DTInt16:
		return math.MinInt16, math.MaxInt16
	case DTUInt32:
		return 0, math.MaxUint32
	case DTInt32:
		return math.MinInt32, math.MaxInt32
	}
	return -math.MaxFloat64, math.MaxFloat64
}

// Quantize converts an interpolated value to the nearest value representable in
// dt. NaN maps to 0 for integer types.
func (dt DataType) Quantize(v float64) float64 {
	switch dt {
	case DTFloat64:
		return v
	case DTFloat32:
		return float64(float32(v))
	}
	if math.IsNaN(v) {
		return 0
	}
	lo, hi := dt.Range()
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// dataTypeFromTIFF maps BitsPerSample and SampleFormat to a DataType.
// SampleFormat: 1 = unsigned integer, 2 = signed integer, 3 = IEEE float.
func dataTypeFromTIFF(bitsPerSample, sampleFormat uint64) (DataType, error) {
	switch {
	case bitsPerSample == 8 && sampleFormat == 1:
		return DTByte, nil
	case bitsPerSample == 8 && sampleFormat == 2:
		return DTInt8, nil
	case bitsPerSample == 16 && sampleFormat == 1:
		return DTUInt16, nil
	case bitsPerSample == 16 && sampleFormat == 2:
		return DTInt16, nil
	case bitsPerSample == 32 && sampleFormat == 1:
		return DTUInt32, nil
	case bitsPerSample == 32 && sampleFormat == 2:
		return DTInt32, nil
	case bitsPerSample == 32 && sampleFormat == 3:
		return DTFloat32, nil
	case bitsPerSample == 64 && sampleFormat == 3:
		return DTFloat64, nil
	}
	return DTUnknown, fmt.Errorf("unsupported sample layout: %d bits, format %d", bitsPerSample, sampleFormat)
}

// tiffSampleFormat is the inverse of dataTypeFromTIFF.
func (dt DataType) tiffSampleFormat() (bits, format uint16) {
	switch dt {
	case DTInt8, DTInt16, DTInt32:
		format = 2
	case DTFloat32, DTFloat64:
		format = 3
	default:
		format = 1
	}
	return uint16(dt.Size() * 8), format
}
