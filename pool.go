package rastertile

import (
	"sync"
)

// Buffer pools for compressed block reads. Blocks are read, decompressed into
// a fresh slice and released, so the pooled buffers never escape a read.

var bufferTiers = [...]int{
	64 * 1024,       // small tiles
	256 * 1024,      // 256x256 byte tiles
	1024 * 1024,     // 512x512 tiles or strips
	4 * 1024 * 1024, // large strips
}

var bufferPools [len(bufferTiers)]sync.Pool

func init() {
	for i, size := range bufferTiers {
		size := size
		bufferPools[i].New = func() interface{} {
			buf := make([]byte, size)
			return &buf
		}
	}
}

// getBuffer returns a byte slice of length size, pooled when size fits a tier.
func getBuffer(size int) []byte {
	for i, tier := range bufferTiers {
		if size <= tier {
			buf := bufferPools[i].Get().(*[]byte)
			return (*buf)[:size]
		}
	}
	return make([]byte, size)
}

// putBuffer returns buf to its tier. Slices of other capacities are dropped.
func putBuffer(buf []byte) {
	c := cap(buf)
	for i, tier := range bufferTiers {
		if c == tier {
			buf = buf[:c]
			bufferPools[i].Put(&buf)
			return
		}
	}
}
