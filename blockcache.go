package rastertile

import (
	"strconv"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
)

const (
	defaultBlockCacheSize = 4096
	blockCacheTTL         = 10 * time.Minute
)

// blockCache holds decoded blocks keyed by "<raster>/<level>/<block>". Every
// raster gets its own key prefix, so closing a raster or rebuilding its
// overviews drops exactly its entries.
type blockCache struct {
	c    *ccache.Cache[[]float64]
	once sync.Once
}

func newBlockCache(maxItems int64) *blockCache {
	if maxItems <= 0 {
		maxItems = defaultBlockCacheSize
	}
	prune := uint32(maxItems / 50)
	if prune == 0 {
		prune = 1
	}
	return &blockCache{
		c: ccache.New(ccache.Configure[[]float64]().MaxSize(maxItems).ItemsToPrune(prune)),
	}
}

func blockKey(prefix string, index int) string {
	return prefix + strconv.Itoa(index)
}

// get returns a cached block. Callers must not modify it.
func (bc *blockCache) get(key string) ([]float64, bool) {
	if bc == nil {
		return nil, false
	}
	item := bc.c.Get(key)
	if item == nil || item.Expired() {
		return nil, false
	}
	return item.Value(), true
}

func (bc *blockCache) set(key string, block []float64) {
	if bc == nil {
		return
	}
	bc.c.Set(key, block, blockCacheTTL)
}

func (bc *blockCache) dropPrefix(prefix string) {
	if bc == nil {
		return
	}
	bc.c.DeletePrefix(prefix)
}

func (bc *blockCache) stop() {
	if bc == nil {
		return
	}
	bc.once.Do(bc.c.Stop)
}
