package rastertile

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/floats"
)

// BandStats is the range of the valid samples of one band.
type BandStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// StatsKeyPolicy selects what identifies a raster in the statistics cache.
type StatsKeyPolicy string

const (
	// StatsKeyPath keys statistics by source path only. Content replaced under
	// the same path keeps the old statistics until InvalidateStats is called.
	StatsKeyPath StatsKeyPolicy = "path"
	// StatsKeyContent adds the size and modification time of the source, so
	// a rewritten file is scanned again.
	StatsKeyContent StatsKeyPolicy = "content"
)

// BandScanner streams the full-resolution samples of one band.
type BandScanner interface {
	// StatsIdentity names the raster in the cache.
	StatsIdentity() string
	// ScanBand calls fn with successive chunks of band (1-based).
	ScanBand(band int, fn func(samples []float64)) error
	NoData() *float64
}

type statsEntry struct {
	stats BandStats
	ok    bool
}

// StatsCache computes per-band statistics at most once per raster identity
// and band. Concurrent callers asking for the same band share one scan.
type StatsCache struct {
	mu      sync.RWMutex
	entries map[string]statsEntry
	// epoch counts invalidations. invalidated holds the epoch at which an
	// identity was last invalidated; a scan that started before it does not
	// store its result.
	epoch       uint64
	invalidated map[string]uint64
	inflight    map[string]int
	group       singleflight.Group
	scans       atomic.Int64

	// OnScan, when set, is called before every full-band scan.
	OnScan func(identity string, band int)
}

// NewStatsCache returns an empty cache.
func NewStatsCache() *StatsCache {
	return &StatsCache{
		entries:     make(map[string]statsEntry),
		invalidated: make(map[string]uint64),
		inflight:    make(map[string]int),
	}
}

func statsKey(identity string, band int) string {
	return identity + "#" + strconv.Itoa(band)
}

// StatsFor returns the statistics of the requested bands. Bands without a
// single valid sample are left out of the result.
func (c *StatsCache) StatsFor(src BandScanner, bands []int) (map[int]BandStats, error) {
	identity := src.StatsIdentity()
	out := make(map[int]BandStats, len(bands))
	for _, band := range bands {
		e, err := c.band(src, identity, band)
		if err != nil {
			return nil, err
		}
		if e.ok {
			out[band] = e.stats
		}
	}
	return out, nil
}

func (c *StatsCache) lookup(key string) (statsEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *StatsCache) band(src BandScanner, identity string, band int) (statsEntry, error) {
	key := statsKey(identity, band)
	if e, ok := c.lookup(key); ok {
		return e, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A scan that finished between lookup and Do already stored it.
		if e, ok := c.lookup(key); ok {
			return e, nil
		}
		c.mu.Lock()
		epoch := c.epoch
		c.inflight[key]++
		c.mu.Unlock()

		if c.OnScan != nil {
			c.OnScan(identity, band)
		}
		c.scans.Add(1)
		e, err := scanBand(src, band)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.inflight[key]--; c.inflight[key] == 0 {
			delete(c.inflight, key)
		}
		if err != nil {
			return nil, err
		}
		if !c.invalidatedSince(identity, epoch) {
			c.entries[key] = e
		}
		return e, nil
	})
	if err != nil {
		return statsEntry{}, fmt.Errorf("failed to compute statistics for band %d of %s: %w", band, identity, err)
	}
	return v.(statsEntry), nil
}

// scanBand reduces a band to its min and max with NaN and nodata samples
// excluded.
func scanBand(src BandScanner, band int) (statsEntry, error) {
	nodata := src.NoData()
	var e statsEntry
	var buf []float64
	err := src.ScanBand(band, func(samples []float64) {
		buf = buf[:0]
		for _, v := range samples {
			if valid(v, nodata) {
				buf = append(buf, v)
			}
		}
		if len(buf) == 0 {
			return
		}
		lo, hi := floats.Min(buf), floats.Max(buf)
		if !e.ok {
			e.stats = BandStats{Min: lo, Max: hi}
			e.ok = true
		} else {
			e.stats.Min = min(e.stats.Min, lo)
			e.stats.Max = max(e.stats.Max, hi)
		}
		e.stats.Count += len(buf)
	})
	return e, err
}

// Invalidate forgets every band of identity, including content-keyed
// identities ("<source>@<size>@<modtime>") derived from it. Scans already
// running still answer their callers but are not stored; later callers start
// a new scan.
func (c *StatsCache) Invalidate(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.invalidated[identity] = c.epoch
	for k := range c.entries {
		if keyOf(k, identity) {
			delete(c.entries, k)
		}
	}
	for k := range c.inflight {
		if keyOf(k, identity) {
			c.group.Forget(k)
		}
	}
}

// keyOf reports whether cache key k belongs to identity or to a content
// identity derived from it.
func keyOf(k, identity string) bool {
	return strings.HasPrefix(k, identity+"#") || strings.HasPrefix(k, identity+"@")
}

// invalidatedSince reports whether identity, or the source it was derived
// from, was invalidated after epoch. Must be called with c.mu held.
func (c *StatsCache) invalidatedSince(identity string, epoch uint64) bool {
	for prefix, at := range c.invalidated {
		if at > epoch && (identity == prefix || strings.HasPrefix(identity, prefix+"@")) {
			return true
		}
	}
	return false
}

// Scans returns the number of full-band scans performed so far.
func (c *StatsCache) Scans() int64 {
	return c.scans.Load()
}
