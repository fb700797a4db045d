package render

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"sourcefit/pkg/raster"
)

// cache remembers the last rendered image. The hash is a quick reject; a hit
// also requires the values to be bit-identical.
type cache struct {
	valid bool
	key   uint64
	vals  []float64
	out   *raster.Raster
	hits  int
}

func hashValues(vals []float64) uint64 {
	h := fnv.New64a()
	var b [8]byte
	for _, v := range vals {
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
		h.Write(b[:])
	}
	return h.Sum64()
}

func (c *cache) get(vals []float64) (*raster.Raster, bool) {
	if !c.valid || c.key != hashValues(vals) || len(vals) != len(c.vals) {
		return nil, false
	}
	for i, v := range vals {
		if math.Float64bits(v) != math.Float64bits(c.vals[i]) {
			return nil, false
		}
	}
	c.hits++
	return c.out, true
}

func (c *cache) put(vals []float64, out *raster.Raster) {
	c.valid = true
	c.key = hashValues(vals)
	c.vals = vals
	c.out = out
}

// CacheHits returns how many renders were served from the cache.
func (r *Renderer) CacheHits() int { return r.cache.hits }
