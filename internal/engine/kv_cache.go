package engine

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-trit/internal/config"
	"github.com/23skdu/longbow-trit/internal/metrics"
)

// ErrCacheFull is returned when a write would land at or past MaxSeqLen.
var ErrCacheFull = errors.New("engine: kv cache full")

// KVHead maps query head h to the key/value head it reads from.
func KVHead(h, heads, kvHeads int) int {
	return h / (heads / kvHeads)
}

// KVCache stores keys and values for every block, laid out (head, pos, channel).
// All blocks share one cursor because every block is processed every step.
type KVCache struct {
	layers    int
	kvHeads   int
	headDim   int
	maxSeqLen int

	k [][]float32
	v [][]float32

	length int
}

// NewKVCache allocates storage for cfg.Layers blocks up front.
func NewKVCache(cfg config.Config) *KVCache {
	c := &KVCache{
		layers:    cfg.Layers,
		kvHeads:   cfg.KVHeads,
		headDim:   cfg.HeadDim(),
		maxSeqLen: cfg.MaxSeqLen,
		k:         make([][]float32, cfg.Layers),
		v:         make([][]float32, cfg.Layers),
	}
	size := c.kvHeads * c.maxSeqLen * c.headDim
	for i := range c.k {
		c.k[i] = make([]float32, size)
		c.v[i] = make([]float32, size)
	}
	metrics.RecordKVCacheStats(c.maxSeqLen, c.Bytes())
	return c
}

func (c *KVCache) offset(head, pos int) int {
	return (head*c.maxSeqLen + pos) * c.headDim
}

// Store writes one projected kv row (keys for every kv head, then values) at pos.
// It does not move the cursor.
func (c *KVCache) Store(layer, pos int, kv []float32) error {
	if layer < 0 || layer >= c.layers {
		return fmt.Errorf("engine: invalid layer index %d", layer)
	}
	if pos < 0 || pos >= c.maxSeqLen {
		metrics.RecordKVCacheOutOfBounds(pos, c.maxSeqLen)
		return fmt.Errorf("%w: position %d, capacity %d", ErrCacheFull, pos, c.maxSeqLen)
	}
	kvDim := c.kvHeads * c.headDim
	if len(kv) != 2*kvDim {
		return fmt.Errorf("engine: kv row has %d values, want %d", len(kv), 2*kvDim)
	}
	for h := 0; h < c.kvHeads; h++ {
		off := c.offset(h, pos)
		copy(c.k[layer][off:off+c.headDim], kv[h*c.headDim:(h+1)*c.headDim])
		copy(c.v[layer][off:off+c.headDim], kv[kvDim+h*c.headDim:kvDim+(h+1)*c.headDim])
	}
	return nil
}

// Key returns the stored key of a kv head at pos. The slice aliases the cache.
func (c *KVCache) Key(layer, head, pos int) []float32 {
	off := c.offset(head, pos)
	return c.k[layer][off : off+c.headDim]
}

// Value returns the stored value of a kv head at pos. The slice aliases the cache.
func (c *KVCache) Value(layer, head, pos int) []float32 {
	off := c.offset(head, pos)
	return c.v[layer][off : off+c.headDim]
}

// Commit advances the shared cursor by n populated positions.
func (c *KVCache) Commit(n int) error {
	if n < 0 {
		return fmt.Errorf("engine: negative commit %d", n)
	}
	if c.length+n > c.maxSeqLen {
		metrics.RecordKVCacheOutOfBounds(c.length+n, c.maxSeqLen)
		return fmt.Errorf("%w: length %d+%d, capacity %d", ErrCacheFull, c.length, n, c.maxSeqLen)
	}
	c.length += n
	metrics.RecordKVCachePositions(c.length)
	return nil
}

// Reset empties the cache. Stored values are left in place and overwritten later.
func (c *KVCache) Reset() {
	c.length = 0
	metrics.RecordKVCachePositions(0)
}

// Len is the number of populated positions.
func (c *KVCache) Len() int { return c.length }

func (c *KVCache) Capacity() int { return c.maxSeqLen }

// Bytes is the memory held by keys and values across all blocks.
func (c *KVCache) Bytes() int64 {
	return int64(c.layers) * 2 * int64(c.kvHeads*c.maxSeqLen*c.headDim) * 4
}
