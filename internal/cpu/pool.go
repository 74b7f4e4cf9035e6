package cpu

import (
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-trit/internal/metrics"
)

var allocatedBytes int64

func traceAlloc(delta int64) {
	metrics.RecordScratchMemory(atomic.AddInt64(&allocatedBytes, delta))
}

// AllocatedBytes reports scratch memory currently held by all pools.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Pool recycles float32 scratch buffers by length so that repeated prefill calls
// of the same prompt length do not allocate.
type Pool struct {
	mu   sync.Mutex
	free map[int][][]float32
}

func NewPool() *Pool {
	return &Pool{free: make(map[int][][]float32)}
}

// Get returns a zeroed buffer of length n.
func (p *Pool) Get(n int) []float32 {
	p.mu.Lock()
	bufs := p.free[n]
	if len(bufs) > 0 {
		b := bufs[len(bufs)-1]
		p.free[n] = bufs[:len(bufs)-1]
		p.mu.Unlock()
		clear(b)
		return b
	}
	p.mu.Unlock()
	traceAlloc(int64(n) * 4)
	return make([]float32, n)
}

// Put hands a buffer back for reuse.
func (p *Pool) Put(b []float32) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	p.free[len(b)] = append(p.free[len(b)], b)
	p.mu.Unlock()
}

// Free drops every pooled buffer.
func (p *Pool) Free() {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for n, bufs := range p.free {
		total += int64(n) * 4 * int64(len(bufs))
	}
	p.free = make(map[int][][]float32)
	traceAlloc(-total)
}
