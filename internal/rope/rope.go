// Package rope precomputes rotary position encodings.
package rope

import "math"

// Table holds cos/sin for every (position, half-dimension) pair.
type Table struct {
	HeadDim   int
	MaxSeqLen int
	cos       []float32
	sin       []float32
}

// NewTable precomputes angle = p / theta^(2i/headDim) for p < maxSeqLen and
// i < headDim/2. headDim must be even.
func NewTable(headDim, maxSeqLen int, theta float64) *Table {
	half := headDim / 2
	t := &Table{
		HeadDim:   headDim,
		MaxSeqLen: maxSeqLen,
		cos:       make([]float32, maxSeqLen*half),
		sin:       make([]float32, maxSeqLen*half),
	}
	for i := 0; i < half; i++ {
		freq := 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
		for p := 0; p < maxSeqLen; p++ {
			angle := float64(p) * freq
			t.cos[p*half+i] = float32(math.Cos(angle))
			t.sin[p*half+i] = float32(math.Sin(angle))
		}
	}
	return t
}

// At returns the cosine and sine for position p and half-dimension i.
func (t *Table) At(p, i int) (cos, sin float32) {
	half := t.HeadDim / 2
	return t.cos[p*half+i], t.sin[p*half+i]
}

// Rotate rotates one head vector in place for position pos. Channels i and
// i+headDim/2 form a pair.
func (t *Table) Rotate(v []float32, pos int) {
	half := t.HeadDim / 2
	cs := t.cos[pos*half : (pos+1)*half]
	sn := t.sin[pos*half : (pos+1)*half]
	for i := 0; i < half; i++ {
		x0, x1 := v[i], v[i+half]
		v[i] = x0*cs[i] - x1*sn[i]
		v[i+half] = x0*sn[i] + x1*cs[i]
	}
}

// RotateHeads rotates every headDim-wide head packed contiguously in v.
func (t *Table) RotateHeads(v []float32, pos int) {
	for off := 0; off+t.HeadDim <= len(v); off += t.HeadDim {
		t.Rotate(v[off:off+t.HeadDim], pos)
	}
}
