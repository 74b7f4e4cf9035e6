package engine

import (
	"math"

	"github.com/23skdu/longbow-trit/internal/cpu"
)

// populate stores one projected kv row at pos and rotates the new keys in place.
func (m *Model) populate(layer, pos int, kv []float32) error {
	if err := m.Cache.Store(layer, pos, kv); err != nil {
		return err
	}
	for h := 0; h < m.Config.KVHeads; h++ {
		m.Rope.Rotate(m.Cache.Key(layer, h, pos), pos)
	}
	return nil
}

// attendHead writes the attention output of one query head over cache positions
// [0, n) into dst. scores must hold at least n values.
func (m *Model) attendHead(layer, kvHead int, q []float32, n int, scores, dst []float32) {
	scale := float32(1 / math.Sqrt(float64(m.Config.HeadDim())))
	scores = scores[:n]
	for p := 0; p < n; p++ {
		scores[p] = cpu.Dot(q, m.Cache.Key(layer, kvHead, p)) * scale
	}
	cpu.Softmax(scores)
	clear(dst)
	for p := 0; p < n; p++ {
		cpu.Axpy(dst, scores[p], m.Cache.Value(layer, kvHead, p))
	}
}

// attentionPrefill processes rows normalized tokens at positions base..base+rows-1.
// Query t attends causally over cache positions 0..base+t.
func (m *Model) attentionPrefill(layer int, x []float32, rows, base int, out []float32) error {
	b := m.Blocks[layer]
	cfg := m.Config
	dim, hd, kvw := cfg.Dim, cfg.HeadDim(), 2*cfg.KVDim()

	q := m.pool.Get(rows * dim)
	kv := m.pool.Get(rows * kvw)
	heads := m.pool.Get(rows * dim)
	scores := m.pool.Get(base + rows)
	defer func() {
		m.pool.Put(q)
		m.pool.Put(kv)
		m.pool.Put(heads)
		m.pool.Put(scores)
	}()

	if err := b.Q.MatMul(q, x, rows); err != nil {
		return err
	}
	if err := b.KV.MatMul(kv, x, rows); err != nil {
		return err
	}
	for t := 0; t < rows; t++ {
		pos := base + t
		if err := m.populate(layer, pos, kv[t*kvw:(t+1)*kvw]); err != nil {
			return err
		}
		m.Rope.RotateHeads(q[t*dim:(t+1)*dim], pos)
	}

	for t := 0; t < rows; t++ {
		for h := 0; h < cfg.Heads; h++ {
			off := t*dim + h*hd
			m.attendHead(layer, KVHead(h, cfg.Heads, cfg.KVHeads), q[off:off+hd], base+t+1, scores, heads[off:off+hd])
		}
	}
	return b.Proj.MatMul(out, heads, rows)
}

// attentionDecode processes one normalized token at pos using decode scratch.
func (m *Model) attentionDecode(layer int, x []float32, pos int, out []float32) error {
	b := m.Blocks[layer]
	cfg := m.Config
	hd := cfg.HeadDim()
	s := &m.s

	if err := b.Q.MatVec(s.q, x); err != nil {
		return err
	}
	if err := b.KV.MatVec(s.kv, x); err != nil {
		return err
	}
	if err := m.populate(layer, pos, s.kv); err != nil {
		return err
	}
	m.Rope.RotateHeads(s.q, pos)

	for h := 0; h < cfg.Heads; h++ {
		off := h * hd
		m.attendHead(layer, KVHead(h, cfg.Heads, cfg.KVHeads), s.q[off:off+hd], pos+1, s.scores, s.heads[off:off+hd])
	}
	return b.Proj.MatVec(out, s.heads)
}
