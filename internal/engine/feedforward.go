package engine

import "github.com/23skdu/longbow-trit/internal/cpu"

// feedForwardPrefill computes Down(silu(Gate x) * Up x) for rows tokens.
func (m *Model) feedForwardPrefill(layer int, x []float32, rows int, out []float32) error {
	b := m.Blocks[layer]
	h := b.Hidden()
	gate := m.pool.Get(rows * h)
	up := m.pool.Get(rows * h)
	defer func() {
		m.pool.Put(gate)
		m.pool.Put(up)
	}()

	if err := b.Gate.MatMul(gate, x, rows); err != nil {
		return err
	}
	if err := b.Up.MatMul(up, x, rows); err != nil {
		return err
	}
	cpu.SwiGLU(gate, gate, up)
	return b.Down.MatMul(out, gate, rows)
}

func (m *Model) feedForwardDecode(layer int, x, out []float32) error {
	b := m.Blocks[layer]
	h := b.Hidden()
	gate, up := m.s.gate[:h], m.s.up[:h]

	if err := b.Gate.MatVec(gate, x); err != nil {
		return err
	}
	if err := b.Up.MatVec(up, x); err != nil {
		return err
	}
	cpu.SwiGLU(gate, gate, up)
	return b.Down.MatVec(out, gate)
}
