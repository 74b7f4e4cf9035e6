package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/23skdu/longbow-trit/internal/config"
	"github.com/23skdu/longbow-trit/internal/logger"
	"github.com/23skdu/longbow-trit/internal/ternary"
	"github.com/23skdu/longbow-trit/internal/weights"
)

// Load reads every named tensor of the model from src and assembles a Model.
// Any fetch or shape failure aborts the whole load.
func Load(ctx context.Context, src weights.Source, cfg config.Config) (*Model, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	l := &loader{ctx: ctx, src: src}
	dim := cfg.Dim

	emb := l.floats(weights.TokenEmbedding, cfg.VocabSize, dim)
	head := l.floats(weights.OutputHead, cfg.VocabSize, dim)
	norm := l.floats(weights.FinalNorm, dim)

	blocks := make([]*TransformerBlock, cfg.Layers)
	for i := range blocks {
		if l.err != nil {
			break
		}
		b := &TransformerBlock{
			Norm1: l.floats(weights.BlockNorm1(i), dim),
			Norm2: l.floats(weights.BlockNorm2(i), dim),
			Q:     l.projection(i, weights.AttnQuery, dim, dim),
			KV:    l.projection(i, weights.AttnKV, dim, 2*cfg.KVDim()),
			Proj:  l.projection(i, weights.AttnOutput, dim, dim),
		}
		b.Gate = l.projection(i, weights.MLPGate, dim, -1)
		if b.Gate != nil {
			hidden := b.Gate.Out
			b.Up = l.projection(i, weights.MLPUp, dim, hidden)
			b.Down = l.projection(i, weights.MLPDown, hidden, dim)
		}
		blocks[i] = b
	}
	if l.err != nil {
		return nil, l.err
	}

	m, err := NewModel(cfg, emb, head, norm, blocks)
	if err != nil {
		return nil, err
	}
	st := m.MemoryStats()
	logger.Log.Info("model loaded",
		"layers", cfg.Layers,
		"dim", cfg.Dim,
		"heads", cfg.Heads,
		"kv_heads", cfg.KVHeads,
		"hidden", blocks[0].Hidden(),
		"packed_bytes", st.PackedBytes,
		"compression", fmt.Sprintf("%.1fx", st.CompressionRatio),
		"duration", time.Since(start),
	)
	return m, nil
}

// loader keeps the first error so the assembly code reads straight through.
type loader struct {
	ctx context.Context
	src weights.Source
	err error
}

func (l *loader) fetch(name string) *weights.Tensor {
	if l.err != nil {
		return nil
	}
	t, err := l.src.Tensor(l.ctx, name)
	if err != nil {
		l.err = fmt.Errorf("engine: load %s: %w", name, err)
		return nil
	}
	return t
}

// floats fetches a float tensor and checks its shape.
func (l *loader) floats(name string, shape ...int) []float32 {
	t := l.fetch(name)
	if t == nil {
		return nil
	}
	if !slices.Equal(t.Shape, shape) {
		l.err = &ternary.ShapeError{Name: name, Want: fmt.Sprint(shape), Got: fmt.Sprint(t.Shape)}
		return nil
	}
	v, err := t.Float32s()
	if err != nil {
		l.err = fmt.Errorf("engine: load %s: %w", name, err)
		return nil
	}
	return v
}

// projection fetches a packed projection of block i. out < 0 takes the output count
// from the packed tensor.
func (l *loader) projection(i int, proj string, in, out int) *ternary.Layer {
	pname := weights.Packed(i, proj)
	pt := l.fetch(pname)
	if pt == nil {
		return nil
	}
	if len(pt.Shape) != 2 {
		l.err = &ternary.ShapeError{Name: pname, Want: "rank 2", Got: fmt.Sprint(pt.Shape)}
		return nil
	}
	if out < 0 {
		out = pt.Shape[0]
	}
	// The stored width is shape[1]*4 in-features, padded to whole bytes.
	if pt.Shape[0] != out || pt.Shape[1] != ternary.RowBytes(in) {
		l.err = &ternary.ShapeError{
			Name: pname,
			Want: fmt.Sprint([]int{out, ternary.RowBytes(in)}),
			Got:  fmt.Sprint(pt.Shape),
		}
		return nil
	}
	packed, err := pt.Bytes()
	if err != nil {
		l.err = fmt.Errorf("engine: load %s: %w", pname, err)
		return nil
	}
	scales := l.floats(weights.Scale(i, proj), out)
	if scales == nil {
		return nil
	}
	layer, err := ternary.NewLayer(fmt.Sprintf("blocks.%d.%s", i, proj), packed, scales, in, out)
	if err != nil {
		l.err = err
		return nil
	}
	return layer
}
