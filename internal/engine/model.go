package engine

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-trit/internal/config"
	"github.com/23skdu/longbow-trit/internal/cpu"
	"github.com/23skdu/longbow-trit/internal/metrics"
	"github.com/23skdu/longbow-trit/internal/rope"
	"github.com/23skdu/longbow-trit/internal/ternary"
)

// TransformerBlock is one pre-norm attention + feed-forward block.
type TransformerBlock struct {
	Norm1 []float32
	Norm2 []float32

	Q    *ternary.Layer // dim -> dim
	KV   *ternary.Layer // dim -> 2*kvDim, keys first
	Proj *ternary.Layer // dim -> dim

	Gate *ternary.Layer // dim -> hidden
	Up   *ternary.Layer // dim -> hidden
	Down *ternary.Layer // hidden -> dim
}

// Hidden is the feed-forward width.
func (b *TransformerBlock) Hidden() int { return b.Gate.Out }

func (b *TransformerBlock) layers() []*ternary.Layer {
	return []*ternary.Layer{b.Q, b.KV, b.Proj, b.Gate, b.Up, b.Down}
}

// scratch holds the single-token buffers used by Decode.
type scratch struct {
	x      []float32 // residual stream
	xn     []float32
	q      []float32
	kv     []float32
	heads  []float32 // concatenated head outputs
	attn   []float32
	gate   []float32
	up     []float32
	ffn    []float32
	scores []float32
	logits []float32
}

// Model owns the weights, the rotary table, the KV cache and decode scratch.
// It is not safe for concurrent use.
type Model struct {
	Config    config.Config
	Embedding []float32 // vocab x dim
	Head      []float32 // vocab x dim
	FinalNorm []float32
	Blocks    []*TransformerBlock

	Cache *KVCache
	Rope  *rope.Table
	Trace *ActivationLogger

	pool *cpu.Pool
	s    scratch
}

// NewModel checks every buffer against cfg and allocates the cache, rotary
// table and scratch space.
func NewModel(cfg config.Config, embedding, head, finalNorm []float32, blocks []*TransformerBlock) (*Model, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dim, kvDim := cfg.Dim, cfg.KVDim()
	if err := checkLen("tok.weight", embedding, cfg.VocabSize*dim); err != nil {
		return nil, err
	}
	if err := checkLen("head.weight", head, cfg.VocabSize*dim); err != nil {
		return nil, err
	}
	if err := checkLen("norm.weight", finalNorm, dim); err != nil {
		return nil, err
	}
	if len(blocks) != cfg.Layers {
		return nil, &ternary.ShapeError{Name: "blocks", Want: fmt.Sprintf("%d blocks", cfg.Layers), Got: fmt.Sprintf("%d", len(blocks))}
	}

	hidden := 0
	for i, b := range blocks {
		if err := checkLen(fmt.Sprintf("blocks.%d.norm1", i), b.Norm1, dim); err != nil {
			return nil, err
		}
		if err := checkLen(fmt.Sprintf("blocks.%d.norm2", i), b.Norm2, dim); err != nil {
			return nil, err
		}
		if b.Gate == nil {
			return nil, &ternary.ShapeError{Name: fmt.Sprintf("blocks.%d.mlp.w_gate", i), Want: "layer", Got: "nil"}
		}
		h := b.Gate.Out
		want := []struct {
			l       *ternary.Layer
			in, out int
		}{
			{b.Q, dim, dim},
			{b.KV, dim, 2 * kvDim},
			{b.Proj, dim, dim},
			{b.Gate, dim, h},
			{b.Up, dim, h},
			{b.Down, h, dim},
		}
		for j, w := range want {
			if w.l == nil {
				return nil, &ternary.ShapeError{Name: fmt.Sprintf("blocks.%d.layer%d", i, j), Want: "layer", Got: "nil"}
			}
			if w.l.In != w.in || w.l.Out != w.out {
				return nil, &ternary.ShapeError{
					Name: w.l.Name,
					Want: fmt.Sprintf("%dx%d", w.out, w.in),
					Got:  fmt.Sprintf("%dx%d", w.l.Out, w.l.In),
				}
			}
		}
		if h > hidden {
			hidden = h
		}
	}

	m := &Model{
		Config:    cfg,
		Embedding: embedding,
		Head:      head,
		FinalNorm: finalNorm,
		Blocks:    blocks,
		Cache:     NewKVCache(cfg),
		Rope:      rope.NewTable(cfg.HeadDim(), cfg.MaxSeqLen, config.RopeTheta),
		pool:      cpu.NewPool(),
		s: scratch{
			x:      make([]float32, dim),
			xn:     make([]float32, dim),
			q:      make([]float32, dim),
			kv:     make([]float32, 2*kvDim),
			heads:  make([]float32, dim),
			attn:   make([]float32, dim),
			gate:   make([]float32, hidden),
			up:     make([]float32, hidden),
			ffn:    make([]float32, dim),
			scores: make([]float32, cfg.MaxSeqLen),
			logits: make([]float32, cfg.VocabSize),
		},
	}
	metrics.RecordPackedWeights(m.MemoryStats().PackedBytes)
	return m, nil
}

func checkLen(name string, v []float32, want int) error {
	if len(v) != want {
		return &ternary.ShapeError{Name: name, Want: fmt.Sprintf("%d values", want), Got: fmt.Sprintf("%d", len(v))}
	}
	return nil
}

func (m *Model) embed(dst []float32, token int) error {
	if token < 0 || token >= m.Config.VocabSize {
		return fmt.Errorf("%w: %d (vocab %d)", ErrTokenOutOfRange, token, m.Config.VocabSize)
	}
	dim := m.Config.Dim
	copy(dst, m.Embedding[token*dim:(token+1)*dim])
	return nil
}

// Prefill runs the prompt through every block in one bulk pass, populating the
// cache from its current length, and returns the logits of the last token. The
// returned slice is reused by the next call.
func (m *Model) Prefill(tokens []int) ([]float32, error) {
	n := len(tokens)
	if n == 0 {
		return nil, ErrEmptyPrompt
	}
	base := m.Cache.Len()
	if base+n > m.Config.MaxSeqLen {
		return nil, fmt.Errorf("%w: %d tokens after %d cached, max %d", ErrPromptTooLong, n, base, m.Config.MaxSeqLen)
	}
	dim := m.Config.Dim
	m.Trace.beginPass("prefill", base, n)

	x := m.pool.Get(n * dim)
	xn := m.pool.Get(n * dim)
	attn := m.pool.Get(n * dim)
	ffn := m.pool.Get(n * dim)
	defer func() {
		m.pool.Put(x)
		m.pool.Put(xn)
		m.pool.Put(attn)
		m.pool.Put(ffn)
	}()

	for t, tok := range tokens {
		if err := m.embed(x[t*dim:(t+1)*dim], tok); err != nil {
			return nil, err
		}
	}

	for l, b := range m.Blocks {
		cpu.RMSNormBatch(xn, x, b.Norm1, dim, config.NormEps)
		start := time.Now()
		if err := m.attentionPrefill(l, xn, n, base, attn); err != nil {
			return nil, err
		}
		metrics.RecordKernelDuration("attention_prefill", time.Since(start))
		cpu.Add(x, attn)

		cpu.RMSNormBatch(xn, x, b.Norm2, dim, config.NormEps)
		start = time.Now()
		if err := m.feedForwardPrefill(l, xn, n, ffn); err != nil {
			return nil, err
		}
		metrics.RecordKernelDuration("feedforward_prefill", time.Since(start))
		cpu.Add(x, ffn)
		m.Trace.logLayer(l, attn, ffn, x)
	}

	if err := m.Cache.Commit(n); err != nil {
		return nil, err
	}
	return m.logits(x[(n-1)*dim:]), nil
}

// Decode runs one token at position Cache.Len() and returns its logits. The
// returned slice is reused by the next call.
func (m *Model) Decode(token int) ([]float32, error) {
	pos := m.Cache.Len()
	if pos >= m.Config.MaxSeqLen {
		return nil, fmt.Errorf("%w: position %d", ErrCacheFull, pos)
	}
	s := &m.s
	m.Trace.beginPass("decode", pos, 1)

	if err := m.embed(s.x, token); err != nil {
		return nil, err
	}
	for l, b := range m.Blocks {
		cpu.RMSNorm(s.xn, s.x, b.Norm1, config.NormEps)
		start := time.Now()
		if err := m.attentionDecode(l, s.xn, pos, s.attn); err != nil {
			return nil, err
		}
		metrics.RecordKernelDuration("attention_decode", time.Since(start))
		cpu.Add(s.x, s.attn)

		cpu.RMSNorm(s.xn, s.x, b.Norm2, config.NormEps)
		start = time.Now()
		if err := m.feedForwardDecode(l, s.xn, s.ffn); err != nil {
			return nil, err
		}
		metrics.RecordKernelDuration("feedforward_decode", time.Since(start))
		cpu.Add(s.x, s.ffn)
		m.Trace.logLayer(l, s.attn, s.ffn, s.x)
	}

	if err := m.Cache.Commit(1); err != nil {
		return nil, err
	}
	return m.logits(s.x), nil
}

// logits applies the final norm and the vocabulary projection to one hidden row.
func (m *Model) logits(h []float32) []float32 {
	s := &m.s
	start := time.Now()
	cpu.RMSNorm(s.xn, h, m.FinalNorm, config.NormEps)
	cpu.MatVec(s.logits, m.Head, s.xn, m.Config.VocabSize, m.Config.Dim)
	metrics.RecordKernelDuration("lm_head", time.Since(start))
	m.Trace.logLogits(s.logits, min(5, len(s.logits)))
	return s.logits
}

// MemoryStats compares packed ternary storage with an fp16 rendition of the same
// projections. Embedding and head are not counted.
type MemoryStats struct {
	PackedBytes      int64   `json:"packed_bytes"`
	FP16Bytes        int64   `json:"fp16_bytes"`
	CompressionRatio float64 `json:"compression_ratio"`
	ScaleBytes       int64   `json:"scale_bytes"`
}

func (m *Model) MemoryStats() MemoryStats {
	var st MemoryStats
	for _, b := range m.Blocks {
		for _, l := range b.layers() {
			st.PackedBytes += l.PackedBytes()
			st.FP16Bytes += l.FP16Bytes()
			st.ScaleBytes += l.ScaleBytes()
		}
	}
	if st.PackedBytes > 0 {
		st.CompressionRatio = float64(st.FP16Bytes) / float64(st.PackedBytes)
	}
	return st
}

// Close releases pooled scratch memory.
func (m *Model) Close() {
	m.pool.Free()
}
