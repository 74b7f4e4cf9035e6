package engine

import (
	"context"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-trit/internal/config"
	"github.com/23skdu/longbow-trit/internal/ternary"
	"github.com/23skdu/longbow-trit/internal/tokenizer"
	"github.com/23skdu/longbow-trit/internal/weights"
)

// synthModel loads a random model through the regular load path.
func synthModel(t *testing.T, cfg config.Config, seed int64) *Model {
	t.Helper()
	src, err := weights.Synthesize(cfg, weights.SynthOptions{Seed: seed})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	m, err := Load(context.Background(), src, cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func identityLayer(t *testing.T, name string, n int, scale float32) *ternary.Layer {
	t.Helper()
	values := make([]int8, n*n)
	scales := make([]float32, n)
	for i := 0; i < n; i++ {
		values[i*n+i] = 1
		scales[i] = scale
	}
	l, err := ternary.FromValues(name, values, scales, n, n)
	if err != nil {
		t.Fatalf("FromValues(%s): %v", name, err)
	}
	return l
}

func ones(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

func randomFloats(r *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

// identityModel is a one-block model whose projections are all identity
// matrices, so the feed-forward block computes silu(x)*x.
func identityModel(t *testing.T, maxSeqLen int) *Model {
	t.Helper()
	cfg := config.Config{VocabSize: 4, Dim: 8, Layers: 1, Heads: 2, KVHeads: 1, MaxSeqLen: maxSeqLen}
	r := rand.New(rand.NewSource(3))
	block := &TransformerBlock{
		Norm1: ones(8),
		Norm2: ones(8),
		Q:     identityLayer(t, "q", 8, 1),
		KV:    identityLayer(t, "kv", 8, 1),
		Proj:  identityLayer(t, "proj", 8, 1),
		Gate:  identityLayer(t, "gate", 8, 1),
		Up:    identityLayer(t, "up", 8, 1),
		Down:  identityLayer(t, "down", 8, 1),
	}
	m, err := NewModel(cfg, randomFloats(r, 32), randomFloats(r, 32), ones(8), []*TransformerBlock{block})
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func letters(t *testing.T) *tokenizer.Vocab {
	t.Helper()
	v, err := tokenizer.NewVocab([]string{"a", "b", "c", "d"}, -1)
	if err != nil {
		t.Fatal(err)
	}
	return v
}
