package engine

import (
	"errors"
	"math/rand"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/23skdu/longbow-trit/internal/config"
	"github.com/23skdu/longbow-trit/internal/ternary"
)

var approx = cmpopts.EquateApprox(1e-5, 1e-5)

func consistencyConfigs() map[string]config.Config {
	return map[string]config.Config{
		"gqa": {VocabSize: 32, Dim: 16, Layers: 2, Heads: 4, KVHeads: 2, MaxSeqLen: 16},
		"mqa": {VocabSize: 32, Dim: 16, Layers: 1, Heads: 4, KVHeads: 1, MaxSeqLen: 16},
		"mha": {VocabSize: 32, Dim: 12, Layers: 2, Heads: 3, KVHeads: 3, MaxSeqLen: 16},
	}
}

// Prefill of L tokens followed by a decode of token L must match a prefill of
// all L+1 tokens.
func TestPrefillDecodeConsistency(t *testing.T) {
	tokens := []int{3, 17, 5, 0, 31, 8, 12}
	for name, cfg := range consistencyConfigs() {
		t.Run(name, func(t *testing.T) {
			for l := 1; l < len(tokens); l++ {
				inc := synthModel(t, cfg, 11)
				if _, err := inc.Prefill(tokens[:l]); err != nil {
					t.Fatalf("Prefill(%d): %v", l, err)
				}
				got, err := inc.Decode(tokens[l])
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				got = slices.Clone(got)

				bulk := synthModel(t, cfg, 11)
				want, err := bulk.Prefill(tokens[:l+1])
				if err != nil {
					t.Fatalf("Prefill(%d): %v", l+1, err)
				}
				if diff := cmp.Diff(want, got, approx); diff != "" {
					t.Errorf("L=%d decode logits differ from bulk (-bulk +decode):\n%s", l, diff)
				}
				if inc.Cache.Len() != bulk.Cache.Len() {
					t.Errorf("L=%d cache length %d vs %d", l, inc.Cache.Len(), bulk.Cache.Len())
				}
			}
		})
	}
}

func TestRepeatedDecodeMatchesBulk(t *testing.T) {
	cfg := consistencyConfigs()["gqa"]
	tokens := []int{1, 2, 3, 4, 5, 6, 7, 8}

	inc := synthModel(t, cfg, 5)
	if _, err := inc.Prefill(tokens[:1]); err != nil {
		t.Fatal(err)
	}
	var got []float32
	for _, tok := range tokens[1:] {
		logits, err := inc.Decode(tok)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		got = slices.Clone(logits)
	}

	bulk := synthModel(t, cfg, 5)
	want, err := bulk.Prefill(tokens)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("logits differ (-bulk +decode):\n%s", diff)
	}
}

func TestChunkedPrefill(t *testing.T) {
	cfg := consistencyConfigs()["gqa"]
	tokens := []int{9, 8, 7, 6, 5, 4}

	chunked := synthModel(t, cfg, 2)
	if _, err := chunked.Prefill(tokens[:2]); err != nil {
		t.Fatal(err)
	}
	got, err := chunked.Prefill(tokens[2:])
	if err != nil {
		t.Fatal(err)
	}
	got = slices.Clone(got)

	bulk := synthModel(t, cfg, 2)
	want, err := bulk.Prefill(tokens)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("logits differ (-bulk +chunked):\n%s", diff)
	}
}

// Attention output is a convex combination of cached values, so it must stay
// inside their per-channel range and reproduce a constant exactly.
func TestAttentionWeightsAreDistribution(t *testing.T) {
	cfg := config.Config{VocabSize: 4, Dim: 8, Layers: 1, Heads: 2, KVHeads: 1, MaxSeqLen: 6}
	m := synthModel(t, cfg, 1)
	r := rand.New(rand.NewSource(9))
	hd := cfg.HeadDim()

	for pos := 0; pos < 5; pos++ {
		row := randomFloats(r, 2*cfg.KVDim())
		for c := 0; c < hd; c++ {
			row[hd+c] = 2.5 // every value channel constant
		}
		if err := m.Cache.Store(0, pos, row); err != nil {
			t.Fatal(err)
		}
	}
	dst := make([]float32, hd)
	scores := make([]float32, cfg.MaxSeqLen)
	m.attendHead(0, 0, randomFloats(r, hd), 5, scores, dst)

	var sum float32
	for _, w := range scores[:5] {
		if w < 0 {
			t.Errorf("negative attention weight %v", w)
		}
		sum += w
	}
	if diff := cmp.Diff(float32(1), sum, approx); diff != "" {
		t.Errorf("weights sum: %s", diff)
	}
	want := []float32{2.5, 2.5, 2.5, 2.5}
	if diff := cmp.Diff(want, dst, approx); diff != "" {
		t.Errorf("constant values not reproduced (-want +got):\n%s", diff)
	}
}

func TestPrefillErrors(t *testing.T) {
	cfg := config.Config{VocabSize: 8, Dim: 8, Layers: 1, Heads: 2, MaxSeqLen: 4}
	m := synthModel(t, cfg, 1)

	if _, err := m.Prefill(nil); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("empty prefill error = %v", err)
	}
	if _, err := m.Prefill([]int{1, 2, 3, 4, 5}); !errors.Is(err, ErrPromptTooLong) {
		t.Errorf("long prefill error = %v", err)
	}
	if _, err := m.Prefill([]int{1, 8}); !errors.Is(err, ErrTokenOutOfRange) {
		t.Errorf("out of range token error = %v", err)
	}
	if m.Cache.Len() != 0 {
		t.Errorf("failed prefill committed %d positions", m.Cache.Len())
	}

	if _, err := m.Prefill([]int{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Decode(1); !errors.Is(err, ErrCacheFull) {
		t.Errorf("decode on full cache error = %v", err)
	}
}

func TestNewModelShapeErrors(t *testing.T) {
	cfg := config.Config{VocabSize: 4, Dim: 8, Layers: 1, Heads: 2, KVHeads: 1, MaxSeqLen: 4}
	good := func() *TransformerBlock {
		return &TransformerBlock{
			Norm1: ones(8), Norm2: ones(8),
			Q:    identityLayer(t, "q", 8, 1),
			KV:   identityLayer(t, "kv", 8, 1),
			Proj: identityLayer(t, "proj", 8, 1),
			Gate: identityLayer(t, "gate", 8, 1),
			Up:   identityLayer(t, "up", 8, 1),
			Down: identityLayer(t, "down", 8, 1),
		}
	}
	tests := []struct {
		name   string
		mutate func(b *TransformerBlock)
	}{
		{"short norm", func(b *TransformerBlock) { b.Norm2 = ones(7) }},
		{"wide q", func(b *TransformerBlock) { b.Q = identityLayer(t, "q", 12, 1) }},
		{"up hidden mismatch", func(b *TransformerBlock) { b.Up = identityLayer(t, "up", 4, 1) }},
		{"missing down", func(b *TransformerBlock) { b.Down = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := good()
			tt.mutate(b)
			_, err := NewModel(cfg, make([]float32, 32), make([]float32, 32), ones(8), []*TransformerBlock{b})
			var se *ternary.ShapeError
			if !errors.As(err, &se) {
				t.Errorf("NewModel error = %v, want ShapeError", err)
			}
		})
	}

	if _, err := NewModel(cfg, make([]float32, 31), make([]float32, 32), ones(8), []*TransformerBlock{good()}); err == nil {
		t.Error("short embedding accepted")
	}
}

func TestMemoryStats(t *testing.T) {
	m := identityModel(t, 8)
	st := m.MemoryStats()
	// six 8x8 layers: 16 packed bytes, 128 fp16 bytes and 8 scales each
	want := MemoryStats{PackedBytes: 96, FP16Bytes: 768, CompressionRatio: 8, ScaleBytes: 192}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("MemoryStats mismatch (-want +got):\n%s", diff)
	}
}

func TestActivationTrace(t *testing.T) {
	m := identityModel(t, 8)
	m.Trace = NewActivationLogger()
	m.Trace.Enable([]int{1, 2})
	if _, err := m.Prefill([]int{1, 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Decode(3); err != nil {
		t.Fatal(err)
	}
	log := m.Trace.Log()
	if len(log.Passes) != 2 {
		t.Fatalf("got %d passes, want 2", len(log.Passes))
	}
	if p := log.Passes[1]; p.Kind != "decode" || p.Position != 2 || len(p.Layers) != 1 {
		t.Errorf("decode pass = %+v", p)
	}
	if n := len(log.Passes[0].TopLogit); n != 4 {
		t.Errorf("prefill kept %d top logits, want 4", n)
	}
	for _, p := range log.Passes {
		for _, l := range p.Layers {
			if l.AttnNaNCount+l.AttnInfCount+l.FFNNaNCount+l.FFNInfCount != 0 {
				t.Errorf("non-finite activations in %s layer %d", p.Kind, l.Idx)
			}
		}
	}
}
