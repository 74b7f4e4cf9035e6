package engine

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-trit/internal/config"
	"github.com/23skdu/longbow-trit/internal/ternary"
	"github.com/23skdu/longbow-trit/internal/weights"
)

var loadConfig = config.Config{VocabSize: 16, Dim: 8, Layers: 2, Heads: 2, KVHeads: 1, MaxSeqLen: 8}

func TestLoadMissingTensor(t *testing.T) {
	src, err := weights.Synthesize(loadConfig, weights.SynthOptions{Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	src.Delete(weights.Scale(1, weights.MLPUp))
	_, err = Load(context.Background(), src, loadConfig)
	if !errors.Is(err, weights.ErrNotFound) {
		t.Errorf("Load error = %v, want ErrNotFound", err)
	}
}

func TestLoadShapeMismatch(t *testing.T) {
	tests := []struct {
		name   string
		tensor *weights.Tensor
	}{
		{"embedding", weights.NewFloat32(weights.TokenEmbedding, []int{16, 7}, make([]float32, 112))},
		{"packed width", weights.NewUint8(weights.Packed(0, weights.AttnQuery), []int{8, 3}, make([]byte, 24))},
		{"packed rows", weights.NewUint8(weights.Packed(0, weights.AttnKV), []int{6, 2}, make([]byte, 12))},
		{"rank", weights.NewUint8(weights.Packed(1, weights.AttnOutput), []int{16}, make([]byte, 16))},
		{"scale", weights.NewFloat32(weights.Scale(0, weights.MLPDown), []int{4}, make([]float32, 4))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := weights.Synthesize(loadConfig, weights.SynthOptions{Seed: 1})
			if err != nil {
				t.Fatal(err)
			}
			src.Put(tt.tensor)
			_, err = Load(context.Background(), src, loadConfig)
			var se *ternary.ShapeError
			if !errors.As(err, &se) {
				t.Errorf("Load error = %v, want ShapeError", err)
			}
		})
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	cfg := loadConfig
	cfg.Heads = 3
	var ce *config.ConfigError
	if _, err := Load(context.Background(), weights.NewMemorySource(), cfg); !errors.As(err, &ce) {
		t.Errorf("Load error = %v, want ConfigError", err)
	}
}

func TestLoadHiddenFromGate(t *testing.T) {
	src, err := weights.Synthesize(loadConfig, weights.SynthOptions{Seed: 1, Hidden: 20})
	if err != nil {
		t.Fatal(err)
	}
	m, err := Load(context.Background(), src, loadConfig)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	for i, b := range m.Blocks {
		if b.Hidden() != 20 || b.Down.In != 20 {
			t.Errorf("block %d hidden = %d, down in = %d", i, b.Hidden(), b.Down.In)
		}
	}
}

// The same weights served from an Arrow or GGUF file, half precision included,
// load to the same model as the in-memory source.
func TestLoadFromFiles(t *testing.T) {
	src, err := weights.Synthesize(loadConfig, weights.SynthOptions{Seed: 6, Half: true})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	mem, err := Load(ctx, src, loadConfig)
	if err != nil {
		t.Fatal(err)
	}
	tokens := []int{1, 5, 9}
	want, err := mem.Prefill(tokens)
	if err != nil {
		t.Fatal(err)
	}
	want = slices.Clone(want)

	dir := t.TempDir()
	for _, tc := range []struct {
		name string
		open func() (weights.Source, error)
	}{
		{"arrow", func() (weights.Source, error) {
			path := filepath.Join(dir, "model.arrow")
			if err := weights.WriteArrowFile(path, src.Tensors()); err != nil {
				return nil, err
			}
			return weights.OpenArrowFile(path)
		}},
		{"gguf", func() (weights.Source, error) {
			path := filepath.Join(dir, "model.gguf")
			if err := weights.WriteGGUFFile(path, loadConfig, src.Tensors()); err != nil {
				return nil, err
			}
			return weights.OpenGGUFFile(path)
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			file, err := tc.open()
			if err != nil {
				t.Fatal(err)
			}
			defer file.Close()
			m, err := Load(ctx, file, loadConfig)
			if err != nil {
				t.Fatal(err)
			}
			got, err := m.Prefill(tokens)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("logits differ from memory source:\n%s", diff)
			}
		})
	}
}

func TestBackendRegistry(t *testing.T) {
	if !slices.Contains(Backends(), "cpu") {
		t.Fatalf("cpu backend not registered: %v", Backends())
	}
	src, err := weights.Synthesize(loadConfig, weights.SynthOptions{Seed: 2})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	e, err := New(ctx, "cpu", src, loadConfig, Options{Seed: 1})
	if err != nil {
		t.Fatalf("New(cpu): %v", err)
	}
	defer e.Close()
	if got := e.Info().Layers; got != 2 {
		t.Errorf("Info().Layers = %d", got)
	}
	if _, err := New(ctx, "tpu", src, loadConfig, Options{}); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("unknown backend error = %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("duplicate registration did not panic")
		}
	}()
	RegisterBackend("cpu", nil)
}
