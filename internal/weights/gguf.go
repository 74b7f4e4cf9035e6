package weights

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-trit/internal/config"
	"github.com/23skdu/longbow-trit/internal/gguf"
	"github.com/23skdu/longbow-trit/internal/metrics"
)

// GGUF metadata keys. The layout follows the <arch>.<field> convention of other
// GGUF producers so generic inspectors can read the shape.
const (
	GGUFArchitecture = "trit"

	ggufArchKey      = "general.architecture"
	ggufVocabKey     = GGUFArchitecture + ".vocab_size"
	ggufDimKey       = GGUFArchitecture + ".embedding_length"
	ggufLayersKey    = GGUFArchitecture + ".block_count"
	ggufHeadsKey     = GGUFArchitecture + ".attention.head_count"
	ggufKVHeadsKey   = GGUFArchitecture + ".attention.head_count_kv"
	ggufContextKey   = GGUFArchitecture + ".context_length"
	ggufPackingKey   = GGUFArchitecture + ".packing"
	ggufPackingValue = "2bit-lsb"
)

func ggmlType(d DType) (gguf.GGMLType, bool) {
	switch d {
	case Float32:
		return gguf.GGMLTypeF32, true
	case Float16:
		return gguf.GGMLTypeF16, true
	case Uint8:
		return gguf.GGMLTypeI8, true
	}
	return 0, false
}

func dtypeOf(t gguf.GGMLType) (DType, bool) {
	switch t {
	case gguf.GGMLTypeF32:
		return Float32, true
	case gguf.GGMLTypeF16:
		return Float16, true
	case gguf.GGMLTypeI8:
		return Uint8, true
	}
	return "", false
}

// WriteGGUFFile stores cfg as metadata and tensors as F32, F16 or I8 tensors.
// Packed ternary rows go in I8 tensors byte for byte.
func WriteGGUFFile(path string, cfg config.Config, tensors []*Tensor) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	w := gguf.NewWriter()
	for _, kv := range []struct {
		key   string
		value interface{}
	}{
		{ggufArchKey, GGUFArchitecture},
		{ggufVocabKey, uint32(cfg.VocabSize)},
		{ggufDimKey, uint32(cfg.Dim)},
		{ggufLayersKey, uint32(cfg.Layers)},
		{ggufHeadsKey, uint32(cfg.Heads)},
		{ggufKVHeadsKey, uint32(cfg.KVHeads)},
		{ggufContextKey, uint32(cfg.MaxSeqLen)},
		{ggufPackingKey, ggufPackingValue},
	} {
		if err := w.SetKV(kv.key, kv.value); err != nil {
			return err
		}
	}
	for _, t := range tensors {
		if err := t.Validate(); err != nil {
			return err
		}
		typ, ok := ggmlType(t.DType)
		if !ok {
			return fmt.Errorf("weights: %s: no GGUF type for %s", t.Name, t.DType)
		}
		if err := w.AddTensor(t.Name, typ, t.Shape, t.Data); err != nil {
			return fmt.Errorf("weights: %w", err)
		}
	}
	if err := w.WriteFile(path); err != nil {
		return fmt.Errorf("weights: write %s: %w", path, err)
	}
	return nil
}

// GGUFSource serves tensors from a memory-mapped GGUF file.
type GGUFSource struct {
	mu   sync.Mutex
	file *gguf.GGUFFile
}

// OpenGGUFFile maps path and checks that it holds a ternary model.
func OpenGGUFFile(path string) (*GGUFSource, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("weights: open gguf file %s: %w", path, err)
	}
	if arch, _ := f.StringValue(ggufArchKey); arch != GGUFArchitecture {
		f.Close()
		return nil, fmt.Errorf("weights: %s: architecture %q, want %q", path, arch, GGUFArchitecture)
	}
	if p, ok := f.StringValue(ggufPackingKey); ok && p != ggufPackingValue {
		f.Close()
		return nil, fmt.Errorf("weights: %s: unsupported packing %q", path, p)
	}
	return &GGUFSource{file: f}, nil
}

// Config rebuilds the model shape from the file metadata.
func (s *GGUFSource) Config() (config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return config.Config{}, fmt.Errorf("weights: gguf source closed")
	}
	var cfg config.Config
	for _, f := range []struct {
		key string
		dst *int
	}{
		{ggufVocabKey, &cfg.VocabSize},
		{ggufDimKey, &cfg.Dim},
		{ggufLayersKey, &cfg.Layers},
		{ggufHeadsKey, &cfg.Heads},
		{ggufKVHeadsKey, &cfg.KVHeads},
		{ggufContextKey, &cfg.MaxSeqLen},
	} {
		v, ok := s.file.Uint(f.key)
		if !ok && f.key != ggufKVHeadsKey {
			return config.Config{}, fmt.Errorf("weights: gguf metadata %s missing", f.key)
		}
		*f.dst = int(v)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// Tensor copies the named tensor out of the mapping.
func (s *GGUFSource) Tensor(ctx context.Context, name string) (*Tensor, error) {
	start := time.Now()
	defer func() { metrics.RecordWeightFetch("gguf_file", time.Since(start)) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil, fmt.Errorf("weights: gguf source closed")
	}
	info, ok := s.file.Tensor(name)
	if !ok {
		return nil, notFound(name)
	}
	dt, ok := dtypeOf(info.Type)
	if !ok {
		return nil, fmt.Errorf("weights: %w", gguf.ErrUnsupportedType{Name: name, Type: info.Type})
	}
	t := &Tensor{
		Name:  name,
		Shape: info.Shape(),
		DType: dt,
		Data:  append([]byte(nil), info.Data...),
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Names lists the tensors in file order.
func (s *GGUFSource) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	names := make([]string, len(s.file.Tensors))
	for i, t := range s.file.Tensors {
		names[i] = t.Name
	}
	return names
}

func (s *GGUFSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
