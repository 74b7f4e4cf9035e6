package weights

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-trit/internal/config"
	"github.com/23skdu/longbow-trit/internal/ternary"
)

// SynthOptions controls Synthesize.
type SynthOptions struct {
	Hidden   int     // feed-forward width, 4*dim when zero
	Seed     int64   // RNG seed
	Sparsity float64 // fraction of zero codes, 1/3 when zero
	Half     bool    // store float tensors as f16
}

// Synthesize builds a random ternary model that satisfies the load contract.
func Synthesize(cfg config.Config, opts SynthOptions) (*MemorySource, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hidden := opts.Hidden
	if hidden == 0 {
		hidden = 4 * cfg.Dim
	}
	sparsity := opts.Sparsity
	if sparsity == 0 {
		sparsity = 1.0 / 3
	}
	r := rand.New(rand.NewSource(opts.Seed))

	floats := NewFloat32
	if opts.Half {
		floats = NewFloat16
	}

	normal := func(n int, std float64) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = float32(r.NormFloat64() * std)
		}
		return v
	}
	ones := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = 1
		}
		return v
	}

	src := NewMemorySource(
		floats(TokenEmbedding, []int{cfg.VocabSize, cfg.Dim}, normal(cfg.VocabSize*cfg.Dim, 1)),
		floats(OutputHead, []int{cfg.VocabSize, cfg.Dim}, normal(cfg.VocabSize*cfg.Dim, 1/math.Sqrt(float64(cfg.Dim)))),
		floats(FinalNorm, []int{cfg.Dim}, ones(cfg.Dim)),
	)

	shapes := map[string][2]int{ // {in, out}
		AttnQuery:  {cfg.Dim, cfg.Dim},
		AttnKV:     {cfg.Dim, 2 * cfg.KVDim()},
		AttnOutput: {cfg.Dim, cfg.Dim},
		MLPGate:    {cfg.Dim, hidden},
		MLPUp:      {cfg.Dim, hidden},
		MLPDown:    {hidden, cfg.Dim},
	}

	for i := 0; i < cfg.Layers; i++ {
		src.Put(floats(BlockNorm1(i), []int{cfg.Dim}, ones(cfg.Dim)))
		src.Put(floats(BlockNorm2(i), []int{cfg.Dim}, ones(cfg.Dim)))
		for _, proj := range Projections {
			in, out := shapes[proj][0], shapes[proj][1]
			codes := make([]int8, in*out)
			for j := range codes {
				if r.Float64() < sparsity {
					continue
				}
				if r.Intn(2) == 0 {
					codes[j] = 1
				} else {
					codes[j] = -1
				}
			}
			packed, err := ternary.Pack(codes, in, out)
			if err != nil {
				return nil, err
			}
			scales := make([]float32, out)
			base := 1 / math.Sqrt(float64(in)*(1-sparsity))
			for j := range scales {
				scales[j] = float32(base * (0.5 + r.Float64()))
			}
			src.Put(NewUint8(Packed(i, proj), []int{out, ternary.RowBytes(in)}, packed))
			src.Put(floats(Scale(i, proj), []int{out}, scales))
		}
	}
	return src, nil
}
