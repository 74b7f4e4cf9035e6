package engine

import (
	"math"
	"math/rand"
	"slices"
	"time"

	"github.com/23skdu/longbow-trit/internal/cpu"
)

type SamplerConfig struct {
	Temperature float64 // <= 0 selects greedy argmax
	TopK        int     // 0 keeps the whole vocabulary
	Seed        int64   // 0 seeds from the clock
}

// Sampler draws tokens from logits. It is not safe for concurrent use.
type Sampler struct {
	Config SamplerConfig
	rng    *rand.Rand
	probs  []float32
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Sample returns the chosen token and its probability under the sampling
// distribution. logits is not modified.
func (s *Sampler) Sample(logits []float32) (int, float32) {
	if s.Config.Temperature <= 0 {
		return cpu.Argmax(logits), 1
	}
	if cap(s.probs) < len(logits) {
		s.probs = make([]float32, len(logits))
	}
	probs := s.probs[:len(logits)]
	inv := float32(1 / s.Config.Temperature)
	for i, v := range logits {
		probs[i] = v * inv
	}
	if k := s.Config.TopK; k > 0 && k < len(probs) {
		applyTopK(probs, k)
	}
	cpu.Softmax(probs)
	tok := pick(probs, s.rng.Float32())
	return tok, probs[tok]
}

// pick walks the cumulative distribution and returns the first index whose
// running sum exceeds r. Rounding can leave the total just below r, in which
// case the last index wins.
func pick(probs []float32, r float32) int {
	var cum float32
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	return len(probs) - 1
}

// applyTopK masks every value below the k-th largest.
func applyTopK(v []float32, k int) {
	sorted := slices.Clone(v)
	slices.Sort(sorted)
	kth := sorted[len(sorted)-k]
	for i := range v {
		if v[i] < kth {
			v[i] = float32(math.Inf(-1))
		}
	}
}
