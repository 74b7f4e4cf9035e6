package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
)

// ActivationLog records per-pass activation summaries for debugging a model.
type ActivationLog struct {
	Prompt []int     `json:"prompt"`
	Passes []PassLog `json:"passes"`
}

// PassLog covers one forward pass (the prefill or a single decode step).
type PassLog struct {
	Kind     string             `json:"kind"` // "prefill" or "decode"
	Position int                `json:"position"`
	Tokens   int                `json:"tokens"`
	Layers   []LayerLog         `json:"layers"`
	TopLogit map[string]float32 `json:"top_logits"`
}

// LayerLog captures activations for a single transformer block
type LayerLog struct {
	Idx          int     `json:"idx"`
	AttnOutMax   float32 `json:"attn_out_max"`
	FFNOutMax    float32 `json:"ffn_out_max"`
	ResidualMax  float32 `json:"residual_max"`
	AttnNaNCount int     `json:"attn_nan_count"`
	AttnInfCount int     `json:"attn_inf_count"`
	FFNNaNCount  int     `json:"ffn_nan_count"`
	FFNInfCount  int     `json:"ffn_inf_count"`
}

// ActivationLogger collects an ActivationLog when enabled. A nil or disabled
// logger ignores every call.
type ActivationLogger struct {
	enabled bool
	log     *ActivationLog
	cur     *PassLog
}

func NewActivationLogger() *ActivationLogger {
	return &ActivationLogger{}
}

// Enable starts a fresh log for a session over prompt.
func (al *ActivationLogger) Enable(prompt []int) {
	al.enabled = true
	al.log = &ActivationLog{Prompt: append([]int(nil), prompt...)}
	al.cur = nil
}

func (al *ActivationLogger) IsEnabled() bool {
	return al != nil && al.enabled
}

// Log returns the collected log, nil when logging was never enabled.
func (al *ActivationLogger) Log() *ActivationLog {
	if al == nil {
		return nil
	}
	return al.log
}

func (al *ActivationLogger) beginPass(kind string, pos, tokens int) {
	if !al.IsEnabled() {
		return
	}
	al.log.Passes = append(al.log.Passes, PassLog{Kind: kind, Position: pos, Tokens: tokens})
	al.cur = &al.log.Passes[len(al.log.Passes)-1]
}

func (al *ActivationLogger) logLayer(idx int, attn, ffn, residual []float32) {
	if !al.IsEnabled() || al.cur == nil {
		return
	}
	l := LayerLog{
		Idx:         idx,
		AttnOutMax:  maxAbs(attn),
		FFNOutMax:   maxAbs(ffn),
		ResidualMax: maxAbs(residual),
	}
	l.AttnNaNCount, l.AttnInfCount = countNaNInf(attn)
	l.FFNNaNCount, l.FFNInfCount = countNaNInf(ffn)
	al.cur.Layers = append(al.cur.Layers, l)
}

// logLogits keeps the k largest logits of the pass.
func (al *ActivationLogger) logLogits(logits []float32, k int) {
	if !al.IsEnabled() || al.cur == nil {
		return
	}
	al.cur.TopLogit = make(map[string]float32, k)
	taken := make(map[int]bool, k)
	for len(taken) < k && len(taken) < len(logits) {
		best := -1
		for i, v := range logits {
			if !taken[i] && (best < 0 || v > logits[best]) {
				best = i
			}
		}
		taken[best] = true
		al.cur.TopLogit[strconv.Itoa(best)] = logits[best]
	}
}

// SaveToFile writes the activation log as indented JSON.
func (al *ActivationLogger) SaveToFile(filename string) error {
	if !al.IsEnabled() || al.log == nil {
		return fmt.Errorf("no activation log to save")
	}
	data, err := json.MarshalIndent(al.log, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func maxAbs(data []float32) float32 {
	var m float32
	for _, v := range data {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

// countNaNInf counts NaN and Inf values in a float32 slice
func countNaNInf(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		} else if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	return nanCount, infCount
}
