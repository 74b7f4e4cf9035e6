package weights

import "fmt"

const (
	TokenEmbedding = "tok.weight"
	OutputHead     = "head.weight"
	FinalNorm      = "norm.weight"
)

// Projection names under blocks.{i}.
const (
	AttnQuery  = "attn.q_proj"
	AttnKV     = "attn.kv_proj"
	AttnOutput = "attn.proj"
	MLPGate    = "mlp.w_gate"
	MLPUp      = "mlp.w_up"
	MLPDown    = "mlp.w_down"
)

// Projections lists every ternary projection of a block in load order.
var Projections = []string{AttnQuery, AttnKV, AttnOutput, MLPGate, MLPUp, MLPDown}

func BlockNorm1(i int) string { return fmt.Sprintf("blocks.%d.norm1.weight", i) }
func BlockNorm2(i int) string { return fmt.Sprintf("blocks.%d.norm2.weight", i) }

// Packed is the name of a projection's packed code tensor.
func Packed(i int, proj string) string {
	return fmt.Sprintf("blocks.%d.%s.weight_packed", i, proj)
}

// Scale is the name of a projection's per-output-channel scale tensor.
func Scale(i int, proj string) string {
	return fmt.Sprintf("blocks.%d.%s.scale", i, proj)
}
