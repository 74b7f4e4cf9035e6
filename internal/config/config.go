package config

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	// NormEps is the RMS normalization epsilon.
	NormEps = 1e-5
	// RopeTheta is the rotary frequency base.
	RopeTheta = 10000.0
)

// Config describes the shape of a ternary transformer. The JSON tags follow the
// config record shipped next to the weights.
type Config struct {
	VocabSize int `json:"vocab_size"`
	Dim       int `json:"dim"`
	Layers    int `json:"n_layers"`
	Heads     int `json:"n_heads"`
	KVHeads   int `json:"n_kv_heads,omitempty"`
	MaxSeqLen int `json:"max_seq_len"`
}

// ConfigError reports a missing or invalid config field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Default returns a small but usable configuration.
func Default() Config {
	return Config{
		VocabSize: 256,
		Dim:       64,
		Layers:    2,
		Heads:     4,
		KVHeads:   2,
		MaxSeqLen: 128,
	}
}

// Normalize fills optional fields. KVHeads defaults to Heads.
func (c *Config) Normalize() {
	if c.KVHeads == 0 {
		c.KVHeads = c.Heads
	}
}

func (c *Config) Validate() error {
	if c.VocabSize <= 0 {
		return invalid("vocab_size", "%d (must be positive)", c.VocabSize)
	}
	if c.Dim <= 0 {
		return invalid("dim", "%d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return invalid("n_layers", "%d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return invalid("n_heads", "%d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return invalid("n_kv_heads", "%d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return invalid("n_kv_heads", "%d (must be <= n_heads: %d)", c.KVHeads, c.Heads)
	}
	if c.MaxSeqLen <= 0 {
		return invalid("max_seq_len", "%d (must be positive)", c.MaxSeqLen)
	}
	if c.Dim%c.Heads != 0 {
		return invalid("dim", "%d not divisible by n_heads %d", c.Dim, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return invalid("n_kv_heads", "n_heads %d not divisible by %d", c.Heads, c.KVHeads)
	}
	if c.HeadDim()%2 != 0 {
		return invalid("dim", "head dim %d must be even for rotary encoding", c.HeadDim())
	}
	return nil
}

// HeadDim is the per-head channel count.
func (c *Config) HeadDim() int {
	return c.Dim / c.Heads
}

// KVDim is the width of the key (or value) half of the combined projection.
func (c *Config) KVDim() int {
	return c.KVHeads * c.HeadDim()
}

// GQARatio is the number of query heads sharing one key/value head.
func (c *Config) GQARatio() int {
	return c.Heads / c.KVHeads
}

// Parse decodes, normalizes and validates a JSON config record.
func Parse(data []byte) (Config, error) {
	var raw struct {
		VocabSize *int `json:"vocab_size"`
		Dim       *int `json:"dim"`
		Layers    *int `json:"n_layers"`
		Heads     *int `json:"n_heads"`
		KVHeads   *int `json:"n_kv_heads"`
		MaxSeqLen *int `json:"max_seq_len"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}

	required := []struct {
		name string
		v    *int
	}{
		{"vocab_size", raw.VocabSize},
		{"dim", raw.Dim},
		{"n_layers", raw.Layers},
		{"n_heads", raw.Heads},
		{"max_seq_len", raw.MaxSeqLen},
	}
	for _, r := range required {
		if r.v == nil {
			return Config{}, &ConfigError{Field: r.name, Reason: "missing"}
		}
	}

	c := Config{
		VocabSize: *raw.VocabSize,
		Dim:       *raw.Dim,
		Layers:    *raw.Layers,
		Heads:     *raw.Heads,
		MaxSeqLen: *raw.MaxSeqLen,
	}
	if raw.KVHeads != nil {
		c.KVHeads = *raw.KVHeads
		if c.KVHeads == 0 {
			return Config{}, &ConfigError{Field: "n_kv_heads", Reason: "0 (must be positive)"}
		}
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads a JSON config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Save writes the config as indented JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
