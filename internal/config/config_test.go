package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.HeadDim() != 16 {
		t.Errorf("expected HeadDim 16, got %d", cfg.HeadDim())
	}
	if cfg.KVDim() != 32 {
		t.Errorf("expected KVDim 32, got %d", cfg.KVDim())
	}
	if cfg.GQARatio() != 2 {
		t.Errorf("expected GQARatio 2, got %d", cfg.GQARatio())
	}
}

func TestValidate(t *testing.T) {
	valid := Config{VocabSize: 4, Dim: 8, Layers: 1, Heads: 2, KVHeads: 1, MaxSeqLen: 8}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		field   string
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, "", false},
		{"mha", func(c *Config) { c.KVHeads = 2 }, "", false},
		{"invalid vocab", func(c *Config) { c.VocabSize = 0 }, "vocab_size", true},
		{"invalid dim", func(c *Config) { c.Dim = -1 }, "dim", true},
		{"invalid layers", func(c *Config) { c.Layers = 0 }, "n_layers", true},
		{"invalid heads", func(c *Config) { c.Heads = 0 }, "n_heads", true},
		{"invalid kv heads", func(c *Config) { c.KVHeads = 0 }, "n_kv_heads", true},
		{"kv heads exceed heads", func(c *Config) { c.KVHeads = 4 }, "n_kv_heads", true},
		{"invalid seq len", func(c *Config) { c.MaxSeqLen = 0 }, "max_seq_len", true},
		{"dim not divisible", func(c *Config) { c.Dim = 9 }, "dim", true},
		{"heads not divisible", func(c *Config) { c.Dim = 12; c.Heads = 3; c.KVHeads = 2 }, "n_kv_heads", true},
		{"odd head dim", func(c *Config) { c.Dim = 6 }, "dim", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *ConfigError, got %T", err)
			}
			if ce.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, ce.Field)
			}
		})
	}
}

func TestParseDefaultsKVHeads(t *testing.T) {
	cfg, err := Parse([]byte(`{"vocab_size":32,"dim":16,"n_layers":2,"n_heads":4,"max_seq_len":64}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.KVHeads != 4 {
		t.Errorf("expected n_kv_heads to default to n_heads, got %d", cfg.KVHeads)
	}
}

func TestParseMissingField(t *testing.T) {
	_, err := Parse([]byte(`{"vocab_size":32,"dim":16,"n_heads":4,"max_seq_len":64}`))
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if ce.Field != "n_layers" || ce.Reason != "missing" {
		t.Errorf("unexpected error: %+v", ce)
	}
}

func TestParseExplicitZeroKVHeads(t *testing.T) {
	_, err := Parse([]byte(`{"vocab_size":32,"dim":16,"n_layers":1,"n_heads":4,"n_kv_heads":0,"max_seq_len":64}`))
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Field != "n_kv_heads" {
		t.Fatalf("expected n_kv_heads ConfigError, got %v", err)
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	want := Config{VocabSize: 4, Dim: 8, Layers: 1, Heads: 2, KVHeads: 1, MaxSeqLen: 8}
	if err := want.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}
