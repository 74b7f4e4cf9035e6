package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-trit/internal/config"
	"github.com/23skdu/longbow-trit/internal/logger"
	"github.com/23skdu/longbow-trit/internal/weights"
)

func newSynthCmd() *cobra.Command {
	var (
		out    string
		format string
		cfg    = config.Default()
		opts   weights.SynthOptions
	)
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Write a random ternary model directory",
		Long:  "Writes config.json plus weights.arrow or weights.gguf with random ternary projections, for smoke tests and benchmarks.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "arrow" && format != "gguf" {
				return fmt.Errorf("unknown format %q (arrow or gguf)", format)
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return err
			}
			src, err := weights.Synthesize(cfg, opts)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(out, 0755); err != nil {
				return err
			}
			tensors := src.Tensors()
			if format == "gguf" {
				// The shape travels in the GGUF metadata.
				if err := weights.WriteGGUFFile(filepath.Join(out, ggufFile), cfg, tensors); err != nil {
					return err
				}
			} else {
				if err := cfg.Save(filepath.Join(out, configFile)); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
				if err := weights.WriteArrowFile(filepath.Join(out, weightsFile), tensors); err != nil {
					return err
				}
			}
			logger.Log.Info("synthetic model written", "dir", out, "format", format, "tensors", len(tensors), "layers", cfg.Layers, "dim", cfg.Dim)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&out, "out", "o", "model", "output directory")
	f.StringVar(&format, "format", "arrow", "weights container: arrow or gguf")
	f.IntVar(&cfg.VocabSize, "vocab-size", cfg.VocabSize, "vocabulary size")
	f.IntVar(&cfg.Dim, "dim", cfg.Dim, "model width")
	f.IntVar(&cfg.Layers, "layers", cfg.Layers, "transformer blocks")
	f.IntVar(&cfg.Heads, "heads", cfg.Heads, "query heads")
	f.IntVar(&cfg.KVHeads, "kv-heads", cfg.KVHeads, "key/value heads")
	f.IntVar(&cfg.MaxSeqLen, "max-seq-len", cfg.MaxSeqLen, "context length")
	f.IntVar(&opts.Hidden, "hidden", 0, "feed-forward width, 4*dim when 0")
	f.Int64Var(&opts.Seed, "seed", 1, "random seed")
	f.Float64Var(&opts.Sparsity, "sparsity", 0, "fraction of zero weights, 1/3 when 0")
	f.BoolVar(&opts.Half, "f16", false, "store float tensors in half precision")
	return cmd
}
