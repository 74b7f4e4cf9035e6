package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-trit/internal/engine"
)

func newInfoCmd() *cobra.Command {
	var (
		mf      modelFlags
		backend string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Load a model and print its shape and memory footprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, src, tok, err := mf.open()
			if err != nil {
				return err
			}
			defer src.Close()

			e, err := engine.New(cmd.Context(), backend, src, cfg, engine.Options{Tokenizer: tok})
			if err != nil {
				return err
			}
			defer e.Close()

			info, mem := e.Info(), e.MemoryStats()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					engine.Info
					Heads       int                `json:"heads"`
					KVHeads     int                `json:"kv_heads"`
					MemoryStats engine.MemoryStats `json:"memory"`
				}{info, cfg.Heads, cfg.KVHeads, mem})
			}
			fmt.Fprintf(out, "vocab size:      %d\n", info.VocabSize)
			fmt.Fprintf(out, "hidden size:     %d\n", info.HiddenSize)
			fmt.Fprintf(out, "layers:          %d\n", info.Layers)
			fmt.Fprintf(out, "heads:           %d (kv %d)\n", cfg.Heads, cfg.KVHeads)
			fmt.Fprintf(out, "context length:  %d\n", info.ContextLength)
			fmt.Fprintf(out, "packed weights:  %d bytes\n", mem.PackedBytes)
			fmt.Fprintf(out, "fp16 equivalent: %d bytes\n", mem.FP16Bytes)
			fmt.Fprintf(out, "scales:          %d bytes\n", mem.ScaleBytes)
			fmt.Fprintf(out, "compression:     %.2fx\n", mem.CompressionRatio)
			return nil
		},
	}
	mf.register(cmd)
	cmd.Flags().StringVar(&backend, "backend", "cpu", "engine backend")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
