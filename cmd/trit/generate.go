package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-trit/internal/engine"
	"github.com/23skdu/longbow-trit/internal/logger"
	"github.com/23skdu/longbow-trit/internal/monitoring"
)

func newGenerateCmd() *cobra.Command {
	var (
		mf          modelFlags
		prompt      string
		maxTokens   int
		temperature float64
		seed        int64
		topK        int
		backend     string
		metricsAddr string
		dumpPath    string
		verbose     bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate text from a prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, src, tok, err := mf.open()
			if err != nil {
				return err
			}
			defer src.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			e, err := engine.New(ctx, backend, src, cfg, engine.Options{
				Tokenizer: tok,
				Seed:      seed,
				TopK:      topK,
				Trace:     dumpPath != "",
			})
			if err != nil {
				return err
			}
			defer e.Close()

			hm := monitoring.NewHealthMonitor(e)
			var ln net.Listener
			if metricsAddr != "" {
				if ln, err = net.Listen("tcp", metricsAddr); err != nil {
					return fmt.Errorf("metrics listener: %w", err)
				}
				logger.Log.Info("serving metrics", "addr", ln.Addr().String())
			}

			g, gctx := errgroup.WithContext(ctx)
			done := make(chan struct{})

			if ln != nil {
				g.Go(func() error {
					if err := hm.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					select {
					case <-done:
					case <-gctx.Done():
					}
					sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer scancel()
					return hm.Stop(sctx)
				})
			}

			// Signals stop generation at the next token boundary.
			g.Go(func() error {
				select {
				case <-gctx.Done():
					e.Stop()
				case <-done:
				}
				return nil
			})

			out := cmd.OutOrStdout()
			var last engine.Stats
			g.Go(func() error {
				defer close(done)
				start := time.Now()
				_, err := e.Generate(gctx, prompt, maxTokens, temperature, func(text string, st engine.Stats) {
					fmt.Fprint(out, text)
					last = st
				})
				fmt.Fprintln(out)
				hm.RecordSession(last.TotalTokens, time.Since(start), err)
				return err
			})

			if err := g.Wait(); err != nil {
				return err
			}

			status := e.Status()
			if verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d tokens in %s (%.1f tok/s), stop: %s, cache %d/%d\n",
					last.TotalTokens, last.Elapsed.Round(time.Millisecond), last.TokensPerSecond,
					status.StopReason, status.CacheLen, status.Capacity)
			}
			if dumpPath != "" {
				if ce, ok := e.(*engine.CPUEngine); ok {
					if err := ce.Trace().SaveToFile(dumpPath); err != nil {
						return err
					}
					logger.Log.Info("activation log saved", "path", dumpPath)
				}
			}
			return nil
		},
	}
	mf.register(cmd)
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "Hello", "prompt text")
	cmd.Flags().IntVarP(&maxTokens, "max-tokens", "n", 32, "maximum tokens to generate")
	cmd.Flags().Float64VarP(&temperature, "temperature", "t", 0.8, "sampling temperature, 0 for greedy")
	cmd.Flags().Int64Var(&seed, "seed", 0, "sampler seed, 0 for random")
	cmd.Flags().IntVar(&topK, "top-k", 0, "sample only from the k most likely tokens")
	cmd.Flags().StringVar(&backend, "backend", "cpu", "engine backend")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve /healthz, /status and /metrics on this address")
	cmd.Flags().StringVar(&dumpPath, "dump-activations", "", "write a per-layer activation log as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print timing after generation")
	return cmd
}
