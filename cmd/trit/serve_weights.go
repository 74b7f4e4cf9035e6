package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-trit/internal/logger"
	"github.com/23skdu/longbow-trit/internal/weights"
)

func newServeWeightsCmd() *cobra.Command {
	var dir, addr string
	cmd := &cobra.Command{
		Use:   "serve-weights",
		Short: "Serve a model's weights over Arrow Flight",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return fmt.Errorf("--model is required")
			}
			src, err := weights.OpenArrowFile(filepath.Join(dir, weightsFile))
			if err != nil {
				return err
			}
			defer src.Close()

			srv, err := weights.ServeFlight(addr, src)
			if err != nil {
				return err
			}
			logger.Log.Info("weight server ready", "addr", srv.Addr().String(), "tensors", len(src.Names()))

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			<-ctx.Done()
			logger.Log.Info("shutting down weight server")
			srv.Shutdown()
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "model", "m", "", "model directory holding weights.arrow")
	cmd.Flags().StringVar(&addr, "addr", fmt.Sprintf("localhost:%d", weights.DefaultFlightPort), "listen address")
	return cmd
}
