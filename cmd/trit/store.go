package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-trit/internal/logger"
	"github.com/23skdu/longbow-trit/internal/registry"
)

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install NAME[:TAG] DIR",
		Short: "Copy a model directory into the model store",
		Long:  "Copies the files of a model directory into the model store ($" + registry.EnvDir + ", default ~/.trit/models) so that --model can refer to it by name.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, dir := args[0], args[1]
			if st, err := os.Stat(dir); err != nil || !st.IsDir() {
				return fmt.Errorf("%s is not a model directory", dir)
			}
			files := dirFiles(dir)
			if files.arrow == "" && files.gguf == "" {
				return fmt.Errorf("%s has neither %s nor %s", dir, weightsFile, ggufFile)
			}
			if files.arrow != "" && files.config == "" {
				return fmt.Errorf("%s has %s but no %s", dir, weightsFile, configFile)
			}
			layers := make(map[string]string)
			for mt, p := range map[string]string{
				registry.MediaTypeConfig: files.config,
				registry.MediaTypeArrow:  files.arrow,
				registry.MediaTypeGGUF:   files.gguf,
				registry.MediaTypeVocab:  files.vocab,
			} {
				if p != "" {
					layers[mt] = p
				}
			}

			store, err := registry.Default()
			if err != nil {
				return err
			}
			m, err := store.Install(name, layers)
			if err != nil {
				return err
			}
			var size int64
			for _, l := range m.Layers {
				size += l.Size
			}
			logger.Log.Info("model installed", "name", name, "layers", len(m.Layers), "bytes", size, "store", store.Root())
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := registry.Default()
			if err != nil {
				return err
			}
			models, err := store.List()
			if err != nil {
				return err
			}
			for _, m := range models {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm NAME[:TAG]",
		Short: "Remove an installed model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := registry.Default()
			if err != nil {
				return err
			}
			return store.Remove(args[0])
		},
	}
}
