package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-trit/internal/config"
	"github.com/23skdu/longbow-trit/internal/registry"
	"github.com/23skdu/longbow-trit/internal/tokenizer"
	"github.com/23skdu/longbow-trit/internal/weights"
)

// Files inside a model directory. A directory holds either weights file.
const (
	configFile  = "config.json"
	weightsFile = "weights.arrow"
	ggufFile    = "weights.gguf"
	vocabFile   = "vocab.json"
)

// modelFiles are the resolved paths of one model. Empty means absent.
type modelFiles struct {
	config string
	arrow  string
	gguf   string
	vocab  string
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func dirFiles(dir string) modelFiles {
	var mf modelFiles
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{configFile, &mf.config},
		{weightsFile, &mf.arrow},
		{ggufFile, &mf.gguf},
		{vocabFile, &mf.vocab},
	} {
		if p := filepath.Join(dir, f.name); exists(p) {
			*f.dst = p
		}
	}
	return mf
}

func storeFiles(model string) (modelFiles, error) {
	store, err := registry.Default()
	if err != nil {
		return modelFiles{}, err
	}
	paths, err := store.Resolve(model)
	if err != nil {
		return modelFiles{}, err
	}
	return modelFiles{
		config: paths[registry.MediaTypeConfig],
		arrow:  paths[registry.MediaTypeArrow],
		gguf:   paths[registry.MediaTypeGGUF],
		vocab:  paths[registry.MediaTypeVocab],
	}, nil
}

type modelFlags struct {
	model  string
	flight string
	config string
	vocab  string
}

func (f *modelFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "model directory, or name[:tag] of an installed model")
	cmd.Flags().StringVar(&f.flight, "flight", "", "fetch weights from an Arrow Flight weight server at host[:port]")
	cmd.Flags().StringVar(&f.config, "config", "", "config file, overrides the model's own")
	cmd.Flags().StringVar(&f.vocab, "vocab", "", "vocabulary file, overrides the model's own")
}

// resolve finds the model's files on disk or in the model store.
func (f *modelFlags) resolve() (modelFiles, error) {
	if f.model == "" {
		return modelFiles{}, nil
	}
	if st, err := os.Stat(f.model); err == nil && st.IsDir() {
		return dirFiles(f.model), nil
	}
	mf, err := storeFiles(f.model)
	if err != nil {
		return modelFiles{}, fmt.Errorf("resolve model %s: %w", f.model, err)
	}
	return mf, nil
}

// open resolves config, weight source and tokenizer from the flags.
func (f *modelFlags) open() (config.Config, weights.Source, tokenizer.Tokenizer, error) {
	if f.model == "" && (f.flight == "" || f.config == "") {
		return config.Config{}, nil, nil, errors.New("--model, or --flight with --config, is required")
	}
	files, err := f.resolve()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	if f.config != "" {
		files.config = f.config
	}
	if f.vocab != "" {
		files.vocab = f.vocab
	}

	var (
		src  weights.Source
		cfg  config.Config
		gsrc *weights.GGUFSource
		fail = func(err error) (config.Config, weights.Source, tokenizer.Tokenizer, error) {
			if src != nil {
				src.Close()
			}
			return config.Config{}, nil, nil, err
		}
	)
	switch {
	case f.flight != "":
		src, err = weights.DialFlight(f.flight)
	case files.arrow != "":
		src, err = weights.OpenArrowFile(files.arrow)
	case files.gguf != "":
		gsrc, err = weights.OpenGGUFFile(files.gguf)
		if err == nil {
			src = gsrc
		}
	default:
		err = fmt.Errorf("%s has neither %s nor %s", f.model, weightsFile, ggufFile)
	}
	if err != nil {
		return fail(fmt.Errorf("open weights: %w", err))
	}

	switch {
	case files.config != "":
		cfg, err = config.Load(files.config)
	case gsrc != nil:
		cfg, err = gsrc.Config()
	default:
		err = errors.New("no config file")
	}
	if err != nil {
		return fail(fmt.Errorf("load config: %w", err))
	}

	var tok tokenizer.Tokenizer
	if files.vocab != "" {
		v, err := tokenizer.LoadVocab(files.vocab)
		if err != nil {
			return fail(fmt.Errorf("load vocab: %w", err))
		}
		if v.Size() != cfg.VocabSize {
			return fail(fmt.Errorf("vocab has %d tokens, model expects %d", v.Size(), cfg.VocabSize))
		}
		tok = v
	}
	return cfg, src, tok, nil
}
