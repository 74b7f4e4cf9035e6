// Package engine runs autoregressive generation over ternary transformer weights.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/23skdu/longbow-trit/internal/config"
	"github.com/23skdu/longbow-trit/internal/tokenizer"
	"github.com/23skdu/longbow-trit/internal/weights"
)

var (
	ErrBusy            = errors.New("engine: generation already in progress")
	ErrEmptyPrompt     = errors.New("engine: prompt encodes to no tokens")
	ErrPromptTooLong   = errors.New("engine: prompt exceeds context length")
	ErrTokenOutOfRange = errors.New("engine: token id out of range")
	ErrUnknownBackend  = errors.New("engine: unknown backend")
)

// Stats is the live telemetry passed to the token callback.
type Stats struct {
	TokensPerSecond float64
	TotalTokens     int
	Elapsed         time.Duration
}

// TokenFunc receives each generated token's text.
type TokenFunc func(text string, stats Stats)

// Info describes the loaded model.
type Info struct {
	VocabSize     int `json:"vocab_size"`
	HiddenSize    int `json:"hidden_size"`
	ContextLength int `json:"context_length"`
	Layers        int `json:"layers"`
}

// Status is a point-in-time view of the engine, safe to read while generating.
type Status struct {
	State      State      `json:"state"`
	StopReason StopReason `json:"stop_reason,omitempty"`
	CacheLen   int        `json:"cache_len"`
	Capacity   int        `json:"capacity"`
}

// Engine is the generation contract shared by every backend.
type Engine interface {
	// Generate tokenizes prompt, prefills the cache and samples up to maxTokens
	// tokens. It returns the generated text without the prompt.
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64, onToken TokenFunc) (string, error)
	// Stop requests cancellation; it takes effect at the next token boundary.
	Stop()
	ResetCache()
	MemoryStats() MemoryStats
	Info() Info
	Status() Status
	Close() error
}

// Options are backend-independent construction settings.
type Options struct {
	Tokenizer tokenizer.Tokenizer // byte-level over the model vocabulary when nil
	Seed      int64
	TopK      int
	Trace     bool // collect an ActivationLog per session
}

// Factory builds an engine from a weight source.
type Factory func(ctx context.Context, src weights.Source, cfg config.Config, opts Options) (Engine, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Factory)
)

// RegisterBackend makes a backend available to New. It panics on duplicates.
func RegisterBackend(name string, f Factory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic("engine: backend registered twice: " + name)
	}
	backends[name] = f
}

// Backends lists registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New constructs the named backend.
func New(ctx context.Context, backend string, src weights.Source, cfg config.Config, opts Options) (Engine, error) {
	backendsMu.RLock()
	f, ok := backends[backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownBackend, backend, Backends())
	}
	return f(ctx, src, cfg, opts)
}
