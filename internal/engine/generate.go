package engine

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-trit/internal/config"
	"github.com/23skdu/longbow-trit/internal/logger"
	"github.com/23skdu/longbow-trit/internal/metrics"
	"github.com/23skdu/longbow-trit/internal/tokenizer"
	"github.com/23skdu/longbow-trit/internal/weights"
)

func init() {
	RegisterBackend("cpu", func(ctx context.Context, src weights.Source, cfg config.Config, opts Options) (Engine, error) {
		m, err := Load(ctx, src, cfg)
		if err != nil {
			return nil, err
		}
		return NewCPUEngine(m, opts), nil
	})
}

// State is the generation controller's lifecycle stage.
type State int32

const (
	Idle State = iota
	Prefilling
	Decoding
	Stopped
	Completed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Prefilling:
		return "prefilling"
	case Decoding:
		return "decoding"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StopReason says why the last session ended. Capacity and cancellation are not
// errors: the partial text is returned normally.
type StopReason string

const (
	StopCompleted        StopReason = "completed"
	StopCancelled        StopReason = "cancelled"
	StopCapacityExceeded StopReason = "capacity_exceeded"
	StopError            StopReason = "error"
)

// CPUEngine drives a Model through one generation session at a time.
type CPUEngine struct {
	model   *Model
	tok     tokenizer.Tokenizer
	sampler *Sampler
	trace   bool
	log     *logger.Logger

	running  atomic.Bool
	stop     atomic.Bool
	state    atomic.Int32
	cacheLen atomic.Int64

	mu     sync.Mutex
	reason StopReason
}

func NewCPUEngine(m *Model, opts Options) *CPUEngine {
	tok := opts.Tokenizer
	if tok == nil {
		tok = tokenizer.ByteLevel(m.Config.VocabSize)
	}
	return &CPUEngine{
		model:   m,
		tok:     tok,
		sampler: NewSampler(SamplerConfig{Seed: opts.Seed, TopK: opts.TopK}),
		trace:   opts.Trace,
		log:     logger.Log.With("engine"),
	}
}

// Model exposes the underlying model, for diagnostics.
func (e *CPUEngine) Model() *Model { return e.model }

func (e *CPUEngine) setState(s State) { e.state.Store(int32(s)) }

func (e *CPUEngine) syncCacheLen() { e.cacheLen.Store(int64(e.model.Cache.Len())) }

func (e *CPUEngine) finish(reason StopReason) {
	e.mu.Lock()
	e.reason = reason
	e.mu.Unlock()
	if reason == StopCompleted {
		e.setState(Completed)
	} else {
		e.setState(Stopped)
	}
	metrics.RecordSession(string(reason))
}

func (e *CPUEngine) fail(stage string, err error) error {
	metrics.RecordSessionError(stage)
	e.finish(StopError)
	e.log.Error("generation failed", "stage", stage, "error", err)
	return err
}

// yield lets other goroutines run and reports whether generation may continue.
func (e *CPUEngine) yield(ctx context.Context) bool {
	runtime.Gosched()
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return !e.stop.Load()
}

func (e *CPUEngine) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64, onToken TokenFunc) (string, error) {
	if !e.running.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	defer e.running.Store(false)
	e.stop.Store(false)

	ids, err := e.tok.Encode(prompt)
	if err != nil {
		return "", e.fail("tokenize", fmt.Errorf("engine: encode prompt: %w", err))
	}
	if len(ids) == 0 {
		return "", e.fail("tokenize", ErrEmptyPrompt)
	}
	cfg := e.model.Config
	if len(ids) > cfg.MaxSeqLen {
		return "", e.fail("tokenize", fmt.Errorf("%w: %d tokens, max %d", ErrPromptTooLong, len(ids), cfg.MaxSeqLen))
	}

	if e.trace {
		if e.model.Trace == nil {
			e.model.Trace = NewActivationLogger()
		}
		e.model.Trace.Enable(ids)
	}

	e.model.Cache.Reset()
	e.syncCacheLen()
	e.setState(Prefilling)
	e.log.Info("generation started", "prompt_tokens", len(ids), "max_tokens", maxTokens, "temperature", temperature)

	start := time.Now()
	logits, err := e.model.Prefill(ids)
	if err != nil {
		return "", e.fail("prefill", err)
	}
	metrics.RecordPrefill(len(ids), time.Since(start))
	e.syncCacheLen()

	e.setState(Decoding)
	e.sampler.Config.Temperature = temperature
	var out strings.Builder
	reason := StopCompleted
	generated := 0
	decodeStart := time.Now()

	for generated < maxTokens {
		tok, prob := e.sampler.Sample(logits)
		metrics.RecordSample(float64(prob))
		text := e.tok.DecodeToken(tok)
		out.WriteString(text)
		generated++

		elapsed := time.Since(decodeStart)
		stats := Stats{TotalTokens: generated, Elapsed: elapsed}
		if elapsed > 0 {
			stats.TokensPerSecond = float64(generated) / elapsed.Seconds()
		}
		e.log.Debug("token", "step", generated, "id", tok, "prob", prob)
		if onToken != nil {
			onToken(text, stats)
		}

		if !e.yield(ctx) {
			reason = StopCancelled
			break
		}
		if e.model.Cache.Len() >= cfg.MaxSeqLen-1 {
			reason = StopCapacityExceeded
			break
		}

		stepStart := time.Now()
		logits, err = e.model.Decode(tok)
		if err != nil {
			metrics.RecordInference(generated, time.Since(decodeStart))
			return out.String(), e.fail("decode", err)
		}
		metrics.RecordDecodeStep(time.Since(stepStart))
		e.syncCacheLen()
	}

	elapsed := time.Since(decodeStart)
	metrics.RecordInference(generated, elapsed)
	e.finish(reason)
	e.log.Info("generation finished",
		"reason", string(reason),
		"tokens", generated,
		"cache_len", e.model.Cache.Len(),
		"duration", elapsed,
	)
	return out.String(), nil
}

func (e *CPUEngine) Stop() {
	e.stop.Store(true)
}

// ResetCache empties the KV cache. It is ignored while a session runs.
func (e *CPUEngine) ResetCache() {
	if e.running.Load() {
		e.log.Warn("cache reset ignored during generation")
		return
	}
	e.model.Cache.Reset()
	e.syncCacheLen()
	e.setState(Idle)
}

func (e *CPUEngine) MemoryStats() MemoryStats {
	return e.model.MemoryStats()
}

func (e *CPUEngine) Info() Info {
	cfg := e.model.Config
	return Info{
		VocabSize:     cfg.VocabSize,
		HiddenSize:    cfg.Dim,
		ContextLength: cfg.MaxSeqLen,
		Layers:        cfg.Layers,
	}
}

func (e *CPUEngine) Status() Status {
	e.mu.Lock()
	reason := e.reason
	e.mu.Unlock()
	return Status{
		State:      State(e.state.Load()),
		StopReason: reason,
		CacheLen:   int(e.cacheLen.Load()),
		Capacity:   e.model.Config.MaxSeqLen,
	}
}

// Trace returns the activation log of the last traced session.
func (e *CPUEngine) Trace() *ActivationLogger { return e.model.Trace }

func (e *CPUEngine) Close() error {
	e.model.Close()
	return nil
}
