package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/23skdu/longbow-trit/internal/config"
)

func TestGenerateEndToEnd(t *testing.T) {
	m := identityModel(t, 8)
	e := NewCPUEngine(m, Options{Tokenizer: letters(t), Seed: 42})

	var steps []Stats
	var pieces []string
	text, err := e.Generate(context.Background(), "b", 3, 1.0, func(piece string, st Stats) {
		pieces = append(pieces, piece)
		steps = append(steps, st)
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(pieces) != 3 {
		t.Fatalf("callback ran %d times, want 3", len(pieces))
	}
	if text != strings.Join(pieces, "") || len(text) != 3 {
		t.Errorf("Generate returned %q, callbacks saw %v", text, pieces)
	}
	for i, st := range steps {
		if st.TotalTokens != i+1 {
			t.Errorf("step %d TotalTokens = %d, want %d", i, st.TotalTokens, i+1)
		}
		if st.Elapsed < 0 || st.TokensPerSecond < 0 {
			t.Errorf("step %d bad stats %+v", i, st)
		}
	}
	if got := m.Cache.Len(); got != 4 {
		t.Errorf("cache length = %d, want 4", got)
	}
	st := e.Status()
	if st.State != Completed || st.StopReason != StopCompleted || st.CacheLen != 4 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestGenerateStopInCallback(t *testing.T) {
	e := NewCPUEngine(identityModel(t, 8), Options{Tokenizer: letters(t), Seed: 1})
	calls := 0
	text, err := e.Generate(context.Background(), "a", 5, 1.0, func(string, Stats) {
		calls++
		e.Stop()
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if calls != 1 || len(text) != 1 {
		t.Errorf("got %d callbacks and %q, want exactly one token", calls, text)
	}
	if st := e.Status(); st.State != Stopped || st.StopReason != StopCancelled {
		t.Errorf("Status() = %+v", st)
	}

	// The flag is cleared by the next session.
	text, err = e.Generate(context.Background(), "a", 2, 1.0, nil)
	if err != nil || len(text) != 2 {
		t.Errorf("second Generate = %q, %v", text, err)
	}
}

func TestGenerateContextCancel(t *testing.T) {
	e := NewCPUEngine(identityModel(t, 8), Options{Tokenizer: letters(t), Seed: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	text, err := e.Generate(ctx, "a", 5, 0, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(text) != 1 {
		t.Errorf("got %q, want one token before the cancelled yield", text)
	}
	if e.Status().StopReason != StopCancelled {
		t.Errorf("StopReason = %q", e.Status().StopReason)
	}
}

func TestGenerateCapacity(t *testing.T) {
	m := identityModel(t, 2)
	e := NewCPUEngine(m, Options{Tokenizer: letters(t), Seed: 1})
	text, err := e.Generate(context.Background(), "c", 10, 1.0, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(text) == 0 || len(text) > 2 {
		t.Errorf("got %q, want a short result", text)
	}
	if m.Cache.Len() > 2 {
		t.Errorf("cache length %d exceeds capacity", m.Cache.Len())
	}
	if got := m.Cache.Len() - 1; got > 1 {
		t.Errorf("%d decode steps, want at most 1", got)
	}
	if e.Status().StopReason != StopCapacityExceeded {
		t.Errorf("StopReason = %q", e.Status().StopReason)
	}
}

func TestGenerateMonotonicCache(t *testing.T) {
	cfg := config.Config{VocabSize: 64, Dim: 16, Layers: 2, Heads: 4, KVHeads: 2, MaxSeqLen: 32}
	e := NewCPUEngine(synthModel(t, cfg, 4), Options{Seed: 8})
	prev := -1
	_, err := e.Generate(context.Background(), "\x01\x02\x03", 12, 0.8, func(string, Stats) {
		n := e.Status().CacheLen
		if n < prev {
			t.Errorf("cache length fell from %d to %d", prev, n)
		}
		prev = n
	})
	if err != nil {
		t.Fatal(err)
	}
	if prev < 3 {
		t.Errorf("cache length never passed the prompt: %d", prev)
	}
	e.ResetCache()
	if st := e.Status(); st.CacheLen != 0 || st.State != Idle {
		t.Errorf("after ResetCache Status() = %+v", st)
	}
}

func TestGenerateBusy(t *testing.T) {
	e := NewCPUEngine(identityModel(t, 8), Options{Tokenizer: letters(t), Seed: 1})
	var inner error
	_, err := e.Generate(context.Background(), "a", 1, 1.0, func(string, Stats) {
		_, inner = e.Generate(context.Background(), "b", 1, 1.0, nil)
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !errors.Is(inner, ErrBusy) {
		t.Errorf("nested Generate error = %v, want ErrBusy", inner)
	}
}

func TestGeneratePromptErrors(t *testing.T) {
	e := NewCPUEngine(identityModel(t, 4), Options{Tokenizer: letters(t), Seed: 1})
	ctx := context.Background()
	if _, err := e.Generate(ctx, "", 3, 1, nil); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("empty prompt error = %v", err)
	}
	if _, err := e.Generate(ctx, "abcda", 3, 1, nil); !errors.Is(err, ErrPromptTooLong) {
		t.Errorf("long prompt error = %v", err)
	}
	if _, err := e.Generate(ctx, "xyz", 3, 1, nil); err == nil {
		t.Error("untokenizable prompt accepted")
	}
	if st := e.Status(); st.StopReason != StopError {
		t.Errorf("StopReason = %q", st.StopReason)
	}
}

func TestGenerateGreedyDeterministic(t *testing.T) {
	cfg := config.Config{VocabSize: 64, Dim: 16, Layers: 1, Heads: 2, MaxSeqLen: 16}
	e := NewCPUEngine(synthModel(t, cfg, 12), Options{})
	ctx := context.Background()
	a, err := e.Generate(ctx, "\x05\x06", 6, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Generate(ctx, "\x05\x06", 6, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("greedy runs differ: %q vs %q", a, b)
	}
}

func TestEngineInfoAndTrace(t *testing.T) {
	cfg := config.Config{VocabSize: 16, Dim: 8, Layers: 3, Heads: 2, MaxSeqLen: 12}
	e := NewCPUEngine(synthModel(t, cfg, 1), Options{Trace: true, Seed: 3})
	want := Info{VocabSize: 16, HiddenSize: 8, ContextLength: 12, Layers: 3}
	if got := e.Info(); got != want {
		t.Errorf("Info() = %+v, want %+v", got, want)
	}
	if _, err := e.Generate(context.Background(), "\x01\x02", 2, 1, nil); err != nil {
		t.Fatal(err)
	}
	log := e.Trace().Log()
	if log == nil || len(log.Passes) != 3 {
		t.Fatalf("trace = %+v, want prefill and two decodes", log)
	}
	if len(log.Passes[0].Layers) != 3 {
		t.Errorf("prefill traced %d layers, want 3", len(log.Passes[0].Layers))
	}
}
