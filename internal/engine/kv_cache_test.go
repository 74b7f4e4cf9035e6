package engine

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-trit/internal/config"
)

func TestKVHeadMapping(t *testing.T) {
	tests := []struct {
		heads, kvHeads int
		want           []int
	}{
		{4, 4, []int{0, 1, 2, 3}}, // multi-head: identity
		{4, 2, []int{0, 0, 1, 1}},
		{4, 1, []int{0, 0, 0, 0}},
		{6, 3, []int{0, 0, 1, 1, 2, 2}},
	}
	for _, tt := range tests {
		got := make([]int, tt.heads)
		for h := range got {
			got[h] = KVHead(h, tt.heads, tt.kvHeads)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("KVHead(heads=%d, kv=%d) mismatch (-want +got):\n%s", tt.heads, tt.kvHeads, diff)
		}
	}
}

func TestKVHeadReducesToMHA(t *testing.T) {
	for heads := 1; heads <= 16; heads++ {
		for h := 0; h < heads; h++ {
			if got := KVHead(h, heads, heads); got != h {
				t.Fatalf("KVHead(%d, %d, %d) = %d, want %d", h, heads, heads, got, h)
			}
		}
	}
}

func TestKVCacheLayout(t *testing.T) {
	cfg := config.Config{VocabSize: 4, Dim: 8, Layers: 2, Heads: 4, KVHeads: 2, MaxSeqLen: 3}
	c := NewKVCache(cfg)
	// kvDim = 4: keys for heads 0,1 then values for heads 0,1
	row := []float32{1, 2, 3, 4, 10, 20, 30, 40}
	if err := c.Store(1, 2, row); err != nil {
		t.Fatalf("Store: %v", err)
	}
	checks := []struct {
		got, want []float32
	}{
		{c.Key(1, 0, 2), []float32{1, 2}},
		{c.Key(1, 1, 2), []float32{3, 4}},
		{c.Value(1, 0, 2), []float32{10, 20}},
		{c.Value(1, 1, 2), []float32{30, 40}},
		{c.Key(0, 0, 2), []float32{0, 0}},
	}
	for i, ch := range checks {
		if diff := cmp.Diff(ch.want, ch.got); diff != "" {
			t.Errorf("check %d (-want +got):\n%s", i, diff)
		}
	}
	if got, want := c.Bytes(), int64(2*2*2*3*2*4); got != want {
		t.Errorf("Bytes() = %d, want %d", got, want)
	}
}

func TestKVCacheBounds(t *testing.T) {
	cfg := config.Config{VocabSize: 4, Dim: 4, Layers: 1, Heads: 2, KVHeads: 1, MaxSeqLen: 2}
	c := NewKVCache(cfg)
	if err := c.Store(0, 2, make([]float32, 4)); !errors.Is(err, ErrCacheFull) {
		t.Errorf("Store past capacity error = %v, want ErrCacheFull", err)
	}
	if err := c.Store(0, 0, make([]float32, 3)); err == nil {
		t.Error("Store with short row should fail")
	}
	if err := c.Store(1, 0, make([]float32, 4)); err == nil {
		t.Error("Store to missing layer should fail")
	}
	if err := c.Commit(3); !errors.Is(err, ErrCacheFull) {
		t.Errorf("Commit past capacity error = %v, want ErrCacheFull", err)
	}
	if c.Len() != 0 {
		t.Errorf("failed commit moved cursor to %d", c.Len())
	}
}

func TestKVCacheMonotonic(t *testing.T) {
	cfg := config.Config{VocabSize: 4, Dim: 4, Layers: 1, Heads: 1, MaxSeqLen: 8}
	cfg.Normalize()
	c := NewKVCache(cfg)
	prev := c.Len()
	for _, n := range []int{3, 0, 1, 1, 2} {
		if err := c.Commit(n); err != nil {
			t.Fatalf("Commit(%d): %v", n, err)
		}
		if c.Len() < prev {
			t.Fatalf("cursor decreased from %d to %d", prev, c.Len())
		}
		prev = c.Len()
	}
	if c.Len() != 7 {
		t.Errorf("Len() = %d, want 7", c.Len())
	}
	if err := c.Commit(-1); err == nil {
		t.Error("negative commit accepted")
	}
	c.Reset()
	if c.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", c.Len())
	}
}
