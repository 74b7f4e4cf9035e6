package weights

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/23skdu/longbow-trit/internal/metrics"
)

// MemorySource keeps tensors in a map. It is safe for concurrent use.
type MemorySource struct {
	mu      sync.RWMutex
	tensors map[string]*Tensor
}

func NewMemorySource(tensors ...*Tensor) *MemorySource {
	m := &MemorySource{tensors: make(map[string]*Tensor, len(tensors))}
	for _, t := range tensors {
		m.tensors[t.Name] = t
	}
	return m
}

// Put adds or replaces a tensor.
func (m *MemorySource) Put(t *Tensor) {
	m.mu.Lock()
	m.tensors[t.Name] = t
	m.mu.Unlock()
}

// Delete removes a tensor if present.
func (m *MemorySource) Delete(name string) {
	m.mu.Lock()
	delete(m.tensors, name)
	m.mu.Unlock()
}

func (m *MemorySource) Tensor(ctx context.Context, name string) (*Tensor, error) {
	start := time.Now()
	defer func() { metrics.RecordWeightFetch("memory", time.Since(start)) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	t, ok := m.tensors[name]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(name)
	}
	return t, nil
}

// Names returns the stored tensor names in sorted order.
func (m *MemorySource) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tensors))
	for n := range m.tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Tensors returns the stored tensors ordered by name.
func (m *MemorySource) Tensors() []*Tensor {
	names := m.Names()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Tensor, len(names))
	for i, n := range names {
		out[i] = m.tensors[n]
	}
	return out
}

func (m *MemorySource) Close() error { return nil }
