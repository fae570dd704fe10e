package audit

import (
	"context"
	"sync"
)

// MemorySink keeps the most recent records in memory.
type MemorySink struct {
	mu    sync.RWMutex
	max   int
	items []Record
}

// NewMemorySink keeps at most max records (1000 when max <= 0).
func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 1000
	}
	return &MemorySink{max: max}
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Send(_ context.Context, r Record) error {
	m.mu.Lock()
	m.items = append(m.items, r)
	if len(m.items) > m.max {
		m.items = append([]Record(nil), m.items[len(m.items)-m.max:]...)
	}
	m.mu.Unlock()
	return nil
}

// List returns matching records newest first.
func (m *MemorySink) List(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := q.limit()
	out := make([]Record, 0, limit)
	for i := len(m.items) - 1; i >= 0 && len(out) < limit; i-- {
		if q.matches(m.items[i]) {
			out = append(out, m.items[i])
		}
	}
	return out, nil
}
