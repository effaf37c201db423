package references

import (
	"context"
	"sync"

	"github.com/Kocoro-lab/reportgen/internal/metrics"
)

// Memory is an in-process Registry guarded by a mutex.
type Memory struct {
	mu      sync.Mutex
	next    int
	ids     map[string]int
	entries []Entry
}

// NewMemory starts numbering at start (1 when start < 1).
func NewMemory(start int) *Memory {
	if start < 1 {
		start = 1
	}
	return &Memory{next: start, ids: make(map[string]int)}
}

func (m *Memory) Register(_ context.Context, url, content string) (int, error) {
	k := key(url)
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.ids[k]; ok {
		metrics.ReferencesRegistered.WithLabelValues("memory", "existing").Inc()
		return id, nil
	}
	id := m.next
	m.next++
	m.ids[k] = id
	m.entries = append(m.entries, Entry{ID: id, Content: content, URL: url})
	metrics.ReferencesRegistered.WithLabelValues("memory", "new").Inc()
	return id, nil
}

func (m *Memory) Lookup(_ context.Context, url string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ids[key(url)]
	return id, ok, nil
}

// Entries are appended in id order, so no sort is needed.
func (m *Memory) Entries(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...), nil
}
