// Package streaming fans report events out to in-process subscribers and
// keeps a per-run replay ring.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType names a report lifecycle event.
type EventType string

const (
	ChapterStarted   EventType = "chapter_started"
	Delta            EventType = "delta"
	ChapterCompleted EventType = "chapter_completed"
	ReportCompleted  EventType = "report_completed"
)

// Event is one report stream event.
type Event struct {
	RunID     string    `json:"run_id"`
	Type      EventType `json:"type"`
	ChapterID int       `json:"chapter_id,omitempty"`
	Chapter   string    `json:"chapter,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// DefaultCapacity is the replay ring size per run.
const DefaultCapacity = 256

// Manager provides in-memory pub/sub for report events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-run ring buffer for replay
	history  map[string]*ring
	capacity int
}

// New returns a manager whose rings hold capacity events. A non-positive
// capacity uses DefaultCapacity.
func New(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for runID; the caller must drain it and
// call Unsubscribe.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish assigns the next sequence number, records evt and sends it to every
// subscriber of runID without blocking. Slow subscribers miss events and can
// catch up with ReplaySince.
func (m *Manager) Publish(runID string, evt Event) Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	evt.RunID = runID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)

	// Sending under the lock keeps per-subscriber order and is safe because
	// the sends never block.
	for ch := range m.subscribers[runID] {
		select {
		case ch <- evt:
		default:
		}
	}
	return evt
}

// Marshal returns the JSON form of e.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// ReplaySince returns retained events with Seq > since.
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay ring of a finished run.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, runID)
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
