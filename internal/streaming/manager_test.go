package streaming

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	for i := 1; i <= 4; i++ {
		r.push(Event{Seq: uint64(i)})
	}
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, []uint64{2, 3, 4}, seqs(evs))
	assert.Equal(t, []uint64{3, 4}, seqs(r.since(2)))
	assert.Empty(t, r.since(4))
}

func TestPublishAssignsSequenceAndRunID(t *testing.T) {
	m := New(8)
	first := m.Publish("run-1", Event{Type: ChapterStarted, Chapter: "Market"})
	second := m.Publish("run-1", Event{Type: Delta, Text: "hello"})
	other := m.Publish("run-2", Event{Type: Delta})

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, uint64(1), other.Seq, "sequences are per run")
	assert.Equal(t, "run-1", second.RunID)
	assert.False(t, second.Timestamp.IsZero())
}

func TestSubscribeReceivesInOrder(t *testing.T) {
	m := New(0)
	ch := m.Subscribe("run", 16)
	for _, text := range []string{"a", "b", "c"} {
		m.Publish("run", Event{Type: Delta, Text: text})
	}
	m.Unsubscribe("run", ch)

	var got []string
	for evt := range ch {
		got = append(got, evt.Text)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestSlowSubscriberDropsButReplayCatchesUp(t *testing.T) {
	m := New(16)
	ch := m.Subscribe("run", 1)
	defer m.Unsubscribe("run", ch)
	for i := 0; i < 5; i++ {
		m.Publish("run", Event{Type: Delta})
	}

	evt := <-ch
	assert.Equal(t, uint64(1), evt.Seq)
	assert.Equal(t, []uint64{2, 3, 4, 5}, seqs(m.ReplaySince("run", evt.Seq)))
}

func TestReplayRingCapacity(t *testing.T) {
	m := New(5)
	for i := 0; i < 8; i++ {
		m.Publish("run", Event{Type: Delta})
	}
	assert.Equal(t, []uint64{4, 5, 6, 7, 8}, seqs(m.ReplaySince("run", 0)))
	assert.Equal(t, []uint64{7, 8}, seqs(m.ReplaySince("run", 6)))
	assert.Nil(t, m.ReplaySince("unknown", 0))

	m.Forget("run")
	assert.Nil(t, m.ReplaySince("run", 0))
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	m := New(4)
	ch := m.Subscribe("run", 1)
	m.Unsubscribe("run", ch)
	assert.NotPanics(t, func() { m.Unsubscribe("run", ch) })
}

func TestConcurrentPublish(t *testing.T) {
	m := New(1000)
	ch := m.Subscribe("run", 1000)
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				m.Publish("run", Event{Type: Delta})
			}
		}()
	}
	wg.Wait()
	m.Unsubscribe("run", ch)

	var last uint64
	n := 0
	for evt := range ch {
		assert.Greater(t, evt.Seq, last)
		last = evt.Seq
		n++
	}
	assert.Equal(t, 500, n)
}

func TestEventMarshal(t *testing.T) {
	evt := Event{RunID: "r", Type: ChapterCompleted, ChapterID: 3, Chapter: "Outlook", Seq: 9}
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(evt.Marshal(), &decoded))
	assert.Equal(t, "chapter_completed", decoded["type"])
	assert.Equal(t, "Outlook", decoded["chapter"])
	assert.NotContains(t, decoded, "text")
}

func seqs(evs []Event) []uint64 {
	out := make([]uint64, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Seq)
	}
	return out
}
