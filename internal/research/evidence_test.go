package research

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Kocoro-lab/reportgen/internal/search"
)

func urls(rs []search.Result) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.URL)
	}
	return out
}

func TestSeenSetFilter(t *testing.T) {
	seen := NewSeenSet()
	round1 := map[string][]search.Result{
		"q1": {{URL: "https://a.example/x"}, {URL: "https://b.example/"}},
		"q2": {{URL: "https://b.example/"}, {URL: "https://c.example/"}},
		"q3": {{URL: "https://a.example/x"}},
	}
	got := seen.Filter([]string{"q1", "q2", "q3"}, round1)

	assert.Equal(t, []string{"https://a.example/x", "https://b.example/"}, urls(got["q1"]))
	assert.Equal(t, []string{"https://c.example/"}, urls(got["q2"]))
	_, present := got["q3"]
	assert.False(t, present, "query without survivors has no entry")
	assert.Equal(t, 3, seen.Len())

	round2 := map[string][]search.Result{
		"q4": {{URL: "https://c.example/"}, {URL: "https://d.example/"}},
	}
	got = seen.Filter([]string{"q4"}, round2)
	assert.Equal(t, []string{"https://d.example/"}, urls(got["q4"]))
	assert.True(t, seen.Seen("https://d.example/"))
	assert.False(t, seen.Seen("https://e.example/"))
}

func TestSeenSetFilterIgnoresUnlistedQueries(t *testing.T) {
	seen := NewSeenSet()
	got := seen.Filter([]string{"q1"}, map[string][]search.Result{
		"q1":    {{URL: "https://a.example/"}},
		"stray": {{URL: "https://b.example/"}},
	})
	assert.Len(t, got, 1)
	assert.False(t, seen.Seen("https://b.example/"))
}

func TestKeyFallsBackToRawURL(t *testing.T) {
	assert.Equal(t, "::not a url", Key("::not a url"))
	assert.Equal(t, Key("https://a.example/x"), Key("https://a.example/x"))
}
