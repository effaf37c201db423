package research

import (
	"github.com/Kocoro-lab/reportgen/internal/metadata"
	"github.com/Kocoro-lab/reportgen/internal/metrics"
	"github.com/Kocoro-lab/reportgen/internal/search"
)

// Key is the dedup key of a result URL.
func Key(url string) string { return metadata.CanonicalKey(url) }

// SeenSet records every URL already consumed by one deep search session. It is
// owned by a single Run and passed down every level; it is not goroutine-safe.
type SeenSet struct {
	seen map[string]struct{}
}

func NewSeenSet() *SeenSet {
	return &SeenSet{seen: make(map[string]struct{})}
}

// Seen reports whether url was already consumed.
func (s *SeenSet) Seen(url string) bool {
	_, ok := s.seen[Key(url)]
	return ok
}

func (s *SeenSet) Len() int { return len(s.seen) }

// Filter drops results whose URL was seen before, walking queries in
// queryOrder and results in rank order. Survivors are marked immediately, so
// the first occurrence within a round wins. Queries left with nothing are
// absent from the returned map.
func (s *SeenSet) Filter(queryOrder []string, results map[string][]search.Result) map[string][]search.Result {
	out := make(map[string][]search.Result)
	for _, q := range queryOrder {
		for _, r := range results[q] {
			if s.Seen(r.URL) {
				metrics.DuplicateResults.Inc()
				continue
			}
			s.seen[Key(r.URL)] = struct{}{}
			out[q] = append(out[q], r)
		}
	}
	return out
}
