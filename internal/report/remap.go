package report

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Kocoro-lab/reportgen/internal/metrics"
	"github.com/Kocoro-lab/reportgen/internal/outline"
)

var (
	citationRun = regexp.MustCompile(`(\[\^[^\[\]]+\] *)+`)
	digits      = regexp.MustCompile(`\d+`)
)

// Remapper rewrites chapter-local citations [^i] into the global ids recorded
// in Knowledge[i].RealReference.
type Remapper struct {
	Knowledge []outline.LearningKnowledge
}

// Remap replaces every run of adjacent citation markers in segment. All
// numbers found in a run are treated as local indices; the run becomes the
// sorted, de-duplicated global markers, or nothing when none resolve.
func (r Remapper) Remap(segment string) string {
	return citationRun.ReplaceAllStringFunc(segment, r.remapRun)
}

func (r Remapper) remapRun(run string) string {
	var ids []int
	for _, d := range digits.FindAllString(run, -1) {
		i, err := strconv.Atoi(d)
		if err != nil || i < 0 || i >= len(r.Knowledge) {
			continue
		}
		ids = append(ids, r.Knowledge[i].RealReference...)
	}
	sort.Ints(ids)

	var b strings.Builder
	prev, emitted := 0, 0
	for _, id := range ids {
		if emitted > 0 && id == prev {
			continue
		}
		fmt.Fprintf(&b, "[^%d]", id)
		prev = id
		emitted++
	}
	metrics.FootnotesRemapped.Add(float64(emitted))
	return b.String()
}
