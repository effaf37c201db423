package formatting

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Kocoro-lab/reportgen/internal/references"
)

var (
	footnoteMarker = regexp.MustCompile(`\[\^(\d+)\]`)
	footnoteDef    = regexp.MustCompile(`^\[\^\d+\]:\s`)
)

// CitedIDs collects the global ids cited inline as [^n]. Footnote definition
// lines are not counted.
func CitedIDs(report string) map[int]bool {
	used := map[int]bool{}
	for _, line := range strings.Split(report, "\n") {
		if footnoteDef.MatchString(strings.TrimSpace(line)) {
			continue
		}
		for _, m := range footnoteMarker.FindAllStringSubmatch(line, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil {
				used[n] = true
			}
		}
	}
	return used
}

// FormatReportWithFootnotes returns report followed by a "[^id]: url" line for
// every entry, ordered by id. Any footnote block already trailing the report
// is dropped first, so formatting twice gives the same result.
func FormatReportWithFootnotes(report string, entries []references.Entry) string {
	body := strings.TrimRight(stripFootnotes(report), "\n")
	if len(entries) == 0 {
		return body
	}

	sorted := append([]references.Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	lines := make([]string, 0, len(sorted))
	for _, e := range sorted {
		lines = append(lines, fmt.Sprintf("[^%d]: %s", e.ID, e.URL))
	}

	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\n")
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}

// stripFootnotes removes trailing footnote definitions and blank lines.
func stripFootnotes(report string) string {
	lines := strings.Split(strings.TrimRight(report, "\n "), "\n")
	end := len(lines)
	for end > 0 {
		t := strings.TrimSpace(lines[end-1])
		if t != "" && !footnoteDef.MatchString(t) {
			break
		}
		end--
	}
	return strings.Join(lines[:end], "\n")
}
