package outline

import (
	"encoding/json"

	"github.com/Kocoro-lab/reportgen/internal/references"
)

// DefaultReferenceLimit caps the reference text handed to the outline planner.
const DefaultReferenceLimit = 100000

type referenceItem struct {
	Content string `json:"content"`
	ID      int    `json:"id"`
}

// ReferenceText interleaves per-query reference lists round-robin (first hit
// of every query, then the second, ...) into a JSON array. An item that would
// push the total content length past maxLen is skipped along with the rest of
// its round.
func ReferenceText(groups [][]references.Entry, maxLen int) string {
	maxCol := 0
	for _, g := range groups {
		maxCol = max(maxCol, len(g))
	}

	items := []referenceItem{}
	total := 0
	for col := 0; col < maxCol; col++ {
		for _, g := range groups {
			if col >= len(g) {
				continue
			}
			content := g[col].Content
			if maxLen > 0 && total+len(content) > maxLen {
				break
			}
			items = append(items, referenceItem{Content: content, ID: g[col].ID})
			total += len(content)
		}
	}

	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}
