// Package outline parses and renders the chapter tree of a report.
package outline

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Kocoro-lab/reportgen/internal/util"
)

var ErrNoChapters = errors.New("outline has no chapters")

// ParseError carries the raw model output that failed to parse.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse outline: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Reference links a chapter to a global reference id.
type Reference struct {
	RefID  int    `json:"ref_id"`
	Source string `json:"source,omitempty"`
}

// LearningKnowledge is an insight with the global ids backing it.
type LearningKnowledge struct {
	Insight       string `json:"insight"`
	RealReference []int  `json:"real_reference"`
}

// Chapter is a node of the outline tree. The finalized tree holds no
// upward links.
type Chapter struct {
	ID                int                 `json:"id"`
	Level             int                 `json:"level"`
	Title             string              `json:"title"`
	Thinking          string              `json:"thinking,omitempty"`
	Summary           string              `json:"summary,omitempty"`
	SubChapters       []*Chapter          `json:"sub_chapters,omitempty"`
	References        []Reference         `json:"references,omitempty"`
	LearningKnowledge []LearningKnowledge `json:"learning_knowledge,omitempty"`

	parent *Chapter
}

var (
	markdownFence = regexp.MustCompile("(?s)```\\s*markdown\n(.*)```")
	headingLine   = regexp.MustCompile(`^(#+)\s+(.*)`)
)

// Parse builds the chapter tree from model output. The body of a ```markdown
// fence is used when present. The first top-level heading becomes the root.
func Parse(text string) (*Chapter, error) {
	body := text
	if m := markdownFence.FindStringSubmatch(text); m != nil {
		body = m[1]
	}

	root := &Chapter{ID: 0, Level: 0}
	current := root
	nextID := 0

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := headingLine.FindStringSubmatch(line); m != nil {
			nextID++
			level := len(m[1])
			for current != nil && current.Level >= level {
				current = current.parent
			}
			if current == nil {
				current = root
			}
			ch := &Chapter{ID: nextID, Level: level, Title: m[2], parent: current}
			current.SubChapters = append(current.SubChapters, ch)
			current = ch
			continue
		}
		if s := util.ExtractTagContent(line, "summary"); len(s) > 0 {
			current.Summary = s[0]
		}
		if th := util.ExtractTagContent(line, "thinking"); len(th) > 0 {
			current.Thinking = th[0]
		}
	}

	if len(root.SubChapters) == 0 {
		return nil, &ParseError{Raw: text, Err: ErrNoChapters}
	}
	top := root.SubChapters[0]
	top.Walk(func(c *Chapter) { c.parent = nil })
	return top, nil
}

// Walk visits c and its descendants depth first.
func (c *Chapter) Walk(fn func(*Chapter)) {
	fn(c)
	for _, sub := range c.SubChapters {
		sub.Walk(fn)
	}
}

// SubTitles returns the titles of the direct sub-chapters.
func (c *Chapter) SubTitles() []string {
	titles := make([]string, 0, len(c.SubChapters))
	for _, sub := range c.SubChapters {
		titles = append(titles, sub.Title)
	}
	return titles
}

// Heading renders the chapter's markdown heading line.
func (c *Chapter) Heading() string {
	return strings.Repeat("#", max(1, c.Level)) + " " + c.Title
}

// Outline renders the subtree as markdown: heading, thinking, summary, then
// sub-chapters, joined by blank lines.
func (c *Chapter) Outline() string {
	var parts []string
	if c.Title != "" {
		parts = append(parts, c.Heading())
	}
	if t := strings.TrimSpace(c.Thinking); t != "" {
		parts = append(parts, t)
	}
	if s := strings.TrimSpace(c.Summary); s != "" {
		parts = append(parts, s)
	}
	for _, sub := range c.SubChapters {
		if md := sub.Outline(); md != "" {
			parts = append(parts, md)
		}
	}
	return strings.Join(parts, "\n\n")
}

// MergeKnowledge groups insights that share the same reference set, joining
// them with a blank line. Group order follows first appearance.
func (c *Chapter) MergeKnowledge() *Chapter {
	type group struct {
		refs     []int
		insights []string
	}
	var order []string
	groups := make(map[string]*group)

	for _, k := range c.LearningKnowledge {
		refs := append([]int(nil), k.RealReference...)
		sort.Ints(refs)
		key := fmt.Sprint(refs)
		g, ok := groups[key]
		if !ok {
			g = &group{refs: refs}
			groups[key] = g
			order = append(order, key)
		}
		g.insights = append(g.insights, k.Insight)
	}

	merged := make([]LearningKnowledge, 0, len(order))
	for _, key := range order {
		g := groups[key]
		merged = append(merged, LearningKnowledge{
			Insight:       strings.Join(g.insights, "\n\n"),
			RealReference: g.refs,
		})
	}
	c.LearningKnowledge = merged
	return c
}

type knowledgeItem struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
}

// KnowledgeJSON renders the learning knowledge as [{"id":i,"content":...}],
// where i is the local index used by footnotes in generated text.
func (c *Chapter) KnowledgeJSON() string {
	if len(c.LearningKnowledge) == 0 {
		return "[]"
	}
	items := make([]knowledgeItem, 0, len(c.LearningKnowledge))
	for i, k := range c.LearningKnowledge {
		items = append(items, knowledgeItem{ID: i, Content: k.Insight})
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}
