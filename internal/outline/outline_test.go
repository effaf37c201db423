package outline

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/reportgen/internal/references"
)

const modelOutline = "Here is the outline:\n```markdown\n" +
	"# Electric Vehicle Market 2026\n" +
	"<thinking>Cover demand then supply</thinking>\n" +
	"## Demand\n" +
	"<SUMMARY> Sales by region </SUMMARY>\n" +
	"### China\n" +
	"### Europe\n" +
	"\n" +
	"## Supply\n" +
	"<summary>Battery capacity</summary>\n" +
	"```\nThanks."

func TestParse(t *testing.T) {
	root, err := Parse(modelOutline)
	require.NoError(t, err)

	want := &Chapter{
		ID: 1, Level: 1, Title: "Electric Vehicle Market 2026", Thinking: "Cover demand then supply",
		SubChapters: []*Chapter{
			{ID: 2, Level: 2, Title: "Demand", Summary: "Sales by region", SubChapters: []*Chapter{
				{ID: 3, Level: 3, Title: "China"},
				{ID: 4, Level: 3, Title: "Europe"},
			}},
			{ID: 5, Level: 2, Title: "Supply", Summary: "Battery capacity"},
		},
	}
	if diff := cmp.Diff(want, root, cmpopts.IgnoreUnexported(Chapter{})); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}

	root.Walk(func(c *Chapter) { assert.Nil(t, c.parent, c.Title) })
	assert.Equal(t, []string{"Demand", "Supply"}, root.SubTitles())
}

func TestParseWithoutFence(t *testing.T) {
	root, err := Parse("# Title\n## A\n#### Deep\n### Shallower\n")
	require.NoError(t, err)
	require.Len(t, root.SubChapters, 1)
	a := root.SubChapters[0]
	require.Len(t, a.SubChapters, 2)
	assert.Equal(t, "Deep", a.SubChapters[0].Title)
	assert.Equal(t, "Shallower", a.SubChapters[1].Title)
}

func TestParseNoChapters(t *testing.T) {
	_, err := Parse("no headings here\n<summary>x</summary>")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoChapters)

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Raw, "no headings")
}

func TestOutline(t *testing.T) {
	root, err := Parse(modelOutline)
	require.NoError(t, err)

	want := "# Electric Vehicle Market 2026\n\nCover demand then supply\n\n" +
		"## Demand\n\nSales by region\n\n### China\n\n### Europe\n\n" +
		"## Supply\n\nBattery capacity"
	assert.Equal(t, want, root.Outline())
	assert.Equal(t, "## Supply\n\nBattery capacity", root.SubChapters[1].Outline())
	assert.Equal(t, "", (&Chapter{}).Outline())
	assert.Equal(t, "# Untitled level", (&Chapter{Title: "Untitled level"}).Heading())
}

func TestMergeKnowledge(t *testing.T) {
	c := &Chapter{LearningKnowledge: []LearningKnowledge{
		{Insight: "a", RealReference: []int{3, 1}},
		{Insight: "b", RealReference: []int{7}},
		{Insight: "c", RealReference: []int{1, 3}},
		{Insight: "d"},
	}}
	c.MergeKnowledge()

	want := []LearningKnowledge{
		{Insight: "a\n\nc", RealReference: []int{1, 3}},
		{Insight: "b", RealReference: []int{7}},
		{Insight: "d", RealReference: []int{}},
	}
	if diff := cmp.Diff(want, c.LearningKnowledge, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("MergeKnowledge() mismatch (-want +got):\n%s", diff)
	}
}

func TestKnowledgeJSON(t *testing.T) {
	assert.Equal(t, "[]", (&Chapter{}).KnowledgeJSON())

	c := &Chapter{LearningKnowledge: []LearningKnowledge{{Insight: "x"}, {Insight: "y"}}}
	var got []map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.KnowledgeJSON()), &got))
	require.Len(t, got, 2)
	assert.EqualValues(t, 1, got[1]["id"])
	assert.Equal(t, "y", got[1]["content"])
}

func TestReferenceText(t *testing.T) {
	groups := [][]references.Entry{
		{{ID: 1, Content: "aa"}, {ID: 2, Content: "bb"}, {ID: 3, Content: "cc"}},
		{{ID: 4, Content: "dd"}},
		{{ID: 5, Content: "ee"}, {ID: 6, Content: "ff"}},
	}

	var all []referenceItem
	require.NoError(t, json.Unmarshal([]byte(ReferenceText(groups, 0)), &all))
	ids := make([]int, 0, len(all))
	for _, it := range all {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []int{1, 4, 5, 2, 6, 3}, ids)

	// Items that would push past the cap are dropped.
	var capped []referenceItem
	require.NoError(t, json.Unmarshal([]byte(ReferenceText(groups, 9)), &capped))
	ids = ids[:0]
	for _, it := range capped {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []int{1, 4, 5, 2}, ids)

	assert.Equal(t, "[]", ReferenceText(nil, 10))
	assert.Contains(t, ReferenceText(groups[1:2], 0), `{"content":"dd","id":4}`)
}
