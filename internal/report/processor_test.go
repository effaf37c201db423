package report

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/reportgen/internal/llm/llmtest"
	"github.com/Kocoro-lab/reportgen/internal/prompts"
)

const streamed = "Sales rose[^1][^2], in 2025[^3]. Table:\n" +
	"<Table><markdown>| a | b |\n|---|---|\n| 1 | 2[^0] |</markdown></Table>\n" +
	"Not a tool <Tool></Tool> and a < b. End[^9][^0]"

const streamedWant = "Sales rose[^2][^5][^7], in 2025[^7][^9]. Table:\n" +
	"| a | b |\n|---|---|\n| 1 | 2[^3]|\n" +
	"Not a tool <Tool></Tool> and a < b. End[^3]"

// run feeds chunks through a processor and remaps every segment.
func run(t *testing.T, p *Processor, chunks []string) string {
	t.Helper()
	r := Remapper{Knowledge: chapterKnowledge}
	var b strings.Builder
	for _, c := range chunks {
		for _, s := range p.Process(context.Background(), c) {
			b.WriteString(r.Remap(s))
		}
	}
	for _, s := range p.Flush() {
		b.WriteString(r.Remap(s))
	}
	return b.String()
}

func TestProcessorSingleChunk(t *testing.T) {
	assert.Equal(t, streamedWant, run(t, NewProcessor(nil, ""), []string{streamed}))
}

func TestProcessorAdversarialSplits(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
	}{
		{"mid citation digit", []string{"Sales rose[^", "1][^2], in 2025[^3]. Table:\n<Table><markdown>| a | b |\n|---|---|\n| 1 | 2[^0] |</markdown></Table>\nNot a tool <Tool></Tool> and a < b. End[^9][^0]"}},
		{"between adjacent markers", []string{"Sales rose[^1]", "[^2], in 2025[^3]", ". Table:\n<Table><markdown>| a | b |\n|---|---|\n| 1 | 2[^0] |</markdown></Table>\nNot a tool <Tool></Tool> and a < b. End[^9][^0]"}},
		{"mid tag open", []string{"Sales rose[^1][^2], in 2025[^3]. Table:\n<Ta", "ble><markdown>| a | b |\n|---|---|\n| 1 | 2[^0] |</markdown></Table>\nNot a tool <Tool></Tool> and a < b. End[^9][^0]"}},
		{"at closing angle bracket", []string{"Sales rose[^1][^2], in 2025[^3]. Table:\n<Table><markdown>| a | b |\n|---|---|\n| 1 | 2[^0] |</markdown></Table", ">\nNot a tool <Tool></Tool> and a < b. End[^9][^0]"}},
		{"one rune per chunk", strings.Split(streamed, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, streamed, strings.Join(tt.chunks, ""))
			assert.Equal(t, streamedWant, run(t, NewProcessor(nil, ""), tt.chunks))
		})
	}
}

func TestProcessorAllSplitPoints(t *testing.T) {
	for i := 0; i <= len(streamed); i++ {
		for j := i; j <= len(streamed); j += 7 {
			chunks := []string{streamed[:i], streamed[i:j], streamed[j:]}
			if got := run(t, NewProcessor(nil, ""), chunks); got != streamedWant {
				t.Fatalf("split at %d/%d:\n got %q\nwant %q", i, j, got, streamedWant)
			}
		}
	}
}

func TestProcessorRandomChunkings(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 200; n++ {
		var chunks []string
		for rest := streamed; rest != ""; {
			k := min(len(rest), 1+rng.Intn(12))
			chunks = append(chunks, rest[:k])
			rest = rest[k:]
		}
		assert.Equal(t, streamedWant, run(t, NewProcessor(nil, ""), chunks))
	}
}

func TestProcessorHoldsPossibleCitation(t *testing.T) {
	p := NewProcessor(nil, "")
	assert.Equal(t, []string{"Growth was strong "}, p.Process(context.Background(), "Growth was strong "))
	assert.Empty(t, p.Process(context.Background(), "[^1"))
	assert.Empty(t, p.Process(context.Background(), "]"))
	assert.Equal(t, []string{"[^1]. Next"}, p.Process(context.Background(), ". Next"))
	assert.Nil(t, p.Flush())
}

func TestProcessorTableWithoutPayload(t *testing.T) {
	p := NewProcessor(nil, "")
	got := p.Process(context.Background(), "a<Table>no markdown here</Table>b")
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestProcessorUnclosedToolIsFlushedVerbatim(t *testing.T) {
	p := NewProcessor(nil, "")
	assert.Equal(t, []string{"text "}, p.Process(context.Background(), "text <Table><markdown>| a |"))
	assert.Equal(t, []string{"<Table><markdown>| a |"}, p.Flush())
}

func TestProcessorChartDisabled(t *testing.T) {
	p := NewProcessor(nil, "")
	got := p.Process(context.Background(), "x<Chart><description>d</description></Chart>y")
	assert.Equal(t, []string{"x", "y"}, got)
}

func TestReferencePending(t *testing.T) {
	tests := map[string]bool{
		"":              false,
		"plain":         false,
		"open [":        true,
		"open [^1":      true,
		"closed [^1]":   true,
		"closed [^1]  ": true,
		"after [^1] x":  false,
		"[a] then [":    true,
	}
	for in, want := range tests {
		assert.Equal(t, want, referencePending(in), in)
	}
}

func chartRegistry(t *testing.T) *prompts.Registry {
	t.Helper()
	reg, err := prompts.New("", zaptest.NewLogger(t))
	require.NoError(t, err)
	return reg
}

// brokenChartRegistry overrides generate/chart with a body that references an
// unknown variable.
func brokenChartRegistry(t *testing.T) *prompts.Registry {
	t.Helper()
	dir := t.TempDir()
	body := "name: generate/chart\nuser: |\n  {{.nope}}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chart.yaml"), []byte(body), 0o600))
	reg, err := prompts.New(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	return reg
}

func TestProcessorRendersChart(t *testing.T) {
	client := llmtest.New(llmtest.Text("<thinking>plan</thinking>\n<echarts>\n<input_schema>{\"series\":[1,2]}</input_schema>\n</echarts>"))
	stamp := time.UnixMilli(1767225600123)
	charts := NewChartRenderer(client, chartRegistry(t), func() time.Time { return stamp }, zaptest.NewLogger(t))
	p := NewProcessor(charts, `[{"id":0,"content":"sales 1 then 2"}]`)

	var out []string
	out = append(out, p.Process(context.Background(), "# Report\n### Growth\nSales doubled.\n<Ch")...)
	out = append(out, p.Process(context.Background(), "art><description>sales by year</description></Chart> after")...)

	require.Len(t, out, 3)
	assert.Equal(t, "# Report\n### Growth\nSales doubled.\n", out[0])
	assert.Contains(t, out[1], `<div id="1767225600123"`)
	assert.Contains(t, out[1], "getElementById('1767225600123')")
	assert.Contains(t, out[1], `option = {"series":[1,2]};`)
	assert.True(t, strings.HasPrefix(out[1], "``` custom_html\n"))
	assert.Equal(t, " after", out[2])

	calls := client.Calls()
	require.Len(t, calls, 1)
	prompt := llmtest.UserPrompt(calls[0].Messages)
	assert.Contains(t, prompt, "sales by year")
	assert.Contains(t, prompt, "### Growth\nSales doubled.")
	assert.NotContains(t, prompt, "# Report\n")
	assert.Contains(t, prompt, "sales 1 then 2")
}

func TestProcessorChartFailureEmitsNothing(t *testing.T) {
	tests := map[string]llmtest.Reply{
		"model error": llmtest.Fail(errors.New("overloaded")),
		"no schema":   llmtest.Text("I cannot draw this"),
	}
	for name, reply := range tests {
		t.Run(name, func(t *testing.T) {
			charts := NewChartRenderer(llmtest.New(reply), chartRegistry(t), nil, zaptest.NewLogger(t))
			p := NewProcessor(charts, "[]")
			got := p.Process(context.Background(), "a<Chart><description>d</description></Chart>b")
			assert.Equal(t, []string{"a", "b"}, got)
			assert.NoError(t, p.Err())
		})
	}
}

func TestProcessorChartPromptErrorIsReported(t *testing.T) {
	client := llmtest.New()
	charts := NewChartRenderer(client, brokenChartRegistry(t), nil, zaptest.NewLogger(t))
	p := NewProcessor(charts, "[]")

	got := p.Process(context.Background(), "a<Chart><description>d</description></Chart>b")
	assert.Equal(t, []string{"a", "b"}, got)
	require.ErrorIs(t, p.Err(), prompts.ErrMissingVariable)
	assert.Empty(t, client.Calls())
}

func TestProcessorKeepsCharactersSplitAcrossChunks(t *testing.T) {
	const text = "市场规模[^1]增长。<Table><markdown>| 数 |</markdown></Table> café"
	const want = "市场规模[^1]增长。| 数 | café"

	var chunks []string
	for i := 0; i < len(text); i++ {
		chunks = append(chunks, text[i:i+1])
	}
	p := NewProcessor(nil, "")
	var b strings.Builder
	for _, c := range chunks {
		for _, s := range p.Process(context.Background(), c) {
			assert.True(t, utf8.ValidString(s), "segment %q", s)
			b.WriteString(s)
		}
	}
	for _, s := range p.Flush() {
		b.WriteString(s)
	}
	assert.Equal(t, want, b.String())
}

func TestProcessorFlushesDanglingBytes(t *testing.T) {
	p := NewProcessor(nil, "")
	assert.Equal(t, []string{"a"}, p.Process(context.Background(), "a\xe6\x95"))
	assert.Equal(t, []string{"\xe6\x95"}, p.Flush())
}

func TestIncompleteTail(t *testing.T) {
	tests := map[string]int{
		"":             0,
		"abc":          0,
		"数":            0,
		"a\xe6":        1,
		"a\xe6\x95":    2,
		"\xf0\x9f\x98": 3,
		"\x95\x95\x95": 0,
		"é":            0,
		"\xc3":         1,
	}
	for in, want := range tests {
		assert.Equal(t, want, incompleteTail(in), "%q", in)
	}
}
