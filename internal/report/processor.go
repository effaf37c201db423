// Package report streams chapter text from the writer model, expands inline
// <Table> and <Chart> blocks and maps chapter-local citations onto global
// reference ids.
package report

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/Kocoro-lab/reportgen/internal/metrics"
	"github.com/Kocoro-lab/reportgen/internal/util"
)

type state int

const (
	statePlain state = iota
	stateTagOpening
	stateInTool
)

func (s state) String() string {
	switch s {
	case statePlain:
		return "plain"
	case stateTagOpening:
		return "tag_opening"
	case stateInTool:
		return "in_tool"
	}
	return "unknown"
}

const (
	toolTable = "Table"
	toolChart = "Chart"
)

var tools = []string{toolTable, toolChart}

// tagLookahead is the longest "<Tool>" opener; a longer candidate is plain text.
var tagLookahead = func() int {
	n := 0
	for _, t := range tools {
		n = max(n, len(t))
	}
	return n + 2
}()

// Processor splits a chapter stream into emit-ready segments. Text that may
// still turn into a tool block or a citation is held back until the next
// chunk decides it. A Processor serves one chapter from one goroutine.
type Processor struct {
	charts    *ChartRenderer
	reference string

	state          state
	maybeReference bool
	tool           string
	buf            strings.Builder
	raw            strings.Builder
	out            []string
	// partial holds the leading bytes of a character cut by a chunk boundary.
	partial        string
	err            error
}

// NewProcessor returns a processor for one chapter. reference is the chapter
// knowledge handed to chart generation; charts may be nil, in which case
// <Chart> blocks are dropped.
func NewProcessor(charts *ChartRenderer, reference string) *Processor {
	return &Processor{charts: charts, reference: reference}
}

// Process consumes one chunk and returns the segments ready for emission. A
// multi-byte character split across chunks is held until it completes.
func (p *Processor) Process(ctx context.Context, chunk string) []string {
	chunk = p.partial + chunk
	p.partial = ""
	if n := incompleteTail(chunk); n > 0 {
		chunk, p.partial = chunk[:len(chunk)-n], chunk[len(chunk)-n:]
	}
	p.raw.WriteString(chunk)
	for _, r := range chunk {
		p.step(ctx, r)
	}

	if p.state == statePlain {
		p.maybeReference = referencePending(p.buf.String())
		if !p.maybeReference && p.buf.Len() > 0 {
			p.emitBuffer()
		}
	}

	out := p.out
	p.out = nil
	return out
}

// Flush returns whatever is still buffered, verbatim.
func (p *Processor) Flush() []string {
	p.buf.WriteString(p.partial)
	p.partial = ""
	if p.buf.Len() == 0 {
		return nil
	}
	s := p.buf.String()
	p.buf.Reset()
	p.state, p.maybeReference, p.tool = statePlain, false, ""
	return []string{s}
}

// Err returns the first chart prompt error seen. The failed block is dropped
// and processing continues.
func (p *Processor) Err() error { return p.err }

// incompleteTail returns the length of a truncated UTF-8 sequence at the end
// of s, or 0 when s ends on a character boundary.
func incompleteTail(s string) int {
	for i := 1; i < utf8.UTFMax && i <= len(s); i++ {
		if utf8.RuneStart(s[len(s)-i]) {
			if utf8.FullRuneInString(s[len(s)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}

func (p *Processor) step(ctx context.Context, r rune) {
	switch p.state {
	case statePlain:
		if r == '<' {
			p.emitBuffer()
			p.buf.WriteRune(r)
			p.state = stateTagOpening
			return
		}
		p.buf.WriteRune(r)

	case stateTagOpening:
		p.buf.WriteRune(r)
		candidate := p.buf.String()
		switch {
		case utf8.RuneCountInString(candidate) > tagLookahead:
			p.state = statePlain
		case r == '>':
			p.state = statePlain
			for _, t := range tools {
				if candidate == "<"+t+">" {
					p.tool = t
					p.state = stateInTool
					break
				}
			}
		}

	case stateInTool:
		p.buf.WriteRune(r)
		if r == '>' && strings.HasSuffix(p.buf.String(), "</"+p.tool+">") {
			block := p.buf.String()
			p.buf.Reset()
			if s := p.runTool(ctx, p.tool, block); s != "" {
				p.out = append(p.out, s)
			}
			p.tool = ""
			p.state = statePlain
		}
	}
}

func (p *Processor) emitBuffer() {
	if p.buf.Len() == 0 {
		return
	}
	p.out = append(p.out, p.buf.String())
	p.buf.Reset()
}

func (p *Processor) runTool(ctx context.Context, tool, block string) string {
	switch tool {
	case toolTable:
		table := util.FirstTagContent(block, "markdown")
		status := "ok"
		if table == "" {
			status = "empty"
		}
		metrics.ToolBlocks.WithLabelValues(toolTable, status).Inc()
		return table
	case toolChart:
		if p.charts == nil {
			metrics.ToolBlocks.WithLabelValues(toolChart, "disabled").Inc()
			return ""
		}
		description := util.FirstTagContent(block, "description")
		chart, err := p.charts.Render(ctx, p.above(), description, p.reference)
		if err != nil && p.err == nil {
			p.err = err
		}
		return chart
	}
	return ""
}

// above is the raw text since the last "###" heading, or all of it when the
// heading is absent or opens the text.
func (p *Processor) above() string {
	raw := p.raw.String()
	if i := strings.LastIndex(raw, "###"); i > 0 {
		return raw[i:]
	}
	return raw
}

// referencePending reports whether the tail of s may still grow into, or is,
// a citation run that must be remapped as a whole.
func referencePending(s string) bool {
	open := strings.LastIndex(s, "[")
	if open >= 0 && strings.LastIndex(s, "]") < open {
		return true
	}
	trimmed := strings.TrimRight(s, " ")
	return strings.HasSuffix(trimmed, "]")
}
