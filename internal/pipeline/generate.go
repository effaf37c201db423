package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/formatting"
	"github.com/Kocoro-lab/reportgen/internal/metrics"
	"github.com/Kocoro-lab/reportgen/internal/outline"
	"github.com/Kocoro-lab/reportgen/internal/report"
	"github.com/Kocoro-lab/reportgen/internal/streaming"
)

func streamDelta(text string) streaming.Event {
	return streaming.Event{Type: streaming.Delta, Text: text}
}

// generate writes the chapters in order. Each chapter sees the report so far
// plus its own heading. When the model repeats the heading itself, its text
// replaces the automatic one.
func (p *Pipeline) generate(ctx context.Context, r *run, root *outline.Chapter) (string, error) {
	text := root.Heading() + "\n"
	p.publish(r, streamDelta(text))

	for _, ch := range root.SubChapters {
		start := time.Now()
		heading := ch.Heading()
		prev := text + "\n" + heading + "\n"
		p.publish(r, streaming.Event{Type: streaming.ChapterStarted, ChapterID: ch.ID, Chapter: ch.Title, Text: heading})

		chapter, err := p.writer.WriteChapter(ctx, report.ChapterInput{
			Domain:  r.domain,
			Query:   r.topic,
			Root:    root,
			Chapter: ch,
			Above:   prev,
		}, func(s string) {
			p.publish(r, streaming.Event{Type: streaming.Delta, ChapterID: ch.ID, Chapter: ch.Title, Text: s})
		})
		if err != nil {
			return "", fmt.Errorf("write chapter %q: %w", ch.Title, err)
		}

		if strings.Contains(chapter, heading) {
			text += "\n" + chapter
		} else {
			text = prev + chapter
		}
		metrics.ChapterDuration.WithLabelValues("generate").Observe(time.Since(start).Seconds())
		p.publish(r, streaming.Event{Type: streaming.ChapterCompleted, ChapterID: ch.ID, Chapter: ch.Title})
		r.logger.Info("Chapter written", zap.String("chapter", ch.Title), zap.Int("bytes", len(chapter)))
	}
	return text, nil
}

// finalize appends the footnote block of every registered reference.
func (p *Pipeline) finalize(ctx context.Context, r *run, root *outline.Chapter, text string) (*Output, error) {
	entries, err := p.deps.References.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	final := formatting.FormatReportWithFootnotes(text, entries)
	cited := formatting.CitedIDs(final)
	p.publish(r, streaming.Event{Type: streaming.ReportCompleted, Text: final})
	r.logger.Info("Report complete",
		zap.Int("bytes", len(final)),
		zap.Int("references", len(entries)),
		zap.Int("cited", len(cited)),
	)
	return &Output{
		RunID:      r.id,
		Kind:       KindReport,
		Message:    final,
		Report:     final,
		References: entries,
		Outline:    root,
		Domain:     r.domain,
		Topic:      r.topic,
	}, nil
}
