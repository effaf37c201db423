package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/outline"
	"github.com/Kocoro-lab/reportgen/internal/prompts"
	"github.com/Kocoro-lab/reportgen/internal/tracing"
	"github.com/Kocoro-lab/reportgen/internal/util"
)

// ChapterInput is everything the writer prompt needs for one chapter.
type ChapterInput struct {
	Domain  string
	Query   string
	Root    *outline.Chapter
	Chapter *outline.Chapter
	// Above is the report written so far, ending with this chapter's heading.
	Above string
}

// Writer streams chapter text from the report role.
type Writer struct {
	client  llm.Client
	prompts *prompts.Registry
	charts  *ChartRenderer
	now     func() time.Time
	logger  *zap.Logger
}

// NewWriter builds a writer. Charts are rendered with the same client.
func NewWriter(client llm.Client, reg *prompts.Registry, now func() time.Time, logger *zap.Logger) *Writer {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		client:  client,
		prompts: reg,
		charts:  NewChartRenderer(client, reg, now, logger),
		now:     now,
		logger:  logger,
	}
}

// WriteChapter merges the chapter's knowledge, streams the chapter and passes
// each remapped segment to emit as it becomes final. It returns the full
// chapter text. A stream that fails part way is logged and the partial text
// kept; only prompt rendering errors and cancellation are returned. A chart
// prompt error stops the chapter with the text written so far.
func (w *Writer) WriteChapter(ctx context.Context, in ChapterInput, emit func(string)) (string, error) {
	ch := in.Chapter
	ctx, span := tracing.StartSpan(ctx, "report.write_chapter",
		attribute.Int("chapter.id", ch.ID),
		attribute.String("chapter.title", ch.Title),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	reference := ch.MergeKnowledge().KnowledgeJSON()
	msgs, err := w.prompts.Apply("generate/generate", map[string]any{
		"domain":          in.Domain,
		"now":             util.PromptDate(w.now()),
		"query":           in.Query,
		"chapter_outline": ch.Outline(),
		"outline":         in.Root.Outline(),
		"reference":       reference,
		"above":           in.Above,
	})
	if err != nil {
		return "", fmt.Errorf("render chapter prompt: %w", err)
	}

	var text strings.Builder
	remap := Remapper{Knowledge: ch.LearningKnowledge}
	send := func(segments []string) {
		for _, s := range segments {
			s = remap.Remap(s)
			if s == "" {
				continue
			}
			text.WriteString(s)
			if emit != nil {
				emit(s)
			}
		}
	}

	stream, streamErr := w.client.Stream(ctx, llm.RoleReport, msgs)
	if streamErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			return "", err
		}
		w.logger.Warn("Chapter stream failed to open", zap.String("chapter", ch.Title), zap.Error(streamErr))
		return "", nil
	}
	defer stream.Close()

	proc := NewProcessor(w.charts, reference)
	for {
		chunk, nextErr := stream.Next()
		if errors.Is(nextErr, io.EOF) {
			break
		}
		if nextErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				send(proc.Flush())
				err = ctxErr
				return text.String(), err
			}
			w.logger.Warn("Chapter stream interrupted", zap.String("chapter", ch.Title), zap.Error(nextErr))
			break
		}
		if chunk.Reasoning != "" {
			w.logger.Debug("Writer reasoning", zap.String("chapter", ch.Title), zap.Int("bytes", len(chunk.Reasoning)))
		}
		if chunk.Content != "" {
			send(proc.Process(ctx, chunk.Content))
			if procErr := proc.Err(); procErr != nil {
				err = fmt.Errorf("chapter %q: %w", ch.Title, procErr)
				return text.String(), err
			}
		}
	}
	send(proc.Flush())
	return text.String(), nil
}
