package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/outline"
	"github.com/Kocoro-lab/reportgen/internal/references"
	"github.com/Kocoro-lab/reportgen/internal/util"
)

// outlineSearch runs the background searches that feed the outline planner.
// Every hit is registered so its id is the one cited later. One group is
// returned per query that produced results.
func (p *Pipeline) outlineSearch(ctx context.Context, r *run) ([][]references.Entry, error) {
	msgs, err := p.deps.Prompts.Apply("outline/outline_sq", map[string]any{
		"now":       util.PromptDate(p.now()),
		"query":     r.topic,
		"reasoning": r.logic,
	})
	if err != nil {
		return nil, fmt.Errorf("render outline search prompt: %w", err)
	}
	text, err := p.deps.LLM.Complete(ctx, llm.RoleQueryGeneration, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("Outline query generation failed", zap.Error(err))
		return nil, nil
	}

	var groups [][]references.Entry
	for _, q := range util.ExtractTagContent(util.StripThinking(text), "search") {
		results, err := p.deps.Search.Search(ctx, q, p.settings.TopN)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("Outline search failed", zap.String("query", q), zap.Error(err))
			continue
		}
		group := make([]references.Entry, 0, len(results))
		for _, res := range results {
			id, err := p.deps.References.Register(ctx, res.URL, res.Content)
			if err != nil {
				return nil, fmt.Errorf("register reference: %w", err)
			}
			group = append(group, references.Entry{ID: id, Content: res.Content, URL: res.URL})
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
		r.logger.Debug("Outline search", zap.String("query", q), zap.Int("results", len(group)))
	}
	return groups, nil
}

// planOutline streams the outline from the planner role. It returns the
// parsed tree, or nil and the raw text when no chapter could be read. A prompt
// that fails to render is an error.
func (p *Pipeline) planOutline(ctx context.Context, r *run, groups [][]references.Entry) (*outline.Chapter, string, error) {
	msgs, err := p.deps.Prompts.Apply("outline/outline", map[string]any{
		"domain":    r.domain,
		"now":       util.PromptDate(p.now()),
		"query":     r.topic,
		"reasoning": r.logic,
		"thinking":  r.details,
		"reference": outline.ReferenceText(groups, p.settings.OutlineReferenceLimit),
	})
	if err != nil {
		return nil, "", fmt.Errorf("render outline prompt: %w", err)
	}

	var raw string
	stream, err := p.deps.LLM.Stream(ctx, llm.RolePlanner, msgs)
	if err != nil {
		r.logger.Warn("Outline stream failed to open", zap.Error(err))
	} else {
		_, raw, err = llm.Collect(stream)
		if err != nil {
			r.logger.Warn("Outline stream interrupted", zap.Error(err))
		}
	}

	root, err := outline.Parse(raw)
	if err != nil {
		r.logger.Error("Outline is invalid", zap.String("outline", util.TruncateString(raw, 500, true)), zap.Error(err))
		return nil, raw, nil
	}
	return root, raw, nil
}
