package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/reportgen/internal/metadata"
	"github.com/Kocoro-lab/reportgen/internal/metrics"
	"github.com/Kocoro-lab/reportgen/internal/outline"
	"github.com/Kocoro-lab/reportgen/internal/references"
	"github.com/Kocoro-lab/reportgen/internal/research"
)

// learn runs a deep search for every second-level chapter and attaches the
// resulting knowledge with global reference ids. Chapters run concurrently up
// to ChapterConcurrency; each goroutine writes only its own chapter, and the
// reference registry serializes id assignment.
func (p *Pipeline) learn(ctx context.Context, r *run, root *outline.Chapter) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.settings.ChapterConcurrency)
	for _, ch := range root.SubChapters {
		g.Go(func() error {
			return p.learnChapter(gctx, r, root, ch)
		})
	}
	return g.Wait()
}

func (p *Pipeline) learnChapter(ctx context.Context, r *run, root, ch *outline.Chapter) error {
	start := time.Now()
	defer func() {
		metrics.ChapterDuration.WithLabelValues("learning").Observe(time.Since(start).Seconds())
	}()

	res, err := p.engine.Run(ctx, research.ChapterRequest{
		Title:          root.Title,
		Chapter:        ch.Title,
		SubChapters:    ch.SubTitles(),
		ChapterOutline: ch.Summary,
	})
	if err != nil {
		return fmt.Errorf("research chapter %q: %w", ch.Title, err)
	}

	order, results := research.AllSearchResults(res)
	registered := 0
	domains := make(map[string]struct{})
	for _, q := range order {
		for _, hit := range results[q] {
			if _, err := p.deps.References.Register(ctx, hit.URL, hit.Content); err != nil {
				return fmt.Errorf("register reference: %w", err)
			}
			registered++
			if d, err := metadata.ExtractDomain(hit.URL); err == nil && d != "" {
				domains[d] = struct{}{}
			}
		}
	}

	knowledge := make([]outline.LearningKnowledge, 0, len(res.ReKnowledge))
	for _, k := range res.ReKnowledge {
		ids, err := references.RealReferences(ctx, p.deps.References, k.References)
		if err != nil {
			return fmt.Errorf("resolve references: %w", err)
		}
		knowledge = append(knowledge, outline.LearningKnowledge{Insight: k.Insight, RealReference: ids})
	}
	ch.LearningKnowledge = knowledge

	r.logger.Info("Chapter researched",
		zap.String("chapter", ch.Title),
		zap.Int("levels", len(res.Levels)),
		zap.Int("knowledge", len(knowledge)),
		zap.Int("references", registered),
		zap.Int("domains", len(domains)),
	)
	return nil
}
