package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/metrics"
	"github.com/Kocoro-lab/reportgen/internal/prompts"
	"github.com/Kocoro-lab/reportgen/internal/search"
	"github.com/Kocoro-lab/reportgen/internal/util"
)

// DefaultExtractLimit bounds the summed content length of one extraction batch.
const DefaultExtractLimit = 32000

// Extractor turns search results into attributed knowledge.
type Extractor struct {
	m     *model
	limit int
}

func NewExtractor(client llm.Client, reg *prompts.Registry, limit int, logger *zap.Logger) *Extractor {
	if limit <= 0 {
		limit = DefaultExtractLimit
	}
	return &Extractor{m: newModel(client, reg, logger, nil), limit: limit}
}

// Batches packs results into consecutive groups whose summed content length
// stays within limit. A group is closed before a result that would overflow
// it; an oversized result therefore travels alone. Results without content
// are skipped.
func Batches(results []search.Result, limit int) [][]search.Result {
	var (
		batches [][]search.Result
		current []search.Result
		size    int
	)
	for _, r := range results {
		if r.Content == "" {
			continue
		}
		if size+len(r.Content) > limit && len(current) > 0 {
			batches = append(batches, current)
			current, size = nil, 0
		}
		current = append(current, r)
		size += len(r.Content)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// ExtractAll batches each query's results separately and extracts every batch.
// Knowledge is returned in query order, then batch order.
func (x *Extractor) ExtractAll(ctx context.Context, outline string, queryOrder []string, results map[string][]search.Result) ([]Knowledge, error) {
	var all []Knowledge
	for _, q := range queryOrder {
		for _, batch := range Batches(results[q], x.limit) {
			k, err := x.Extract(ctx, outline, batch)
			if err != nil {
				return all, err
			}
			all = append(all, k...)
		}
	}
	return all, nil
}

type extraction struct {
	Knowledge []struct {
		Insight  string `json:"insight"`
		Snippets []any  `json:"snippets"`
	} `json:"knowledge"`
}

// Extract asks the model for insights grounded in batch. Only prompt
// rendering errors are returned; a failed call or unreadable output yields no
// knowledge for this batch.
func (x *Extractor) Extract(ctx context.Context, outline string, batch []search.Result) ([]Knowledge, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	text, ok, err := x.m.ask(ctx, "learning/extract_knowledge", map[string]any{
		"chapter_outline": outline,
		"search":          util.TruncateBytes(renderDocuments(batch), x.limit),
	})
	if err != nil || !ok {
		if err == nil {
			metrics.ExtractionFailures.Inc()
		}
		return nil, err
	}

	var parsed extraction
	if err := util.DecodeLenient(text, &parsed); err != nil {
		x.m.logger.Warn("Extraction output unreadable", zap.Int("batch_size", len(batch)), zap.Error(err))
		metrics.ExtractionFailures.Inc()
		return nil, nil
	}

	var out []Knowledge
	for _, item := range parsed.Knowledge {
		var (
			snippets []int
			refs     []search.Result
		)
		for _, raw := range item.Snippets {
			idx, ok := util.AsInt(raw)
			if !ok {
				continue
			}
			snippets = append(snippets, idx)
			if idx >= 0 && idx < len(batch) {
				refs = append(refs, batch[idx])
			}
		}
		if len(refs) == 0 {
			continue
		}
		out = append(out, Knowledge{Insight: item.Insight, Snippets: snippets, References: refs})
	}
	metrics.KnowledgeExtracted.Add(float64(len(out)))
	return out, nil
}

func renderDocuments(batch []search.Result) string {
	var b strings.Builder
	for i, r := range batch {
		date := r.Date
		if date == "" {
			date = "unknown"
		}
		fmt.Fprintf(&b, "[document index %d]\ntitle: %s\ncontent: %s\ndate: %s\n\n", i, r.Title, r.Content, date)
	}
	return b.String()
}
