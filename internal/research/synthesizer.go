package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/prompts"
	"github.com/Kocoro-lab/reportgen/internal/util"
)

const (
	NoKnowledge = "<no knowledge>"
	NoAnswer    = "<no answer>"
)

// Synthesizer drafts an answer from knowledge and reports which items it used.
type Synthesizer struct {
	m *model
}

func NewSynthesizer(client llm.Client, reg *prompts.Registry, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{m: newModel(client, reg, logger, nil)}
}

// Synthesize returns the knowledge the draft quotes, in the order the model
// listed it, and the draft itself. Empty knowledge short-circuits to
// NoKnowledge. Any model or parse failure degrades to (nil, NoAnswer).
func (s *Synthesizer) Synthesize(ctx context.Context, outline string, knowledge []Knowledge) (used []Knowledge, answer string, err error) {
	if len(knowledge) == 0 {
		return nil, NoKnowledge, nil
	}
	defer func() {
		if r := recover(); r != nil {
			s.m.logger.Error("Synthesis panicked", zap.Any("panic", r))
			used, answer, err = nil, NoAnswer, nil
		}
	}()

	text, ok, err := s.m.ask(ctx, "learning/draft", map[string]any{
		"chapter_outline": outline,
		"knowledge":       renderInsights(knowledge),
	})
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, NoAnswer, nil
	}

	var parsed map[string]any
	if err := util.DecodeLenient(text, &parsed); err != nil {
		s.m.logger.Warn("Draft output unreadable", zap.Error(err))
		return nil, NoAnswer, nil
	}

	answer = NoAnswer
	if a, ok := parsed["answer"].(string); ok {
		answer = a
	}

	ids, ok := parsed["quote_id"]
	if !ok {
		ids = parsed["quote_ids"]
	}
	for _, raw := range quoteIDs(ids) {
		idx, ok := util.AsInt(raw)
		if !ok || idx < 0 || idx >= len(knowledge) {
			continue
		}
		used = append(used, knowledge[idx])
	}
	return used, answer, nil
}

// quoteIDs accepts a JSON array, an array encoded as a string, or a scalar.
func quoteIDs(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case string:
		var arr []any
		if err := json.Unmarshal([]byte(t), &arr); err == nil {
			return arr
		}
		return []any{t}
	default:
		return []any{t}
	}
}

func renderInsights(knowledge []Knowledge) string {
	var b strings.Builder
	for i, k := range knowledge {
		fmt.Fprintf(&b, "[document id: %d]\ninsight: %s\n\n", i, k.Insight)
	}
	return b.String()
}
