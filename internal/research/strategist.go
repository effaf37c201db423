package research

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/prompts"
	"github.com/Kocoro-lab/reportgen/internal/util"
)

var searchQueryTag = regexp.MustCompile(`(?s)<sq>(.*?)</sq>`)

// Strategist plans the search queries and picks the judges for a chapter.
type Strategist struct {
	m *model
}

func NewStrategist(client llm.Client, reg *prompts.Registry, now func() time.Time, logger *zap.Logger) *Strategist {
	return &Strategist{m: newModel(client, reg, logger, now)}
}

// InitialQueries asks for the first round of queries, one per <sq> tag.
func (s *Strategist) InitialQueries(ctx context.Context, outline string) ([]string, error) {
	text, ok, err := s.m.ask(ctx, "learning/search_query", map[string]any{
		"now":             s.m.today(),
		"chapter_outline": outline,
	})
	if err != nil || !ok {
		return nil, err
	}
	var queries []string
	for _, m := range searchQueryTag.FindAllStringSubmatch(util.StripThinking(text), -1) {
		if q := strings.TrimSpace(m[1]); q != "" {
			queries = append(queries, q)
		}
	}
	return queries, nil
}

// SelectJudges asks which quality checks apply to outline. Judges come back in
// canonical order. Unreadable output selects none; a truthy key outside the
// known judges is an error.
func (s *Strategist) SelectJudges(ctx context.Context, outline string) ([]Judge, error) {
	text, ok, err := s.m.ask(ctx, "learning/judge", map[string]any{
		"now":             s.m.today(),
		"chapter_outline": outline,
	})
	if err != nil || !ok {
		return nil, err
	}

	var verdicts map[string]any
	if err := util.DecodeLenient(text, &verdicts); err != nil {
		s.m.logger.Warn("Judge selection unreadable", zap.Error(err))
		return nil, nil
	}

	selected := make(map[Judge]bool, len(verdicts))
	for name, v := range verdicts {
		if !util.Truthy(v) {
			continue
		}
		j, err := ParseJudge(name)
		if err != nil {
			return nil, err
		}
		selected[j] = true
	}

	var judges []Judge
	for _, j := range Judges() {
		if selected[j] {
			judges = append(judges, j)
		}
	}
	return judges, nil
}

// RefineQueries asks for follow-up queries addressing the failing evaluations.
// The result is not checked against earlier queries.
func (s *Strategist) RefineQueries(ctx context.Context, queries []string, outline, answer string, failing []EvalResult) ([]string, error) {
	reasons := make([]string, 0, len(failing))
	for _, e := range failing {
		reasons = append(reasons, e.Reason)
	}
	text, ok, err := s.m.ask(ctx, "learning/research_query", map[string]any{
		"now":             s.m.today(),
		"search_query":    "[" + strings.Join(queries, ",") + "]",
		"chapter_outline": outline,
		"draft":           answer,
		"evaluation":      strings.Join(reasons, "\n\n"),
	})
	if err != nil || !ok {
		return nil, err
	}

	var parsed map[string]any
	if err := util.DecodeLenient(text, &parsed); err != nil {
		s.m.logger.Warn("Refined queries unreadable", zap.Error(err))
		return nil, nil
	}
	return util.StringSlice(parsed["search_query_list"]), nil
}
