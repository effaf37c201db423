package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/metrics"
	"github.com/Kocoro-lab/reportgen/internal/prompts"
	"github.com/Kocoro-lab/reportgen/internal/util"
)

// Evaluator runs judges against a cumulative draft.
type Evaluator struct {
	m *model
}

func NewEvaluator(client llm.Client, reg *prompts.Registry, now func() time.Time, logger *zap.Logger) *Evaluator {
	return &Evaluator{m: newModel(client, reg, logger, now)}
}

// Evaluate returns one result per judge, in judge order.
func (e *Evaluator) Evaluate(ctx context.Context, outline, answer string, judges []Judge) ([]EvalResult, error) {
	results := make([]EvalResult, 0, len(judges))
	for _, j := range judges {
		r, err := e.EvaluateOne(ctx, outline, answer, j)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

func (e *Evaluator) vars(outline, answer string, judge Judge) (string, map[string]any, error) {
	switch judge {
	case JudgeCompleteness:
		return "learning/evaluate_completeness", map[string]any{
			"chapter_outline": outline,
			"draft":           answer,
		}, nil
	case JudgeFreshness:
		return "learning/evaluate_freshness", map[string]any{
			"now":             e.m.today(),
			"chapter_outline": outline,
			"draft":           answer,
		}, nil
	case JudgePlurality:
		return "learning/evaluate_plurality", map[string]any{
			"chapter_outline": outline,
			"draft":           answer,
		}, nil
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownJudge, judge)
	}
}

// EvaluateOne asks a single judge for a verdict. A failed call or unreadable
// output counts as a failing verdict with no reason.
func (e *Evaluator) EvaluateOne(ctx context.Context, outline, answer string, judge Judge) (EvalResult, error) {
	tmpl, vars, err := e.vars(outline, answer, judge)
	if err != nil {
		return EvalResult{}, err
	}
	result := EvalResult{Judge: judge}

	text, ok, err := e.m.ask(ctx, tmpl, vars)
	if err != nil {
		return result, err
	}
	if !ok {
		metrics.JudgeOutcomes.WithLabelValues(string(judge), "error").Inc()
		return result, nil
	}

	var parsed struct {
		Analysis map[string]any `json:"analysis"`
	}
	if err := util.DecodeLenient(text, &parsed); err != nil {
		e.m.logger.Warn("Evaluation output unreadable", zap.String("judge", string(judge)), zap.Error(err))
		metrics.JudgeOutcomes.WithLabelValues(string(judge), "error").Inc()
		return result, nil
	}

	if think, ok := parsed.Analysis["think"].(string); ok {
		result.Reason = think
	}
	switch v := parsed.Analysis["pass"].(type) {
	case bool:
		result.Pass = v
	case string:
		result.Pass = strings.EqualFold(strings.TrimSpace(v), "true")
	}

	outcome := "fail"
	if result.Pass {
		outcome = "pass"
	}
	metrics.JudgeOutcomes.WithLabelValues(string(judge), outcome).Inc()
	return result, nil
}
