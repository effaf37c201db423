// Package research runs the per-chapter deep search loop. Each level searches,
// extracts knowledge from new pages, drafts an answer, and lets quality judges
// decide whether another round of refined queries is needed.
package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/prompts"
	"github.com/Kocoro-lab/reportgen/internal/search"
	"github.com/Kocoro-lab/reportgen/internal/util"
)

// Knowledge is one extracted insight and the search results that support it.
type Knowledge struct {
	Insight string `json:"insight"`
	// Snippets are the document indices as the model returned them.
	Snippets   []int           `json:"snippets"`
	References []search.Result `json:"references"`
}

// Judge names a quality check applied to a draft.
type Judge string

const (
	JudgeCompleteness Judge = "completeness"
	JudgeFreshness    Judge = "freshness"
	JudgePlurality    Judge = "plurality"
)

// Judges lists every judge in canonical order.
func Judges() []Judge {
	return []Judge{JudgeCompleteness, JudgeFreshness, JudgePlurality}
}

var ErrUnknownJudge = errors.New("unknown judge")

// ParseJudge maps a judge name onto the closed set.
func ParseJudge(name string) (Judge, error) {
	n := Judge(strings.ToLower(strings.TrimSpace(name)))
	for _, j := range Judges() {
		if j == n {
			return j, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJudge, name)
}

// EvalResult is one judge's verdict on a cumulative draft.
type EvalResult struct {
	Judge  Judge  `json:"judge"`
	Reason string `json:"reason"`
	Pass   bool   `json:"pass"`
}

// model renders prompts and calls the evaluate role. It is shared by the
// extractor, strategist, synthesizer and evaluator.
type model struct {
	client  llm.Client
	prompts *prompts.Registry
	logger  *zap.Logger
	now     func() time.Time
}

func newModel(client llm.Client, reg *prompts.Registry, logger *zap.Logger, now func() time.Time) *model {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &model{client: client, prompts: reg, logger: logger, now: now}
}

// ask renders tmpl and sends it to the evaluate role. A rendering failure is
// returned as err. A failed or empty call is logged and reported with ok=false.
func (m *model) ask(ctx context.Context, tmpl string, vars map[string]any) (text string, ok bool, err error) {
	msgs, err := m.prompts.Apply(tmpl, vars)
	if err != nil {
		return "", false, err
	}
	text, callErr := m.client.Complete(ctx, llm.RoleEvaluate, msgs)
	if callErr != nil {
		m.logger.Warn("Model call failed", zap.String("template", tmpl), zap.Error(callErr))
		return "", false, nil
	}
	if strings.TrimSpace(util.StripThinking(text)) == "" {
		m.logger.Warn("Model returned empty text", zap.String("template", tmpl))
		return "", false, nil
	}
	return text, true, nil
}

func (m *model) today() string { return util.PromptDate(m.now()) }
