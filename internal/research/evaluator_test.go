package research

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/reportgen/internal/llm/llmtest"
)

func TestEvaluateOne(t *testing.T) {
	tests := []struct {
		name       string
		reply      llmtest.Reply
		wantPass   bool
		wantReason string
	}{
		{"pass", llmtest.Text(`{"analysis":{"think":"covers all","pass":true}}`), true, "covers all"},
		{"fail", llmtest.Text(`{"analysis":{"think":"misses B","pass":false}}`), false, "misses B"},
		{"string true", llmtest.Text(`{"analysis":{"think":"ok","pass":"True"}}`), true, "ok"},
		{"number is not a pass", llmtest.Text(`{"analysis":{"think":"hm","pass":1}}`), false, "hm"},
		{"missing analysis", llmtest.Text(`{"verdict":"pass"}`), false, ""},
		{"malformed", llmtest.Text(`pass`), false, ""},
		{"model failure", llmtest.Fail(errors.New("429")), false, ""},
		{"empty text", llmtest.Text("  "), false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newRouter().on("learning/evaluate_completeness", tt.reply)
			e := NewEvaluator(rt.client(), markerRegistry(t), fixedNow, zaptest.NewLogger(t))

			got, err := e.EvaluateOne(context.Background(), "brief", "draft", JudgeCompleteness)
			require.NoError(t, err)
			assert.Equal(t, EvalResult{Judge: JudgeCompleteness, Pass: tt.wantPass, Reason: tt.wantReason}, got)
		})
	}
}

func TestEvaluateUsesJudgeTemplates(t *testing.T) {
	rt := newRouter().
		on("learning/evaluate_completeness", verdict(true, "c")).
		on("learning/evaluate_freshness", verdict(false, "f")).
		on("learning/evaluate_plurality", verdict(true, "p"))
	e := NewEvaluator(rt.client(), markerRegistry(t), fixedNow, zaptest.NewLogger(t))

	got, err := e.Evaluate(context.Background(), "brief", "cumulative draft", []Judge{JudgePlurality, JudgeFreshness, JudgeCompleteness})
	require.NoError(t, err)
	assert.Equal(t, []EvalResult{
		{Judge: JudgePlurality, Reason: "p", Pass: true},
		{Judge: JudgeFreshness, Reason: "f", Pass: false},
		{Judge: JudgeCompleteness, Reason: "c", Pass: true},
	}, got)

	fresh := rt.calls("learning/evaluate_freshness")
	require.Len(t, fresh, 1)
	assert.Contains(t, fresh[0], "now=Mon Mar 02 2026")
	assert.Contains(t, fresh[0], "draft=cumulative draft")
}

func TestEvaluateUnknownJudge(t *testing.T) {
	e := NewEvaluator(llmtest.New(), markerRegistry(t), fixedNow, zaptest.NewLogger(t))
	_, err := e.Evaluate(context.Background(), "brief", "draft", []Judge{"novelty"})
	assert.ErrorIs(t, err, ErrUnknownJudge)
}
