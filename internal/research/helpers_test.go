package research

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/llm/llmtest"
	"github.com/Kocoro-lab/reportgen/internal/prompts"
	"github.com/Kocoro-lab/reportgen/internal/search"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }

// learningVars mirrors the variables each learning prompt requires.
var learningVars = map[string][]string{
	"learning/search_query":          {"now", "chapter_outline"},
	"learning/judge":                 {"now", "chapter_outline"},
	"learning/extract_knowledge":     {"chapter_outline", "search"},
	"learning/draft":                 {"chapter_outline", "knowledge"},
	"learning/evaluate_completeness": {"chapter_outline", "draft"},
	"learning/evaluate_freshness":    {"now", "chapter_outline", "draft"},
	"learning/evaluate_plurality":    {"chapter_outline", "draft"},
	"learning/research_query":        {"now", "search_query", "chapter_outline", "draft", "evaluation"},
}

// markerRegistry overlays the learning prompts with bodies whose first line is
// the template name, so a fake model can route on it.
func markerRegistry(t *testing.T) *prompts.Registry {
	t.Helper()
	dir := t.TempDir()
	for name, vars := range learningVars {
		var b strings.Builder
		fmt.Fprintf(&b, "name: %s\nuser: |\n  %s\n", name, name)
		for _, v := range vars {
			fmt.Fprintf(&b, "  %s={{.%s}}\n", v, v)
		}
		file := filepath.Join(dir, strings.ReplaceAll(name, "/", "_")+".yaml")
		require.NoError(t, os.WriteFile(file, []byte(b.String()), 0o600))
	}
	reg, err := prompts.New(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	return reg
}

// router answers each template from its own queue and records the prompts.
type router struct {
	mu      sync.Mutex
	queues  map[string][]llmtest.Reply
	fixed   map[string]llmtest.Reply
	prompts map[string][]string
}

func newRouter() *router {
	return &router{
		queues:  make(map[string][]llmtest.Reply),
		fixed:   make(map[string]llmtest.Reply),
		prompts: make(map[string][]string),
	}
}

// on queues replies for one template.
func (r *router) on(name string, replies ...llmtest.Reply) *router {
	r.queues[name] = append(r.queues[name], replies...)
	return r
}

// always answers every call to name with reply once its queue is empty.
func (r *router) always(name string, reply llmtest.Reply) *router {
	r.fixed[name] = reply
	return r
}

func (r *router) calls(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts[name]...)
}

func (r *router) client() *llmtest.Scripted {
	return llmtest.New().WithResponder(func(_ llm.Role, msgs []llm.Message) (llmtest.Reply, bool) {
		prompt := llmtest.UserPrompt(msgs)
		name, _, _ := strings.Cut(prompt, "\n")

		r.mu.Lock()
		defer r.mu.Unlock()
		r.prompts[name] = append(r.prompts[name], prompt)
		if q := r.queues[name]; len(q) > 0 {
			r.queues[name] = q[1:]
			return q[0], true
		}
		if reply, ok := r.fixed[name]; ok {
			return reply, true
		}
		return llmtest.Fail(llmtest.ErrExhausted), true
	})
}

// fakeSearch serves canned results per query.
type fakeSearch struct {
	mu      sync.Mutex
	results map[string][]search.Result
	errs    map[string]error
	queued  map[string][][]search.Result
	queries []string
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{
		results: make(map[string][]search.Result),
		errs:    make(map[string]error),
		queued:  make(map[string][][]search.Result),
	}
}

func (f *fakeSearch) with(query string, urls ...string) *fakeSearch {
	f.results[query] = append(f.results[query], cannedResults(urls)...)
	return f
}

// then queues one answer for query; queued answers are served in order
// before the canned results.
func (f *fakeSearch) then(query string, urls ...string) *fakeSearch {
	f.queued[query] = append(f.queued[query], cannedResults(urls))
	return f
}

func cannedResults(urls []string) []search.Result {
	out := make([]search.Result, 0, len(urls))
	for _, u := range urls {
		out = append(out, search.Result{
			URL:     u,
			Title:   "title of " + u,
			Content: "content of " + u,
		})
	}
	return out
}

func (f *fakeSearch) Name() string { return "fake" }

func (f *fakeSearch) Search(_ context.Context, query string, topN int) ([]search.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if err := f.errs[query]; err != nil {
		return nil, err
	}
	res := f.results[query]
	if q := f.queued[query]; len(q) > 0 {
		res, f.queued[query] = q[0], q[1:]
	}
	if len(res) > topN {
		res = res[:topN]
	}
	return res, nil
}

func (f *fakeSearch) searched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func sq(queries ...string) llmtest.Reply {
	var b strings.Builder
	for _, q := range queries {
		fmt.Fprintf(&b, "<sq>%s</sq>\n", q)
	}
	return llmtest.Text(b.String())
}

func verdict(pass bool, think string) llmtest.Reply {
	return llmtest.Text(fmt.Sprintf(`{"analysis":{"think":%q,"pass":%t}}`, think, pass))
}
