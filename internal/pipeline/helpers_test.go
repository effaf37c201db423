package pipeline

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
	"github.com/Kocoro-lab/reportgen/internal/references"
	"github.com/Kocoro-lab/reportgen/internal/search"
	"github.com/Kocoro-lab/reportgen/internal/streaming"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }

// templateVars mirrors the variables each prompt requires.
var templateVars = map[string][]string{
	"prep/classify":                  {"query"},
	"prep/clarify":                   {"now", "query"},
	"prep/rewrite":                   {"now"},
	"outline/outline_sq":             {"now", "query", "reasoning"},
	"outline/outline":                {"domain", "now", "query", "reasoning", "thinking", "reference"},
	"generate/generate":              {"domain", "now", "query", "chapter_outline", "outline", "reference", "above"},
	"generate/chart":                 {"above", "description", "reference"},
	"learning/search_query":          {"now", "chapter_outline"},
	"learning/judge":                 {"now", "chapter_outline"},
	"learning/extract_knowledge":     {"chapter_outline", "search"},
	"learning/draft":                 {"chapter_outline", "knowledge"},
	"learning/evaluate_completeness": {"chapter_outline", "draft"},
	"learning/evaluate_freshness":    {"now", "chapter_outline", "draft"},
	"learning/evaluate_plurality":    {"chapter_outline", "draft"},
	"learning/research_query":        {"now", "search_query", "chapter_outline", "draft", "evaluation"},
}

// markerRegistry overlays every prompt with a body whose first line is the
// template name. overrides replaces the user body of the named prompts.
func markerRegistry(t *testing.T, overrides map[string]string) *prompts.Registry {
	t.Helper()
	dir := t.TempDir()
	for name, vars := range templateVars {
		var b strings.Builder
		fmt.Fprintf(&b, "name: %s\nuser: |\n  %s\n", name, name)
		if body, ok := overrides[name]; ok {
			fmt.Fprintf(&b, "  %s\n", body)
		} else {
			for _, v := range vars {
				fmt.Fprintf(&b, "  %s={{.%s}}\n", v, v)
			}
		}
		file := filepath.Join(dir, strings.ReplaceAll(name, "/", "_")+".yaml")
		require.NoError(t, os.WriteFile(file, []byte(b.String()), 0o600))
	}
	reg, err := prompts.New(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	return reg
}

// router answers by the first line of the first message: the template name
// for rendered prompts, the opening user turn for plain chat.
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

func (r *router) on(name string, replies ...llmtest.Reply) *router {
	r.queues[name] = append(r.queues[name], replies...)
	return r
}

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
		if len(msgs) == 0 {
			return llmtest.Fail(llmtest.ErrExhausted), true
		}
		name, _, _ := strings.Cut(msgs[0].Content, "\n")

		r.mu.Lock()
		defer r.mu.Unlock()
		r.prompts[name] = append(r.prompts[name], msgs[0].Content)
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

type fakeSearch struct {
	mu      sync.Mutex
	results map[string][]search.Result
	queued  map[string][][]search.Result
	queries []string
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{results: make(map[string][]search.Result), queued: make(map[string][][]search.Result)}
}

func (f *fakeSearch) with(query string, urls ...string) *fakeSearch {
	f.results[query] = append(f.results[query], cannedResults(urls)...)
	return f
}

// then queues one answer for query, served before the canned results.
func (f *fakeSearch) then(query string, urls ...string) *fakeSearch {
	f.queued[query] = append(f.queued[query], cannedResults(urls))
	return f
}

func cannedResults(urls []string) []search.Result {
	out := make([]search.Result, 0, len(urls))
	for _, u := range urls {
		out = append(out, search.Result{URL: u, Title: "title of " + u, Content: "content of " + u})
	}
	return out
}

func (f *fakeSearch) Name() string { return "fake" }

func (f *fakeSearch) Search(_ context.Context, query string, topN int) ([]search.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	res := f.results[query]
	if q := f.queued[query]; len(q) > 0 {
		res, f.queued[query] = q[0], q[1:]
	}
	if len(res) > topN {
		res = res[:topN]
	}
	return res, nil
}

type fixture struct {
	router    *router
	search    *fakeSearch
	refs      *references.Memory
	stream    *streaming.Manager
	settings  Settings
	overrides map[string]string
}

func newFixture() *fixture {
	return &fixture{
		router:   newRouter(),
		search:   newFakeSearch(),
		refs:     references.NewMemory(1),
		stream:   streaming.New(1024),
		settings: Settings{Depth: 1, TopN: 5, ExtractLimit: 32000, ChapterConcurrency: 1},
	}
}

func (f *fixture) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(Deps{
		LLM:        f.router.client(),
		Search:     f.search,
		References: f.refs,
		Prompts:    markerRegistry(t, f.overrides),
		Stream:     f.stream,
		Now:        fixedNow,
		Logger:     zaptest.NewLogger(t),
	}, f.settings)
	require.NoError(t, err)
	return p
}

func user(content string) llm.Message { return llm.Message{Role: llm.MessageUser, Content: content} }

func assistant(content string) llm.Message {
	return llm.Message{Role: llm.MessageAssistant, Content: content}
}

// drain unsubscribes and returns everything the subscriber received.
func drain(m *streaming.Manager, runID string, ch chan streaming.Event) []streaming.Event {
	m.Unsubscribe(runID, ch)
	var out []streaming.Event
	for evt := range ch {
		out = append(out, evt)
	}
	return out
}
