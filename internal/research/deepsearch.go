package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/budget"
	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/metrics"
	"github.com/Kocoro-lab/reportgen/internal/prompts"
	"github.com/Kocoro-lab/reportgen/internal/search"
	"github.com/Kocoro-lab/reportgen/internal/tracing"
	"github.com/Kocoro-lab/reportgen/internal/util"
)

const (
	DefaultMaxDepth = 3
	DefaultTopN     = 10
)

// ChapterRequest identifies the chapter a deep search serves.
type ChapterRequest struct {
	Title          string
	Chapter        string
	SubChapters    []string
	ChapterOutline string
}

// MakeOutline renders the writing brief every prompt of the session receives.
func MakeOutline(req ChapterRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Writing topic: %s\n", req.Title)
	fmt.Fprintf(&b, "- Writing requirement: Please focus on the topic \"%s\" of this chapter", req.Chapter)
	if len(req.SubChapters) > 0 {
		b.WriteString(" and elaborate from ")
		for _, sub := range req.SubChapters {
			fmt.Fprintf(&b, "\"%s\";", sub)
		}
		fmt.Fprintf(&b, "%d different aspects.", len(req.SubChapters))
	}
	fmt.Fprintf(&b, "\n%s\n", req.ChapterOutline)
	return b.String()
}

// Level is one round of search, extraction, drafting and evaluation.
type Level struct {
	Depth   int
	Queries []string
	// QueryOrder lists the keys of SearchResults in query order.
	QueryOrder    []string
	SearchResults map[string][]search.Result
	AllKnowledge  []Knowledge
	UsedKnowledge []Knowledge
	Answer        string
	Evals         []EvalResult
}

// Result is the outcome of one deep search session.
type Result struct {
	Outline string
	Judges  []Judge
	Levels  []*Level
	// ReKnowledge concatenates UsedKnowledge of every level in order.
	ReKnowledge []Knowledge
}

// Root returns the first level, or nil when none ran.
func (r *Result) Root() *Level {
	if r == nil || len(r.Levels) == 0 {
		return nil
	}
	return r.Levels[0]
}

// Child returns the level that followed level i, or nil at the end of the chain.
func (r *Result) Child(i int) *Level {
	if r == nil || i < 0 || i+1 >= len(r.Levels) {
		return nil
	}
	return r.Levels[i+1]
}

// AllSearchResults merges the surviving results of every level. A query
// repeated by a later level accumulates that level's results after the earlier
// ones; the seen set keeps the levels disjoint. Key order is first appearance.
func AllSearchResults(r *Result) (order []string, results map[string][]search.Result) {
	results = make(map[string][]search.Result)
	if r == nil {
		return nil, results
	}
	for _, lvl := range r.Levels {
		for _, q := range lvl.QueryOrder {
			if _, ok := results[q]; !ok {
				order = append(order, q)
			}
			results[q] = append(results[q], lvl.SearchResults[q]...)
		}
	}
	return order, results
}

// Engine runs deep search sessions. It is safe for concurrent Runs; each Run
// owns its own SeenSet.
type Engine struct {
	provider search.Provider

	extractor   *Extractor
	strategist  *Strategist
	synthesizer *Synthesizer
	evaluator   *Evaluator

	maxDepth     int
	topN         int
	extractLimit int
	now          func() time.Time
	logger       *zap.Logger
	budget       *budget.Monitor
}

type Option func(*Engine)

func WithMaxDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

func WithTopN(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.topN = n
		}
	}
}

func WithExtractLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.extractLimit = n
		}
	}
}

// WithClock sets the source of the date shown to the model.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithBudget bounds every Run by the monitor's wall-clock deadline.
func WithBudget(m *budget.Monitor) Option {
	return func(e *Engine) { e.budget = m }
}

// NewEngine wires the deep search collaborators.
func NewEngine(provider search.Provider, client llm.Client, reg *prompts.Registry, opts ...Option) *Engine {
	e := &Engine{
		provider:     provider,
		maxDepth:     DefaultMaxDepth,
		topN:         DefaultTopN,
		extractLimit: DefaultExtractLimit,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.extractor = NewExtractor(client, reg, e.extractLimit, e.logger)
	e.strategist = NewStrategist(client, reg, e.now, e.logger)
	e.synthesizer = NewSynthesizer(client, reg, e.logger)
	e.evaluator = NewEvaluator(client, reg, e.now, e.logger)
	return e
}

// Run performs a depth-bounded deep search for one chapter. The session stops
// at max depth or as soon as every judge passes. Errors are limited to
// configuration problems and context cancellation; in the latter case the
// levels completed so far are returned along with the error.
func (e *Engine) Run(ctx context.Context, req ChapterRequest) (*Result, error) {
	ctx, cancel := e.budget.Context(ctx)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "research.deep_search",
		attribute.String("research.chapter", req.Chapter),
		attribute.Int("research.max_depth", e.maxDepth),
	)
	res, err := e.run(ctx, req)
	span.SetAttributes(attribute.Int("research.levels", len(res.Levels)))
	tracing.EndSpan(span, err)
	return res, err
}

func (e *Engine) run(ctx context.Context, req ChapterRequest) (*Result, error) {
	res := &Result{Outline: MakeOutline(req)}
	defer func() { res.ReKnowledge = collectUsed(res.Levels) }()

	queries, err := e.strategist.InitialQueries(ctx, res.Outline)
	if err != nil {
		return res, fmt.Errorf("initial queries: %w", err)
	}
	res.Judges, err = e.strategist.SelectJudges(ctx, res.Outline)
	if err != nil {
		return res, fmt.Errorf("select judges: %w", err)
	}

	seen := NewSeenSet()
	prefix := ""
	for depth := 1; ; depth++ {
		if err := ctx.Err(); err != nil {
			metrics.DeepSearchLevels.WithLabelValues("cancelled").Inc()
			return res, fmt.Errorf("deep search %q stopped before level %d: %w", req.Chapter, depth, err)
		}

		lvl, next, done, err := e.level(ctx, res, depth, queries, prefix, seen)
		if lvl != nil {
			res.Levels = append(res.Levels, lvl)
		}
		if err != nil {
			return res, err
		}
		if done {
			return res, nil
		}
		queries = next
		prefix += lvl.Answer
	}
}

// level runs one round. done reports a terminal state; otherwise next holds
// the refined queries for depth+1.
func (e *Engine) level(ctx context.Context, res *Result, depth int, queries []string, prefix string, seen *SeenSet) (lvl *Level, next []string, done bool, err error) {
	ctx, span := tracing.StartSpan(ctx, "research.level", attribute.Int("research.depth", depth))
	defer func() { tracing.EndSpan(span, err) }()

	lvl = &Level{Depth: depth, Queries: queries}

	order, raw := e.searchAll(ctx, queries)
	lvl.SearchResults = seen.Filter(order, raw)
	for _, q := range order {
		if _, ok := lvl.SearchResults[q]; ok {
			lvl.QueryOrder = append(lvl.QueryOrder, q)
		}
	}

	if len(lvl.SearchResults) > 0 {
		lvl.AllKnowledge, err = e.extractor.ExtractAll(ctx, res.Outline, lvl.QueryOrder, lvl.SearchResults)
		if err != nil {
			return lvl, nil, true, fmt.Errorf("extract knowledge: %w", err)
		}
	}

	lvl.UsedKnowledge, lvl.Answer, err = e.synthesizer.Synthesize(ctx, res.Outline, lvl.AllKnowledge)
	if err != nil {
		return lvl, nil, true, fmt.Errorf("synthesize: %w", err)
	}

	e.logger.Info("Deep search level complete",
		zap.Int("depth", depth),
		zap.Int("queries", len(queries)),
		zap.Int("new_results", countResults(lvl.SearchResults)),
		zap.Int("knowledge", len(lvl.AllKnowledge)),
		zap.Int("used", len(lvl.UsedKnowledge)),
		zap.Int("seen", seen.Len()),
	)

	if depth >= e.maxDepth {
		metrics.DeepSearchLevels.WithLabelValues("max_depth").Inc()
		return lvl, nil, true, nil
	}

	cumulative := prefix + lvl.Answer
	lvl.Evals, err = e.evaluator.Evaluate(ctx, res.Outline, cumulative, res.Judges)
	if err != nil {
		return lvl, nil, true, fmt.Errorf("evaluate: %w", err)
	}

	var failing []EvalResult
	for _, ev := range lvl.Evals {
		if !ev.Pass {
			failing = append(failing, ev)
		}
	}
	if len(failing) == 0 {
		metrics.DeepSearchLevels.WithLabelValues("passed").Inc()
		return lvl, nil, true, nil
	}
	for _, ev := range failing {
		e.logger.Debug("Judge failed",
			zap.String("judge", string(ev.Judge)),
			zap.String("reason", util.TruncateString(ev.Reason, 200, true)),
		)
	}

	next, err = e.strategist.RefineQueries(ctx, queries, res.Outline, cumulative, failing)
	if err != nil {
		return lvl, nil, true, fmt.Errorf("refine queries: %w", err)
	}
	metrics.DeepSearchLevels.WithLabelValues("refined").Inc()
	return lvl, next, false, nil
}

// searchAll runs each distinct query in order. A provider failure counts as
// no results.
func (e *Engine) searchAll(ctx context.Context, queries []string) ([]string, map[string][]search.Result) {
	order := make([]string, 0, len(queries))
	results := make(map[string][]search.Result, len(queries))
	for _, q := range queries {
		if _, dup := results[q]; dup {
			continue
		}
		order = append(order, q)
		hits, err := e.provider.Search(ctx, q, e.topN)
		if err != nil {
			e.logger.Warn("Search failed, continuing without results", zap.String("query", q), zap.Error(err))
			hits = nil
		}
		results[q] = hits
	}
	return order, results
}

func collectUsed(levels []*Level) []Knowledge {
	var out []Knowledge
	for _, lvl := range levels {
		out = append(out, lvl.UsedKnowledge...)
	}
	return out
}

func countResults(m map[string][]search.Result) int {
	n := 0
	for _, rs := range m {
		n += len(rs)
	}
	return n
}
