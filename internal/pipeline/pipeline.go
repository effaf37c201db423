// Package pipeline runs a report request end to end: prep, outline search,
// outline planning, per-chapter deep research, streamed writing and the
// footnote block.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/budget"
	"github.com/Kocoro-lab/reportgen/internal/config"
	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/metrics"
	"github.com/Kocoro-lab/reportgen/internal/outline"
	"github.com/Kocoro-lab/reportgen/internal/prompts"
	"github.com/Kocoro-lab/reportgen/internal/references"
	"github.com/Kocoro-lab/reportgen/internal/report"
	"github.com/Kocoro-lab/reportgen/internal/research"
	"github.com/Kocoro-lab/reportgen/internal/search"
	"github.com/Kocoro-lab/reportgen/internal/streaming"
	"github.com/Kocoro-lab/reportgen/internal/taxonomy"
	"github.com/Kocoro-lab/reportgen/internal/tracing"
)

// Kind tells the caller what Output holds.
type Kind string

const (
	// KindEmpty is returned when the request carried no usable message.
	KindEmpty         Kind = "empty"
	KindReport        Kind = "report"
	KindClarify       Kind = "clarify"
	KindGeneric       Kind = "generic"
	KindOutlineFailed Kind = "outline_failed"
)

// Request is one conversation turn. RunID is generated when empty.
type Request struct {
	RunID    string
	Messages []llm.Message
}

// Output is the result of a run. Report and References are set for
// KindReport only; Message always carries the text shown to the user.
type Output struct {
	RunID      string
	Kind       Kind
	Message    string
	Report     string
	References []references.Entry
	Outline    *outline.Chapter
	Domain     string
	Topic      string
}

// Settings are the workflow knobs of a run.
type Settings struct {
	Depth                 int
	TopN                  int
	ExtractLimit          int
	ChapterConcurrency    int
	OutlineReferenceLimit int
}

// SettingsFromConfig picks the workflow settings out of cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Depth:                 cfg.Workflow.Depth,
		TopN:                  cfg.Search.TopN,
		ExtractLimit:          cfg.Workflow.ExtractLimit,
		ChapterConcurrency:    cfg.Workflow.ChapterConcurrency,
		OutlineReferenceLimit: cfg.Workflow.OutlineReferenceLimit,
	}
}

// Deps are the collaborators shared by every run. Stream, Budget, Now and
// Logger are optional.
type Deps struct {
	LLM        llm.Client
	Search     search.Provider
	References references.Registry
	Prompts    *prompts.Registry
	Taxonomy   *taxonomy.Taxonomy
	Stream     *streaming.Manager
	Budget     *budget.Monitor
	Now        func() time.Time
	Logger     *zap.Logger
}

// Pipeline is safe to reuse across runs as long as each run gets its own
// reference registry.
type Pipeline struct {
	deps     Deps
	settings Settings
	engine   *research.Engine
	writer   *report.Writer
	logger   *zap.Logger
}

// New validates deps and builds the research engine and chapter writer.
func New(deps Deps, settings Settings) (*Pipeline, error) {
	switch {
	case deps.LLM == nil:
		return nil, fmt.Errorf("pipeline: llm client is required")
	case deps.Search == nil:
		return nil, fmt.Errorf("pipeline: search provider is required")
	case deps.References == nil:
		return nil, fmt.Errorf("pipeline: reference registry is required")
	case deps.Prompts == nil:
		return nil, fmt.Errorf("pipeline: prompt registry is required")
	}
	if deps.Taxonomy == nil {
		tax, err := taxonomy.Default()
		if err != nil {
			return nil, fmt.Errorf("pipeline: load taxonomy: %w", err)
		}
		deps.Taxonomy = tax
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if settings.ChapterConcurrency < 1 {
		settings.ChapterConcurrency = 1
	}
	if settings.TopN < 1 {
		settings.TopN = research.DefaultTopN
	}
	if settings.OutlineReferenceLimit < 1 {
		settings.OutlineReferenceLimit = outline.DefaultReferenceLimit
	}

	engine := research.NewEngine(deps.Search, deps.LLM, deps.Prompts,
		research.WithMaxDepth(settings.Depth),
		research.WithTopN(settings.TopN),
		research.WithExtractLimit(settings.ExtractLimit),
		research.WithClock(deps.Now),
		research.WithLogger(deps.Logger),
	)
	return &Pipeline{
		deps:     deps,
		settings: settings,
		engine:   engine,
		writer:   report.NewWriter(deps.LLM, deps.Prompts, deps.Now, deps.Logger),
		logger:   deps.Logger,
	}, nil
}

// run carries the per-request state between stages.
type run struct {
	id       string
	messages []llm.Message
	topic    string
	domain   string
	logic    string
	details  string
	logger   *zap.Logger
}

// Run executes one request. Returned errors are limited to configuration
// problems, reference store failures and cancellation; model and search
// failures degrade inside the stages.
func (p *Pipeline) Run(ctx context.Context, req Request) (out *Output, err error) {
	id := req.RunID
	if id == "" {
		id = uuid.NewString()
	}
	metrics.ReportsStarted.Inc()

	ctx, cancel := p.deps.Budget.Context(ctx)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "pipeline.run", attribute.String("run.id", id))
	defer func() {
		tracing.EndSpan(span, err)
		kind := "error"
		if err == nil {
			kind = string(out.Kind)
		}
		metrics.ReportsCompleted.WithLabelValues(kind).Inc()
	}()

	r := &run{id: id, messages: normalize(req.Messages), logger: p.logger.With(zap.String("run_id", id))}
	out, err = p.prep(ctx, r)
	if err != nil || out != nil {
		return out, err
	}
	return p.report(ctx, r)
}

func (p *Pipeline) report(ctx context.Context, r *run) (*Output, error) {
	groups, err := p.outlineSearch(ctx, r)
	if err != nil {
		return nil, err
	}
	root, raw, err := p.planOutline(ctx, r, groups)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return &Output{RunID: r.id, Kind: KindOutlineFailed, Message: raw, Domain: r.domain, Topic: r.topic}, nil
	}
	r.logger.Info("Outline planned", zap.String("title", root.Title), zap.Int("chapters", len(root.SubChapters)))

	if err := p.learn(ctx, r, root); err != nil {
		return nil, err
	}
	text, err := p.generate(ctx, r, root)
	if err != nil {
		return nil, err
	}
	return p.finalize(ctx, r, root, text)
}

func (p *Pipeline) publish(r *run, evt streaming.Event) {
	if p.deps.Stream == nil {
		return
	}
	p.deps.Stream.Publish(r.id, evt)
}

func (p *Pipeline) now() time.Time { return p.deps.Now() }
