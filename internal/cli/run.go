package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/budget"
	"github.com/Kocoro-lab/reportgen/internal/circuitbreaker"
	"github.com/Kocoro-lab/reportgen/internal/config"
	"github.com/Kocoro-lab/reportgen/internal/health"
	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/pipeline"
	"github.com/Kocoro-lab/reportgen/internal/pricing"
	"github.com/Kocoro-lab/reportgen/internal/prompts"
	"github.com/Kocoro-lab/reportgen/internal/ratecontrol"
	"github.com/Kocoro-lab/reportgen/internal/references"
	"github.com/Kocoro-lab/reportgen/internal/search"
	"github.com/Kocoro-lab/reportgen/internal/streaming"
	"github.com/Kocoro-lab/reportgen/internal/taxonomy"
	"github.com/Kocoro-lab/reportgen/internal/tracing"
)

type runOptions struct {
	configPath  string
	depth       int
	concurrency int
	metrics     bool
	question    string
	answer      string
	outDir      string
	quiet       bool
}

func newRunCommand() *cobra.Command { return runCommand(&runOptions{}) }

func runCommand(o *runOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [topic]",
		Short: "Generate a report on topic",
		Long: `Generate a report on topic. The first run may answer with a clarifying
question instead; pass it back with --question together with your --answer.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, args, o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "config file (default $REPORTGEN_CONFIG or "+config.DefaultPath+")")
	f.IntVar(&o.depth, "depth", 0, "deep search depth per chapter")
	f.IntVar(&o.concurrency, "concurrency", 0, "chapters researched in parallel")
	f.BoolVar(&o.metrics, "metrics", false, "serve Prometheus metrics while running")
	f.StringVar(&o.question, "question", "", "clarifying question asked by a previous run")
	f.StringVar(&o.answer, "answer", "", "your answer to --question")
	f.StringVarP(&o.outDir, "out", "o", "", "also save the report as markdown in this directory")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "do not echo the report while it is written")
	return cmd
}

// applyFlags overlays explicitly set flags on the loaded configuration.
func applyFlags(cmd *cobra.Command, o *runOptions, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("depth") {
		cfg.Workflow.Depth = o.depth
	}
	if flags.Changed("concurrency") {
		cfg.Workflow.ChapterConcurrency = o.concurrency
	}
	if o.metrics {
		cfg.Observability.Metrics.Enabled = true
	}
	if (o.question == "") != (o.answer == "") {
		return errors.New("--question and --answer must be given together")
	}
	return cfg.Validate()
}

// conversation turns the topic and an optional clarification round into
// chat messages.
func conversation(topic string, o *runOptions) []llm.Message {
	msgs := []llm.Message{{Role: llm.MessageUser, Content: topic}}
	if o.question != "" {
		msgs = append(msgs,
			llm.Message{Role: llm.MessageAssistant, Content: o.question},
			llm.Message{Role: llm.MessageUser, Content: o.answer},
		)
	}
	return msgs
}

func runReport(cmd *cobra.Command, args []string, o *runOptions) error {
	cfg, err := config.Load(config.ResolvePath(o.configPath))
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, o, cfg); err != nil {
		return err
	}

	logger, err := NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(ctx, tracing.Config{
		Enabled:      cfg.Observability.Tracing.Enabled,
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Warn("Tracing unavailable", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	runID := uuid.NewString()
	stream := streaming.New(streaming.DefaultCapacity)
	monitor := budget.NewMonitor(cfg.Budget.MaxWallClock, cfg.Budget.MaxLLMCalls, logger)
	monitor.SetPricing(pricing.New(cfg.Pricing))
	p, checks, closeRefs, err := build(ctx, cfg, runID, stream, monitor, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeRefs(); err != nil {
			logger.Warn("Closing reference store failed", zap.Error(err))
		}
	}()

	if cfg.Observability.Metrics.Enabled {
		srv := serveMetrics(cfg.Observability.Metrics.Port, checks, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	echo := io.Discard
	if !o.quiet {
		echo = cmd.ErrOrStderr()
	}
	events := stream.Subscribe(runID, 1024)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(echo, events)
	}()

	topic := strings.Join(args, " ")
	logger.Info("Report run started", zap.String("run_id", runID), zap.String("topic", topic))
	out, err := p.Run(ctx, pipeline.Request{RunID: runID, Messages: conversation(topic, o)})
	stream.Unsubscribe(runID, events)
	<-printed
	stream.Forget(runID)

	usage := monitor.Snapshot()
	logger.Info("Report run finished",
		zap.String("run_id", runID),
		zap.Int64("llm_calls", usage.LLMCalls),
		zap.Int64("prompt_tokens", usage.PromptTokens),
		zap.Int64("completion_tokens", usage.CompletionTokens),
		zap.Float64("cost_usd", usage.CostUSD),
		zap.Duration("elapsed", usage.Elapsed),
	)
	if err != nil {
		return fmt.Errorf("report run %s: %w", runID, err)
	}
	return writeOutput(cmd.OutOrStdout(), out, o.outDir, logger)
}

// build assembles the pipeline for one run and the health checks of its
// dependencies. References live under a run-scoped Redis prefix so
// concurrent runs never share ids.
func build(ctx context.Context, cfg *config.Config, runID string, stream *streaming.Manager, monitor *budget.Monitor, logger *zap.Logger) (*pipeline.Pipeline, *health.Manager, func() error, error) {
	breaker := cfg.CircuitBreaker.ToConfig()

	client, err := llm.NewOpenAIClient(cfg.LLM, breaker, monitor, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	provider, err := search.New(cfg.Search, breaker, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	provider = search.Guarded(provider, ratecontrol.ForEngine(cfg.Search.Engine, cfg.Search.RateLimit.RPM), logger)

	reg, err := prompts.New(cfg.Prompts.Dir, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	tax, err := taxonomy.Load(cfg.Taxonomy.Path)
	if err != nil {
		return nil, nil, nil, err
	}

	refsCfg := cfg.References
	refsCfg.Redis.KeyPrefix = refsCfg.Redis.KeyPrefix + ":" + runID
	refs, closeRefs, err := references.New(ctx, refsCfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	checks := health.NewManager(health.DefaultTimeout, logger)
	if err := checks.RegisterChecker(health.NewBreakerChecker(circuitbreaker.Default())); err != nil {
		_ = closeRefs()
		return nil, nil, nil, err
	}
	if pinger, ok := refs.(health.Pinger); ok {
		if err := checks.RegisterChecker(health.NewPingChecker("references", pinger, true)); err != nil {
			_ = closeRefs()
			return nil, nil, nil, err
		}
	}

	p, err := pipeline.New(pipeline.Deps{
		LLM:        client,
		Search:     provider,
		References: refs,
		Prompts:    reg,
		Taxonomy:   tax,
		Stream:     stream,
		Budget:     monitor,
		Logger:     logger,
	}, pipeline.SettingsFromConfig(cfg))
	if err != nil {
		_ = closeRefs()
		return nil, nil, nil, err
	}
	return p, checks, closeRefs, nil
}

// serveMetrics exposes /metrics and the /health endpoints for the lifetime
// of the run.
func serveMetrics(port int, checks *health.Manager, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.NewHTTPHandler(checks, logger).RegisterRoutes(mux)
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

// printEvents echoes the live report: chapter headings, text deltas as they
// arrive and a line break after each chapter.
func printEvents(w io.Writer, events <-chan streaming.Event) {
	for evt := range events {
		switch evt.Type {
		case streaming.ChapterStarted:
			fmt.Fprintf(w, "\n%s\n", evt.Text)
		case streaming.Delta:
			fmt.Fprint(w, evt.Text)
		case streaming.ChapterCompleted:
			fmt.Fprintln(w)
		}
	}
}

// writeOutput prints the final message and, for reports, saves a markdown
// copy when dir is set.
func writeOutput(w io.Writer, out *pipeline.Output, dir string, logger *zap.Logger) error {
	switch out.Kind {
	case pipeline.KindEmpty:
		return errors.New("nothing to do: the topic is empty")
	case pipeline.KindClarify:
		fmt.Fprintf(w, "%s\n\nRe-run with --question %q --answer \"...\" to continue.\n", out.Message, out.Message)
		return nil
	case pipeline.KindOutlineFailed:
		fmt.Fprintln(w, out.Message)
		return errors.New("the planner did not produce a usable outline")
	}

	fmt.Fprintln(w, out.Message)
	if out.Kind != pipeline.KindReport || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("report_%d.md", time.Now().UnixMilli()))
	if err := os.WriteFile(path, []byte(out.Report), 0o644); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	logger.Info("Report saved", zap.String("path", path))
	return nil
}
