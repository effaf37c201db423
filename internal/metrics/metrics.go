package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Report metrics
	ReportsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reportgen_reports_started_total",
			Help: "Total number of report runs started",
		},
	)

	ReportsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportgen_reports_completed_total",
			Help: "Total number of report runs completed by outcome kind",
		},
		[]string{"kind"},
	)

	ChapterDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportgen_chapter_duration_seconds",
			Help:    "Per-chapter duration in seconds by stage",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	// Deep search metrics
	DeepSearchLevels = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportgen_deep_search_levels_total",
			Help: "Deep search levels executed, labelled by how the level ended",
		},
		[]string{"outcome"},
	)

	JudgeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportgen_judge_outcomes_total",
			Help: "Judge evaluations by judge and result",
		},
		[]string{"judge", "result"},
	)

	KnowledgeExtracted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reportgen_knowledge_extracted_total",
			Help: "Knowledge items extracted from search results",
		},
	)

	ExtractionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reportgen_extraction_failures_total",
			Help: "Extraction batches that produced no parseable output",
		},
	)

	DuplicateResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reportgen_duplicate_results_total",
			Help: "Search results dropped because their URL was already seen",
		},
	)

	// External call metrics
	SearchCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportgen_search_calls_total",
			Help: "Search provider calls by engine and status",
		},
		[]string{"engine", "status"},
	)

	SearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportgen_search_latency_seconds",
			Help:    "Search provider latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportgen_llm_calls_total",
			Help: "LLM calls by role, mode and status",
		},
		[]string{"role", "mode", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportgen_llm_latency_seconds",
			Help:    "LLM call latency in seconds (time to full response or first chunk)",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"role", "mode"},
	)

	// Reference registry metrics
	ReferencesRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportgen_references_registered_total",
			Help: "Reference registrations by backend and whether the URL was new",
		},
		[]string{"backend", "result"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reportgen_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportgen_circuit_breaker_rejections_total",
			Help: "Calls rejected by an open or saturated circuit breaker",
		},
		[]string{"name"},
	)

	// Cost metrics
	LLMCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportgen_llm_cost_usd_total",
			Help: "Estimated LLM spend in USD",
		},
		[]string{"model"},
	)

	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportgen_pricing_fallbacks_total",
			Help: "Cost estimates that used the default price",
		},
		[]string{"reason"},
	)

	// Prompt metrics
	PromptsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportgen_prompts_loaded_total",
			Help: "Prompt templates loaded by source (builtin or override)",
		},
		[]string{"source"},
	)

	// Stream processing metrics
	FootnotesRemapped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reportgen_footnotes_remapped_total",
			Help: "Global footnote markers emitted by the remapper",
		},
	)

	ToolBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportgen_tool_blocks_total",
			Help: "Inline tool blocks processed by tool and status",
		},
		[]string{"tool", "status"},
	)
)
