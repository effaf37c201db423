package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/metrics"
	"github.com/Kocoro-lab/reportgen/internal/pricing"
)

// ErrExceeded reports which limit a run ran past.
type ErrExceeded struct {
	Kind  string
	Usage int64
	Limit int64
}

func (e *ErrExceeded) Error() string {
	return fmt.Sprintf("budget exceeded: %s used %d of %d", e.Kind, e.Usage, e.Limit)
}

// Is lets errors.Is(err, &ErrExceeded{}) match any budget error.
func (e *ErrExceeded) Is(target error) bool {
	_, ok := target.(*ErrExceeded)
	return ok
}

// Usage is a point-in-time view of a Monitor.
type Usage struct {
	LLMCalls         int64         `json:"llm_calls"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	CostUSD          float64       `json:"cost_usd"`
	Elapsed          time.Duration `json:"elapsed"`
	MaxLLMCalls      int64         `json:"max_llm_calls"`
	MaxWallClock     time.Duration `json:"max_wall_clock"`
}

// Monitor enforces per-run limits. Zero limits mean unlimited.
// A nil *Monitor is valid and enforces nothing.
type Monitor struct {
	MaxWallClock time.Duration
	MaxLLMCalls  int64

	logger  *zap.Logger
	started time.Time
	prices  *pricing.Table

	mu               sync.Mutex
	llmCalls         int64
	promptTokens     int64
	completionTokens int64
	costUSD          float64
	warned           bool
}

// NewMonitor creates a monitor whose wall clock starts now.
func NewMonitor(maxWallClock time.Duration, maxLLMCalls int, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		MaxWallClock: maxWallClock,
		MaxLLMCalls:  int64(maxLLMCalls),
		logger:       logger,
		started:      time.Now(),
	}
}

// SetPricing prices recorded tokens with t. Without a table the fallback
// rate applies.
func (m *Monitor) SetPricing(t *pricing.Table) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.prices = t
	m.mu.Unlock()
}

// Context derives a context that is cancelled when the wall-clock budget runs out.
func (m *Monitor) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if m == nil || m.MaxWallClock <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, m.started.Add(m.MaxWallClock))
}

// ChargeLLMCall counts one model call. The call that would exceed the limit is refused.
func (m *Monitor) ChargeLLMCall() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MaxLLMCalls > 0 && m.llmCalls >= m.MaxLLMCalls {
		return &ErrExceeded{Kind: "llm_calls", Usage: m.llmCalls + 1, Limit: m.MaxLLMCalls}
	}
	m.llmCalls++

	// Warn once at 80% of the call limit.
	if m.MaxLLMCalls > 0 && !m.warned && float64(m.llmCalls) >= 0.8*float64(m.MaxLLMCalls) {
		m.warned = true
		m.logger.Warn("LLM call budget nearly exhausted",
			zap.Int64("used", m.llmCalls),
			zap.Int64("limit", m.MaxLLMCalls),
		)
	}
	return nil
}

// RecordTokens adds token usage reported by the provider for model.
func (m *Monitor) RecordTokens(model string, prompt, completion int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	cost := m.prices.CostForSplit(model, prompt, completion)
	m.promptTokens += int64(prompt)
	m.completionTokens += int64(completion)
	m.costUSD += cost
	m.mu.Unlock()
	metrics.LLMCostUSD.WithLabelValues(model).Add(cost)
}

// Snapshot returns the current usage.
func (m *Monitor) Snapshot() Usage {
	if m == nil {
		return Usage{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Usage{
		LLMCalls:         m.llmCalls,
		PromptTokens:     m.promptTokens,
		CompletionTokens: m.completionTokens,
		CostUSD:          m.costUSD,
		Elapsed:          time.Since(m.started),
		MaxLLMCalls:      m.MaxLLMCalls,
		MaxWallClock:     m.MaxWallClock,
	}
}
