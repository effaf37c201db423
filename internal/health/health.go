package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckStatus represents the result of a health check
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (s CheckStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CheckResult contains the result of a health check
type CheckResult struct {
	Component string        `json:"component"`
	Status    CheckStatus   `json:"status"`
	Critical  bool          `json:"critical"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Checker is one dependency probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// IsCritical reports whether a failure makes the whole process unhealthy.
	IsCritical() bool
}

// Report aggregates the latest run of every checker.
type Report struct {
	Status     CheckStatus            `json:"status"`
	Components map[string]CheckResult `json:"components"`
	Duration   time.Duration          `json:"duration"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager runs registered checkers concurrently, each bounded by timeout.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
	logger   *zap.Logger
}

const DefaultTimeout = 5 * time.Second

func NewManager(timeout time.Duration, logger *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{checkers: make(map[string]Checker), timeout: timeout, logger: logger}
}

// RegisterChecker adds c; names must be unique.
func (m *Manager) RegisterChecker(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[c.Name()]; exists {
		return fmt.Errorf("health checker %s already registered", c.Name())
	}
	m.checkers[c.Name()] = c
	m.logger.Debug("Registered health checker", zap.String("name", c.Name()), zap.Bool("critical", c.IsCritical()))
	return nil
}

// Names lists the registered checkers in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every checker and folds the results. A critical failure makes the
// report unhealthy; any other failure or degradation makes it degraded.
func (m *Manager) Check(ctx context.Context) Report {
	start := time.Now()
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = m.runSingleCheck(ctx, c)
		}(i, c)
	}
	wg.Wait()

	report := Report{
		Status:     StatusHealthy,
		Components: make(map[string]CheckResult, len(results)),
		Timestamp:  start,
	}
	for _, r := range results {
		report.Components[r.Component] = r
		switch {
		case r.Status == StatusUnhealthy && r.Critical:
			report.Status = StatusUnhealthy
		case r.Status != StatusHealthy && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	report.Duration = time.Since(start)
	return report
}

func (m *Manager) runSingleCheck(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	r := c.Check(ctx)
	r.Component = c.Name()
	r.Critical = c.IsCritical()
	if r.Timestamp.IsZero() {
		r.Timestamp = start
	}
	if r.Duration == 0 {
		r.Duration = time.Since(start)
	}
	if r.Status != StatusHealthy {
		m.logger.Warn("Health check failing",
			zap.String("component", r.Component),
			zap.String("status", r.Status.String()),
			zap.String("error", r.Error),
		)
	}
	return r
}
