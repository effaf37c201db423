package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Kocoro-lab/reportgen/internal/circuitbreaker"
)

// Pinger is implemented by stores that can answer a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker probes a store such as the Redis reference registry.
type PingChecker struct {
	name     string
	target   Pinger
	critical bool
}

func NewPingChecker(name string, target Pinger, critical bool) *PingChecker {
	return &PingChecker{name: name, target: target, critical: critical}
}

func (p *PingChecker) Name() string     { return p.name }
func (p *PingChecker) IsCritical() bool { return p.critical }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := p.target.Ping(ctx)
	result := CheckResult{Timestamp: start, Duration: time.Since(start)}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = p.name + " ping failed"
		return result
	}
	result.Status = StatusHealthy
	return result
}

// BreakerChecker reports tripped circuit breakers. Any open breaker degrades
// the process; a run can still finish on fallbacks.
type BreakerChecker struct {
	registry *circuitbreaker.Registry
}

func NewBreakerChecker(registry *circuitbreaker.Registry) *BreakerChecker {
	return &BreakerChecker{registry: registry}
}

func (b *BreakerChecker) Name() string     { return "circuit_breakers" }
func (b *BreakerChecker) IsCritical() bool { return false }

func (b *BreakerChecker) Check(_ context.Context) CheckResult {
	var open, halfOpen []string
	for name, state := range b.registry.States() {
		switch state {
		case circuitbreaker.StateOpen:
			open = append(open, name)
		case circuitbreaker.StateHalfOpen:
			halfOpen = append(halfOpen, name)
		}
	}
	sort.Strings(open)
	sort.Strings(halfOpen)

	result := CheckResult{Status: StatusHealthy, Timestamp: time.Now()}
	if len(open) > 0 {
		result.Status = StatusDegraded
		result.Error = fmt.Sprintf("open: %s", strings.Join(open, ","))
	}
	if len(halfOpen) > 0 {
		result.Message = fmt.Sprintf("half-open: %s", strings.Join(halfOpen, ","))
	}
	return result
}
