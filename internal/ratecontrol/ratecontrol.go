// Package ratecontrol turns per-engine request budgets into token buckets.
package ratecontrol

import (
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is a requests-per-minute budget. Zero means unlimited.
type RateLimit struct {
	RPM int
}

// Published free-tier ceilings; configuration can only tighten them.
var builtInEngineLimits = map[string]RateLimit{
	"tavily": {RPM: 100},
	"jina":   {RPM: 40},
	"serper": {RPM: 300},
	"brave":  {RPM: 60},
}

// LimitForEngine returns the built-in ceiling for engine, if any.
func LimitForEngine(engine string) RateLimit {
	return builtInEngineLimits[strings.ToLower(strings.TrimSpace(engine))]
}

// CombineLimits keeps the tighter positive budget.
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{RPM: minPositive(a.RPM, b.RPM)}
	if limit.RPM == 0 {
		limit.RPM = max(a.RPM, b.RPM)
	}
	return limit
}

// Interval is the spacing between requests implied by the limit.
func (l RateLimit) Interval() time.Duration {
	if l.RPM <= 0 {
		return 0
	}
	return time.Minute / time.Duration(l.RPM)
}

// NewLimiter builds a token bucket with burst 1 for the limit.
func NewLimiter(l RateLimit) *rate.Limiter {
	if l.RPM <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(l.Interval()), 1)
}

// ForEngine combines the configured rpm with the engine's ceiling.
func ForEngine(engine string, configuredRPM int) *rate.Limiter {
	return NewLimiter(CombineLimits(LimitForEngine(engine), RateLimit{RPM: configuredRPM}))
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		if a < b {
			return a
		}
		return b
	}
}
