package ratecontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestCombineLimits(t *testing.T) {
	assert.Equal(t, RateLimit{RPM: 20}, CombineLimits(RateLimit{RPM: 30}, RateLimit{RPM: 20}))
	assert.Equal(t, RateLimit{RPM: 30}, CombineLimits(RateLimit{RPM: 30}, RateLimit{}))
	assert.Equal(t, RateLimit{}, CombineLimits(RateLimit{}, RateLimit{}))
}

func TestInterval(t *testing.T) {
	assert.Equal(t, time.Second, RateLimit{RPM: 60}.Interval())
	assert.Equal(t, time.Duration(0), RateLimit{}.Interval())
}

func TestForEngine(t *testing.T) {
	assert.Equal(t, RateLimit{RPM: 40}, LimitForEngine(" Jina "))

	l := ForEngine("jina", 120)
	assert.InDelta(t, float64(rate.Every(time.Minute/40)), float64(l.Limit()), 1e-9)

	unlimited := ForEngine("custom", 0)
	assert.Equal(t, rate.Inf, unlimited.Limit())
}
