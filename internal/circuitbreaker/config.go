package circuitbreaker

import (
	"time"
)

// Settings is the configuration-file shape of a breaker.
type Settings struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
}

// ToConfig converts Settings to a breaker Config, filling zero values from DefaultConfig.
func (s Settings) ToConfig() Config {
	cfg := DefaultConfig()
	if s.MaxRequests > 0 {
		cfg.MaxRequests = s.MaxRequests
	}
	if s.Interval > 0 {
		cfg.Interval = s.Interval
	}
	if s.Timeout > 0 {
		cfg.Timeout = s.Timeout
	}
	if s.FailureThreshold > 0 {
		cfg.FailureThreshold = s.FailureThreshold
	}
	if s.SuccessThreshold > 0 {
		cfg.SuccessThreshold = s.SuccessThreshold
	}
	return cfg
}
