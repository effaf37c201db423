package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/reportgen/internal/circuitbreaker"
	"github.com/Kocoro-lab/reportgen/internal/pricing"
)

// DefaultPath is used when neither --config nor REPORTGEN_CONFIG is set.
const DefaultPath = "config/reportgen.yaml"

// EnvPrefix prefixes every environment override (REPORTGEN_SEARCH_ENGINE, ...).
const EnvPrefix = "REPORTGEN"

// Roles recognised under the llm section.
var Roles = []string{"basic", "clarify", "planner", "query_generation", "evaluate", "report"}

// RoleConfig configures one OpenAI-compatible endpoint.
type RoleConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float32 `mapstructure:"temperature"`
}

type LLMConfig struct {
	Default RoleConfig            `mapstructure:"default"`
	Roles   map[string]RoleConfig `mapstructure:"roles"`
}

// Role returns the settings for name, with empty fields filled from Default.
func (c LLMConfig) Role(name string) RoleConfig {
	rc, ok := c.Roles[name]
	if !ok {
		return c.Default
	}
	if rc.BaseURL == "" {
		rc.BaseURL = c.Default.BaseURL
	}
	if rc.Model == "" {
		rc.Model = c.Default.Model
	}
	if rc.APIKey == "" {
		rc.APIKey = c.Default.APIKey
	}
	if rc.MaxTokens == 0 {
		rc.MaxTokens = c.Default.MaxTokens
	}
	if rc.Temperature == 0 {
		rc.Temperature = c.Default.Temperature
	}
	return rc
}

type SearchConfig struct {
	Engine       string        `mapstructure:"engine"`
	TavilyAPIKey string        `mapstructure:"tavily_api_key"`
	JinaAPIKey   string        `mapstructure:"jina_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	TopN         int           `mapstructure:"top_n"`
	RateLimit    struct {
		RPM int `mapstructure:"rpm"`
	} `mapstructure:"rate_limit"`
}

type WorkflowConfig struct {
	Depth                 int `mapstructure:"depth"`
	ExtractLimit          int `mapstructure:"extract_limit"`
	ChapterConcurrency    int `mapstructure:"chapter_concurrency"`
	OutlineReferenceLimit int `mapstructure:"outline_reference_limit"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type ReferencesConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type BudgetConfig struct {
	MaxWallClock time.Duration `mapstructure:"max_wall_clock"`
	MaxLLMCalls  int           `mapstructure:"max_llm_calls"`
}

type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// Config is the full reportgen configuration.
type Config struct {
	LLM            LLMConfig               `mapstructure:"llm"`
	Search         SearchConfig            `mapstructure:"search"`
	Workflow       WorkflowConfig          `mapstructure:"workflow"`
	References     ReferencesConfig        `mapstructure:"references"`
	CircuitBreaker circuitbreaker.Settings `mapstructure:"circuit_breaker"`
	Budget         BudgetConfig            `mapstructure:"budget"`
	Pricing        pricing.Settings        `mapstructure:"pricing"`
	Observability  ObservabilityConfig     `mapstructure:"observability"`
	Prompts        struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"prompts"`
	Taxonomy struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"taxonomy"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.default.base_url", "https://api.deepseek.com/v1")
	v.SetDefault("llm.default.model", "deepseek-chat")
	v.SetDefault("llm.default.max_tokens", 8192)
	v.SetDefault("llm.default.temperature", 0.6)
	v.SetDefault("llm.default.api_key", "")

	v.SetDefault("search.engine", "tavily")
	for _, k := range []string{"tavily_api_key", "jina_api_key", "serper_api_key", "brave_api_key", "base_url"} {
		v.SetDefault("search."+k, "")
	}
	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("search.top_n", 10)
	v.SetDefault("search.rate_limit.rpm", 60)

	v.SetDefault("workflow.depth", 3)
	v.SetDefault("workflow.extract_limit", 32000)
	v.SetDefault("workflow.chapter_concurrency", 1)
	v.SetDefault("workflow.outline_reference_limit", 100000)

	v.SetDefault("references.backend", "memory")
	v.SetDefault("references.redis.addr", "localhost:6379")
	v.SetDefault("references.redis.password", "")
	v.SetDefault("references.redis.db", 0)
	v.SetDefault("references.redis.key_prefix", "reportgen:refs")

	cb := circuitbreaker.DefaultConfig()
	v.SetDefault("circuit_breaker.failure_threshold", cb.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", cb.SuccessThreshold)
	v.SetDefault("circuit_breaker.timeout", cb.Timeout)
	v.SetDefault("circuit_breaker.interval", cb.Interval)
	v.SetDefault("circuit_breaker.max_requests", cb.MaxRequests)

	v.SetDefault("observability.metrics.enabled", false)
	v.SetDefault("observability.metrics.port", 2112)
	v.SetDefault("observability.tracing.service_name", "reportgen")
	v.SetDefault("observability.tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "console")
	v.SetDefault("budget.max_wall_clock", time.Duration(0))
	v.SetDefault("budget.max_llm_calls", 0)
	v.SetDefault("pricing.default_per_1k", pricing.FallbackPer1K)
	v.SetDefault("prompts.dir", "")
	v.SetDefault("taxonomy.path", "")
}

// ResolvePath picks the config file: explicit flag, then REPORTGEN_CONFIG, then DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the YAML file at path (if it exists), applies defaults and
// REPORTGEN_* env overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Workflow.Depth < 1 {
		return fmt.Errorf("workflow.depth must be >= 1, got %d", c.Workflow.Depth)
	}
	if c.Search.TopN < 1 {
		return fmt.Errorf("search.top_n must be >= 1, got %d", c.Search.TopN)
	}
	if c.Search.Timeout < time.Second || c.Search.Timeout > 300*time.Second {
		return fmt.Errorf("search.timeout must be between 1s and 300s, got %s", c.Search.Timeout)
	}
	if c.Workflow.ExtractLimit < 1 {
		return fmt.Errorf("workflow.extract_limit must be >= 1, got %d", c.Workflow.ExtractLimit)
	}
	if c.Workflow.ChapterConcurrency < 1 {
		return fmt.Errorf("workflow.chapter_concurrency must be >= 1, got %d", c.Workflow.ChapterConcurrency)
	}
	if c.Search.RateLimit.RPM < 0 {
		return fmt.Errorf("search.rate_limit.rpm must be >= 0, got %d", c.Search.RateLimit.RPM)
	}
	switch c.References.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("references.backend must be memory or redis, got %q", c.References.Backend)
	}
	for name := range c.LLM.Roles {
		if !knownRole(name) {
			return fmt.Errorf("llm.roles: unknown role %q", name)
		}
	}
	if c.Budget.MaxWallClock < 0 || c.Budget.MaxLLMCalls < 0 {
		return errors.New("budget limits must not be negative")
	}
	return c.Pricing.Validate()
}

func knownRole(name string) bool {
	for _, r := range Roles {
		if r == name {
			return true
		}
	}
	return false
}

// APIKey returns the key configured for the selected search engine.
func (s SearchConfig) APIKey() string {
	switch s.Engine {
	case "tavily":
		return s.TavilyAPIKey
	case "jina":
		return s.JinaAPIKey
	case "serper":
		return s.SerperAPIKey
	case "brave":
		return s.BraveAPIKey
	}
	return ""
}
