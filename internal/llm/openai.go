package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/budget"
	"github.com/Kocoro-lab/reportgen/internal/circuitbreaker"
	"github.com/Kocoro-lab/reportgen/internal/config"
	"github.com/Kocoro-lab/reportgen/internal/metrics"
	"github.com/Kocoro-lab/reportgen/internal/tracing"
)

type roleClient struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	breaker     *circuitbreaker.CircuitBreaker
}

// OpenAIClient talks to OpenAI-compatible endpoints (DeepSeek, vLLM, OpenAI).
type OpenAIClient struct {
	roles  map[Role]*roleClient
	budget *budget.Monitor
	logger *zap.Logger
}

// NewOpenAIClient builds one go-openai client per role. Roles missing from
// cfg.Roles use cfg.Default.
func NewOpenAIClient(cfg config.LLMConfig, cb circuitbreaker.Config, monitor *budget.Monitor, logger *zap.Logger) (*OpenAIClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for name := range cfg.Roles {
		if _, err := ParseRole(name); err != nil {
			return nil, err
		}
	}

	c := &OpenAIClient{roles: make(map[Role]*roleClient), budget: monitor, logger: logger}
	for _, r := range Roles() {
		rc := cfg.Role(string(r))
		if rc.Model == "" {
			return nil, fmt.Errorf("llm role %s: model is required", r)
		}
		oc := openai.DefaultConfig(rc.APIKey)
		if rc.BaseURL != "" {
			oc.BaseURL = rc.BaseURL
		}
		c.roles[r] = &roleClient{
			client:      openai.NewClientWithConfig(oc),
			model:       rc.Model,
			maxTokens:   rc.MaxTokens,
			temperature: rc.Temperature,
			breaker:     circuitbreaker.NewCircuitBreaker("llm-"+string(r), cb, logger),
		}
	}
	return c, nil
}

func (c *OpenAIClient) role(r Role) (*roleClient, error) {
	rc, ok := c.roles[r]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, r)
	}
	return rc, nil
}

func (rc *roleClient) request(msgs []Message, stream bool) openai.ChatCompletionRequest {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	req := openai.ChatCompletionRequest{
		Model:       rc.model,
		Messages:    out,
		Temperature: rc.temperature,
		Stream:      stream,
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if rc.maxTokens > 0 {
		req.MaxTokens = rc.maxTokens
	}
	return req
}

// Complete sends a blocking chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, role Role, msgs []Message) (string, error) {
	rc, err := c.role(role)
	if err != nil {
		return "", err
	}
	if err := c.budget.ChargeLLMCall(); err != nil {
		return "", err
	}

	ctx, span := tracing.StartSpan(ctx, "llm.complete",
		attribute.String("llm.role", string(role)),
		attribute.String("llm.model", rc.model),
	)
	start := time.Now()

	var resp openai.ChatCompletionResponse
	err = rc.breaker.Execute(ctx, func() error {
		var callErr error
		resp, callErr = rc.client.CreateChatCompletion(ctx, rc.request(msgs, false))
		return callErr
	})
	metrics.LLMLatency.WithLabelValues(string(role), "complete").Observe(time.Since(start).Seconds())
	if err == nil && len(resp.Choices) == 0 {
		err = errors.New("empty choices in completion response")
	}
	tracing.EndSpan(span, err)
	if err != nil {
		metrics.LLMCalls.WithLabelValues(string(role), "complete", "error").Inc()
		c.logger.Warn("LLM completion failed",
			zap.String("role", string(role)),
			zap.String("model", rc.model),
			zap.Error(err),
		)
		return "", fmt.Errorf("llm %s: %w", role, err)
	}

	metrics.LLMCalls.WithLabelValues(string(role), "complete", "success").Inc()
	c.budget.RecordTokens(rc.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	msg := resp.Choices[0].Message
	return FormatWithThinking(msg.ReasoningContent, msg.Content), nil
}

// Stream opens a streaming chat completion. Only opening the stream is
// guarded by the breaker; mid-stream errors surface from Next.
func (c *OpenAIClient) Stream(ctx context.Context, role Role, msgs []Message) (Stream, error) {
	rc, err := c.role(role)
	if err != nil {
		return nil, err
	}
	if err := c.budget.ChargeLLMCall(); err != nil {
		return nil, err
	}

	start := time.Now()
	var s *openai.ChatCompletionStream
	err = rc.breaker.Execute(ctx, func() error {
		var callErr error
		s, callErr = rc.client.CreateChatCompletionStream(ctx, rc.request(msgs, true))
		return callErr
	})
	metrics.LLMLatency.WithLabelValues(string(role), "stream").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMCalls.WithLabelValues(string(role), "stream", "error").Inc()
		c.logger.Warn("LLM stream failed to open",
			zap.String("role", string(role)),
			zap.String("model", rc.model),
			zap.Error(err),
		)
		return nil, fmt.Errorf("llm %s stream: %w", role, err)
	}
	metrics.LLMCalls.WithLabelValues(string(role), "stream", "success").Inc()
	return &openAIStream{stream: s, model: rc.model, budget: c.budget}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
	model  string
	budget *budget.Monitor
}

func (s *openAIStream) Next() (Chunk, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		if err != nil {
			return Chunk{}, err
		}
		// The usage-only chunk arrives last, with no choices.
		if resp.Usage != nil {
			s.budget.RecordTokens(s.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content == "" && delta.ReasoningContent == "" {
			continue
		}
		return Chunk{Reasoning: delta.ReasoningContent, Content: delta.Content}, nil
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
