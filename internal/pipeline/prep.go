package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/util"
)

// normalize keeps the user and assistant turns with their order.
func normalize(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.MessageUser, llm.MessageAssistant:
			out = append(out, m)
		}
	}
	return out
}

// prep routes the conversation. A nil Output means the request proceeds to
// the report stages with r.topic, r.domain, r.logic and r.details set.
//
// One message is a fresh topic and gets one round of clarification. Three
// messages are topic, clarifying question and answer: they are rewritten into
// a topic and go straight to the report. Anything else is ordinary chat.
func (p *Pipeline) prep(ctx context.Context, r *run) (*Output, error) {
	switch len(r.messages) {
	case 0:
		return &Output{RunID: r.id, Kind: KindEmpty}, nil
	case 1:
		r.topic = r.messages[0].Content
	case 3:
		topic, err := p.rewrite(ctx, r)
		if err != nil {
			return nil, err
		}
		r.topic = topic
	default:
		return p.generic(ctx, r)
	}

	ok, err := p.classify(ctx, r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return p.generic(ctx, r)
	}
	if len(r.messages) > 1 {
		return nil, nil
	}
	return p.clarify(ctx, r)
}

// rewrite condenses the conversation into one topic. Without a <rewrite> tag
// the transcript itself becomes the topic.
func (p *Pipeline) rewrite(ctx context.Context, r *run) (string, error) {
	msgs, err := p.deps.Prompts.Apply("prep/rewrite", map[string]any{
		"now":      util.PromptDate(p.now()),
		"messages": r.messages,
	})
	if err != nil {
		return "", fmt.Errorf("render rewrite prompt: %w", err)
	}
	text, err := p.deps.LLM.Complete(ctx, llm.RoleBasic, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.logger.Warn("Rewrite failed, using transcript", zap.Error(err))
	}
	if topic := util.FirstTagContent(util.StripThinking(text), "rewrite"); topic != "" {
		return topic, nil
	}
	var b strings.Builder
	for _, m := range r.messages {
		fmt.Fprintf(&b, "%s:%s\n", transcriptRole(m.Role), m.Content)
	}
	return b.String(), nil
}

func transcriptRole(role string) string {
	if role == llm.MessageAssistant {
		return "ai"
	}
	return "human"
}

// classify picks the report domain and loads its analysis data. ok is false
// when the model names no domain or one the taxonomy does not cover.
func (p *Pipeline) classify(ctx context.Context, r *run) (bool, error) {
	msgs, err := p.deps.Prompts.Apply("prep/classify", map[string]any{"query": r.topic})
	if err != nil {
		return false, fmt.Errorf("render classify prompt: %w", err)
	}
	text, err := p.deps.LLM.Complete(ctx, llm.RoleBasic, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.logger.Warn("Classification failed", zap.Error(err))
		return false, nil
	}
	domain := util.FirstTagContent(util.StripThinking(text), "domain")
	if domain == "" {
		r.logger.Error("Classification has no <domain> tag")
		return false, nil
	}
	logic, details, err := p.deps.Taxonomy.Lookup(domain)
	if err != nil {
		r.logger.Warn("Report domain not supported", zap.String("domain", domain), zap.Error(err))
		return false, nil
	}
	r.domain, r.logic, r.details = domain, logic, details
	r.logger.Info("Topic classified", zap.String("domain", domain))
	return true, nil
}

// clarify asks the model whether the topic is clear enough. A <confirm>
// question ends the run; <query> continues. A failed call continues too,
// since the clarification round is optional.
func (p *Pipeline) clarify(ctx context.Context, r *run) (*Output, error) {
	msgs, err := p.deps.Prompts.Apply("prep/clarify", map[string]any{
		"query": r.topic,
		"now":   util.PromptDate(p.now()),
	})
	if err != nil {
		return nil, fmt.Errorf("render clarify prompt: %w", err)
	}
	text, err := p.deps.LLM.Complete(ctx, llm.RoleClarify, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("Clarification failed, continuing", zap.Error(err))
		return nil, nil
	}
	text = util.StripThinking(text)
	if len(util.ExtractTagContent(text, "query")) > 0 {
		return nil, nil
	}
	if confirm := util.FirstTagContent(text, "confirm"); confirm != "" {
		return &Output{RunID: r.id, Kind: KindClarify, Message: confirm, Domain: r.domain, Topic: r.topic}, nil
	}
	return p.generic(ctx, r)
}

// generic answers the conversation directly on the basic role, streaming
// the reply as deltas.
func (p *Pipeline) generic(ctx context.Context, r *run) (*Output, error) {
	out := &Output{RunID: r.id, Kind: KindGeneric, Topic: r.topic}
	stream, err := p.deps.LLM.Stream(ctx, llm.RoleBasic, r.messages)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Error("Generic reply failed", zap.Error(err))
		return out, nil
	}
	defer stream.Close()

	var b strings.Builder
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Error("Generic reply interrupted", zap.Error(err))
			break
		}
		if chunk.Content == "" {
			continue
		}
		b.WriteString(chunk.Content)
		p.publish(r, streamDelta(chunk.Content))
	}
	out.Message = b.String()
	return out, nil
}
