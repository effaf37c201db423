// Package llm is the boundary to chat-completion models. Callers pick a Role;
// configuration decides which endpoint and model serve it.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Role selects a configured model endpoint.
type Role string

const (
	RoleBasic           Role = "basic"
	RoleClarify         Role = "clarify"
	RolePlanner         Role = "planner"
	RoleQueryGeneration Role = "query_generation"
	RoleEvaluate        Role = "evaluate"
	RoleReport          Role = "report"
)

// Roles lists every role in declaration order.
func Roles() []Role {
	return []Role{RoleBasic, RoleClarify, RolePlanner, RoleQueryGeneration, RoleEvaluate, RoleReport}
}

// ErrUnknownRole is returned by ParseRole for names outside the closed set.
var ErrUnknownRole = errors.New("unknown llm role")

// ParseRole converts a configuration key into a Role.
func ParseRole(name string) (Role, error) {
	for _, r := range Roles() {
		if string(r) == name {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, name)
}

// Message roles.
const (
	MessageSystem    = "system"
	MessageUser      = "user"
	MessageAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Chunk is one streamed delta. Either field may be empty.
type Chunk struct {
	Reasoning string
	Content   string
}

// Stream yields chunks until Next returns io.EOF.
type Stream interface {
	Next() (Chunk, error)
	Close() error
}

// Client is implemented by OpenAIClient and by test fakes.
type Client interface {
	// Complete returns the full response. When the model exposes reasoning it
	// is prepended as "<thinking>...</thinking>\n".
	Complete(ctx context.Context, role Role, msgs []Message) (string, error)
	Stream(ctx context.Context, role Role, msgs []Message) (Stream, error)
}

// FormatWithThinking joins reasoning and content the way Complete reports them.
func FormatWithThinking(reasoning, content string) string {
	if reasoning == "" {
		return content
	}
	return "<thinking>" + reasoning + "</thinking>\n" + content
}

// Collect drains s and returns the accumulated reasoning and content. s is closed.
func Collect(s Stream) (reasoning, content string, err error) {
	defer s.Close()
	var rb, cb strings.Builder
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return rb.String(), cb.String(), nil
		}
		if err != nil {
			return rb.String(), cb.String(), err
		}
		rb.WriteString(chunk.Reasoning)
		cb.WriteString(chunk.Content)
	}
}
