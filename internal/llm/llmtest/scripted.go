// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/Kocoro-lab/reportgen/internal/llm"
)

// Call records one request seen by Scripted.
type Call struct {
	Role     llm.Role
	Messages []llm.Message
	Stream   bool
}

// Reply is one scripted answer. Err takes precedence over Text.
type Reply struct {
	Text string
	Err  error
	// Chunks splits a streamed reply; when empty Text is sent as one chunk.
	Chunks []string
}

// Responder picks a reply for a request. Returning ok=false falls through to
// the queued replies.
type Responder func(role llm.Role, msgs []llm.Message) (Reply, bool)

// Scripted replays canned replies in order, optionally routed by a Responder.
type Scripted struct {
	mu        sync.Mutex
	replies   []Reply
	responder Responder
	calls     []Call
}

// New returns a client that answers with replies in order.
func New(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// WithResponder routes requests through fn before falling back to the queue.
func (s *Scripted) WithResponder(fn Responder) *Scripted {
	s.responder = fn
	return s
}

// Text is shorthand for a successful reply.
func Text(s string) Reply { return Reply{Text: s} }

// Fail is shorthand for a failing reply.
func Fail(err error) Reply { return Reply{Err: err} }

// ErrExhausted is returned once the queue runs dry.
var ErrExhausted = errors.New("llmtest: no scripted reply left")

func (s *Scripted) next(role llm.Role, msgs []llm.Message, stream bool) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Role: role, Messages: msgs, Stream: stream})
	if s.responder != nil {
		if r, ok := s.responder(role, msgs); ok {
			return r
		}
	}
	if len(s.replies) == 0 {
		return Reply{Err: ErrExhausted}
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r
}

// Calls returns a copy of every recorded call.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Complete implements llm.Client.
func (s *Scripted) Complete(ctx context.Context, role llm.Role, msgs []llm.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r := s.next(role, msgs, false)
	if r.Err != nil {
		return "", r.Err
	}
	if len(r.Chunks) > 0 {
		return strings.Join(r.Chunks, ""), nil
	}
	return r.Text, nil
}

// Stream implements llm.Client.
func (s *Scripted) Stream(ctx context.Context, role llm.Role, msgs []llm.Message) (llm.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := s.next(role, msgs, true)
	if r.Err != nil {
		return nil, r.Err
	}
	chunks := r.Chunks
	if len(chunks) == 0 {
		chunks = []string{r.Text}
	}
	return &sliceStream{chunks: chunks}, nil
}

// UserPrompt returns the content of the last user message of a call.
func UserPrompt(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.MessageUser {
			return msgs[i].Content
		}
	}
	return ""
}

type sliceStream struct {
	chunks []string
	pos    int
}

func (s *sliceStream) Next() (llm.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return llm.Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return llm.Chunk{Content: c}, nil
}

func (s *sliceStream) Close() error { return nil }
