package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidhogg/concord/internal/provider"
)

// Kind discriminates the three debate operations an agent can be asked for.
type Kind string

const (
	KindPropose  Kind = "propose"
	KindCritique Kind = "critique"
	KindVote     Kind = "vote"
)

// Request is one abstract agent invocation. The payload is opaque to the
// transport; prompt shaping happens in the Proxy.
type Request struct {
	Kind      Kind
	AgentID   string
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the raw invocation result.
type Response struct {
	Content string
	Tokens  int
}

// Invoker is the transport-agnostic invocation capability. The production
// implementation goes through the provider router; the budget package
// decorates it; tests script it.
type Invoker interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// ErrTimeout marks an invocation that exceeded its per-call deadline.
// Recovered locally as an abstention, never a session failure.
var ErrTimeout = errors.New("agent invocation timed out")

// ErrInvocation marks an unreachable agent or malformed response.
var ErrInvocation = errors.New("agent invocation failed")

// LLMInvoker routes invocations through the LLM provider router.
type LLMInvoker struct {
	router *provider.Router
}

// NewLLMInvoker creates the production invoker.
func NewLLMInvoker(router *provider.Router) *LLMInvoker {
	return &LLMInvoker{router: router}
}

func (i *LLMInvoker) Invoke(ctx context.Context, req *Request) (*Response, error) {
	messages := make([]provider.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, provider.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, provider.Message{Role: "user", Content: req.Prompt})

	resp, err := i.router.Route(ctx, req.AgentID, &provider.ChatRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrInvocation, err)
	}
	return &Response{Content: resp.Content, Tokens: resp.Usage.TotalTokens}, nil
}
