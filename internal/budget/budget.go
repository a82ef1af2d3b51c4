package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nidhogg/concord/internal/agent"
	"go.uber.org/zap"
)

// ErrExhausted marks an invocation rejected because the session's budget
// ran out. Treated upstream like any other invocation failure: abstention,
// never a session abort.
var ErrExhausted = errors.New("session budget exhausted")

// Limits is the per-session spending ceiling. Zero values disable the
// corresponding limit.
type Limits struct {
	MaxCalls  int `json:"max_calls"`
	MaxTokens int `json:"max_tokens"`
}

// Guard tracks one session's consumption against its limits. Safe for the
// concurrent fan-out within a round.
type Guard struct {
	mu     sync.Mutex
	calls  int
	tokens int
	limits Limits
	logger *zap.Logger
}

// NewGuard creates a fresh guard for one session.
func NewGuard(limits Limits, logger *zap.Logger) *Guard {
	return &Guard{limits: limits, logger: logger}
}

// reserve admits one call, or reports exhaustion.
func (g *Guard) reserve() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limits.MaxCalls > 0 && g.calls >= g.limits.MaxCalls {
		return fmt.Errorf("%w: %d calls used", ErrExhausted, g.calls)
	}
	if g.limits.MaxTokens > 0 && g.tokens >= g.limits.MaxTokens {
		return fmt.Errorf("%w: %d tokens used", ErrExhausted, g.tokens)
	}
	g.calls++
	return nil
}

// record accumulates token usage after a completed call.
func (g *Guard) record(tokens int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens += tokens
}

// Usage returns calls made and tokens consumed so far.
func (g *Guard) Usage() (calls, tokens int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls, g.tokens
}

// guardedInvoker decorates an agent.Invoker with budget checks.
type guardedInvoker struct {
	inner agent.Invoker
	guard *Guard
}

// Wrap returns an invoker that enforces the guard's limits around inner.
func Wrap(inner agent.Invoker, guard *Guard) agent.Invoker {
	return &guardedInvoker{inner: inner, guard: guard}
}

func (g *guardedInvoker) Invoke(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	if err := g.guard.reserve(); err != nil {
		g.guard.logger.Warn("invocation rejected by budget",
			zap.String("agent", req.AgentID),
			zap.String("kind", string(req.Kind)))
		return nil, err
	}
	resp, err := g.inner.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	g.guard.record(resp.Tokens)
	return resp, nil
}
