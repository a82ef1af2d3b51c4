package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/concord/internal/debate"
	"go.uber.org/zap"
)

// Proxy is the single point of contact to one participant. It shapes the
// opaque invocation payloads, enforces the per-call timeout, and clamps
// out-of-range scores. Stateless between calls; retry policy belongs to
// the coordinator.
type Proxy struct {
	identity *Identity
	invoker  Invoker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProxy wraps one identity behind an invoker.
func NewProxy(identity *Identity, invoker Invoker, timeout time.Duration, logger *zap.Logger) *Proxy {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Proxy{
		identity: identity,
		invoker:  invoker,
		timeout:  timeout,
		logger:   logger,
	}
}

// ID returns the wrapped agent's identity.
func (p *Proxy) ID() string { return p.identity.ID }

// Propose asks the agent for a candidate answer, given the immutable
// history of prior rounds. The returned candidate's content is opaque.
func (p *Proxy) Propose(ctx context.Context, task *debate.Task, prior []*debate.Round) (*debate.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	round := len(prior)
	resp, err := p.invoker.Invoke(ctx, &Request{
		Kind:      KindPropose,
		AgentID:   p.identity.ID,
		Model:     p.identity.Model,
		System:    p.systemPrompt(),
		Prompt:    proposePrompt(task, prior),
		MaxTokens: 2048,
	})
	if err != nil {
		return nil, p.callErr(err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: empty proposal", ErrInvocation)
	}
	return &debate.Candidate{
		ID:      debate.CandidateID(round, p.identity.ID),
		AgentID: p.identity.ID,
		Round:   round,
		Content: content,
		Scores:  make(map[string]float64),
	}, nil
}

// Critique asks the agent to score another agent's candidate. Out-of-range
// scores are clamped and marked as a proxy-level anomaly; non-finite scores
// are invocation errors.
func (p *Proxy) Critique(ctx context.Context, task *debate.Task, cand *debate.Candidate) (debate.Critique, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.invoker.Invoke(ctx, &Request{
		Kind:      KindCritique,
		AgentID:   p.identity.ID,
		Model:     p.identity.Model,
		System:    p.systemPrompt(),
		Prompt:    critiquePrompt(task, cand),
		MaxTokens: 1024,
	})
	if err != nil {
		return debate.Critique{}, p.callErr(err)
	}

	var parsed struct {
		Score     float64 `json:"score"`
		Rationale string  `json:"rationale"`
	}
	if err := json.Unmarshal(extractJSON(resp.Content, '{', '}'), &parsed); err != nil {
		return debate.Critique{}, fmt.Errorf("%w: malformed critique: %v", ErrInvocation, err)
	}
	if math.IsNaN(parsed.Score) || math.IsInf(parsed.Score, 0) {
		return debate.Critique{}, fmt.Errorf("%w: non-finite critique score", ErrInvocation)
	}

	score := parsed.Score
	clamped := false
	if score < 0 || score > 1 {
		clamped = true
		score = math.Min(1, math.Max(0, score))
		p.logger.Warn("critique score out of range, clamped",
			zap.String("agent", p.identity.ID),
			zap.String("candidate", cand.ID),
			zap.Float64("raw", parsed.Score))
	}

	return debate.Critique{
		EvaluatorID: p.identity.ID,
		CandidateID: cand.ID,
		Score:       &score,
		Rationale:   parsed.Rationale,
		Clamped:     clamped,
	}, nil
}

// Vote asks the agent for a ranked preference over the final candidate set.
// The result is always a total order over the given candidate IDs: invalid
// or missing entries are repaired deterministically, ties by ID ascending.
func (p *Proxy) Vote(ctx context.Context, task *debate.Task, candidates []*debate.Candidate) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.invoker.Invoke(ctx, &Request{
		Kind:      KindVote,
		AgentID:   p.identity.ID,
		Model:     p.identity.Model,
		System:    p.systemPrompt(),
		Prompt:    votePrompt(task, candidates),
		MaxTokens: 512,
	})
	if err != nil {
		return nil, p.callErr(err)
	}

	var ranked []string
	if err := json.Unmarshal(extractJSON(resp.Content, '[', ']'), &ranked); err != nil {
		return nil, fmt.Errorf("%w: malformed vote: %v", ErrInvocation, err)
	}
	return normalizeRanking(ranked, candidates), nil
}

func (p *Proxy) callErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func (p *Proxy) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are ")
	sb.WriteString(p.identity.Name)
	sb.WriteString(", an independent reviewer in a panel of reasoning agents.")
	if len(p.identity.Specializations) > 0 {
		sb.WriteString(" Specializations: ")
		sb.WriteString(strings.Join(p.identity.Specializations, ", "))
		sb.WriteString(".")
	}
	return sb.String()
}

func proposePrompt(task *debate.Task, prior []*debate.Round) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", task.Spec)
	for name, val := range task.Constraints {
		fmt.Fprintf(&sb, "Constraint %s: %s\n", name, val)
	}
	if len(prior) > 0 {
		last := prior[len(prior)-1]
		sb.WriteString("\nStrongest answers and critiques from the previous round:\n")
		for _, c := range last.Candidates {
			fmt.Fprintf(&sb, "--- answer %s (aggregate %.2f) ---\n%s\n", c.ID, last.Aggregates[c.ID], c.Content)
			for _, cr := range last.Critiques {
				if cr.CandidateID == c.ID && cr.Rationale != "" {
					fmt.Fprintf(&sb, "critique: %s\n", cr.Rationale)
				}
			}
		}
		sb.WriteString("\nWrite a revised answer that addresses the critiques.")
	} else {
		sb.WriteString("\nWrite your best answer.")
	}
	return sb.String()
}

func critiquePrompt(task *debate.Task, cand *debate.Candidate) string {
	return fmt.Sprintf(
		"Task: %s\n\nEvaluate the following answer from another agent.\n\n%s\n\n"+
			`Reply with JSON only: {"score": <0.0-1.0>, "rationale": "<one paragraph>"}`,
		task.Spec, cand.Content)
}

func votePrompt(task *debate.Task, candidates []*debate.Candidate) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n\nRank every answer below from best to worst.\n", task.Spec)
	for _, c := range candidates {
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", c.ID, c.Content)
	}
	sb.WriteString("\nReply with a JSON array of answer IDs only, best first.")
	return sb.String()
}

// extractJSON returns the outermost open..closing slice of s, or s itself
// when no such pair exists. LLMs like to wrap JSON in prose.
func extractJSON(s string, open, closing byte) []byte {
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, closing)
	if start < 0 || end <= start {
		return []byte(s)
	}
	return []byte(s[start : end+1])
}

// normalizeRanking repairs a raw ranking into a total order over the
// candidate set: duplicates and unknown IDs are dropped, missing IDs are
// appended in ascending order.
func normalizeRanking(raw []string, candidates []*debate.Candidate) []string {
	valid := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		valid[c.ID] = true
	}

	out := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, id := range raw {
		if valid[id] && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}

	var missing []string
	for id := range valid {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return append(out, missing...)
}
