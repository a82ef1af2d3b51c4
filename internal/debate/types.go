package debate

import (
	"context"
	"fmt"
	"time"
)

// State tracks where a session is in the round state machine.
type State string

const (
	StateProposing  State = "proposing"
	StateCritiquing State = "critiquing"
	StateScoring    State = "scoring"
	StateConcluded  State = "concluded"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	StateProposing:  {StateCritiquing, StateConcluded},
	StateCritiquing: {StateScoring, StateConcluded},
	StateScoring:    {StateProposing, StateConcluded},
}

// Transition returns nil if from→to is a legal state transition.
func Transition(from, to State) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// TerminationReason records why a session concluded.
type TerminationReason string

const (
	ReasonConsensusReached   TerminationReason = "consensus_reached"
	ReasonTimeout            TerminationReason = "timeout"
	ReasonCycleDetected      TerminationReason = "cycle_detected"
	ReasonInsufficientQuorum TerminationReason = "insufficient_quorum"
)

// Task is one unit of work submitted for debate. Immutable once submitted.
type Task struct {
	ID          string            `json:"id"`
	Spec        string            `json:"spec"`
	Constraints map[string]string `json:"constraints,omitempty"`
	Deadline    time.Time         `json:"deadline"`
	Threshold   float64           `json:"threshold"`
}

// Candidate is one agent's proposed answer in one round. Content is never
// mutated after creation; only the score map grows as critiques arrive.
type Candidate struct {
	ID      string             `json:"id"`
	AgentID string             `json:"agent_id"`
	Round   int                `json:"round"`
	Content string             `json:"content"`
	Scores  map[string]float64 `json:"scores"` // evaluator agent ID -> score in [0,1]
}

// CandidateID builds the deterministic candidate identifier for an agent's
// proposal in a given round. One candidate per agent per round.
func CandidateID(round int, agentID string) string {
	return fmt.Sprintf("r%d-%s", round, agentID)
}

// Critique is one agent's evaluation of another agent's candidate.
// A nil Score is an abstention (missing or timed-out critique), which is
// excluded from aggregation rather than treated as zero.
type Critique struct {
	EvaluatorID string   `json:"evaluator_id"`
	CandidateID string   `json:"candidate_id"`
	Score       *float64 `json:"score,omitempty"`
	Rationale   string   `json:"rationale,omitempty"`
	Clamped     bool     `json:"clamped,omitempty"`
}

// Round is one sealed debate round: the candidates proposed in it, the
// cross-critiques, and the aggregation outcome.
type Round struct {
	Seq         int                  `json:"seq"`
	Candidates  []*Candidate         `json:"candidates"`
	Critiques   []Critique           `json:"critiques"`
	Aggregates  map[string]float64   `json:"aggregates"` // candidate ID -> weighted median
	WinnerID    string               `json:"winner_id"`
	Consensus   float64              `json:"consensus"`
	Outliers    []string             `json:"outliers,omitempty"`   // evaluator IDs flagged this round
	Dissenters  []string             `json:"dissenters,omitempty"` // evaluators beyond tolerance on winner
	Absent      []string             `json:"absent,omitempty"` // agents that failed or timed out this round
	Fingerprint string               `json:"fingerprint"`
	Votes       map[string][]string  `json:"votes,omitempty"` // final round only: agent ID -> ranked candidate IDs
	SealedAt    time.Time            `json:"sealed_at"`
}

// Candidate returns the round's candidate with the given ID, or nil.
func (r *Round) Candidate(id string) *Candidate {
	for _, c := range r.Candidates {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Session owns one task's full debate history. A session is exclusively
// owned by one Coordinator; round order is causal order.
type Session struct {
	ID        string    `json:"id"`
	Task      Task      `json:"task"`
	Rounds    []*Round  `json:"rounds"`
	State     State     `json:"state"`
	Consensus float64   `json:"consensus"`
	Decision  *Decision `json:"decision,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// NewSession creates an empty session for a task.
func NewSession(id string, task Task) *Session {
	return &Session{
		ID:        id,
		Task:      task,
		State:     StateProposing,
		StartedAt: time.Now(),
	}
}

// Decision is the terminal outcome of a session.
type Decision struct {
	SessionID      string            `json:"session_id"`
	Winner         *Candidate        `json:"winner,omitempty"`
	AggregateScore float64           `json:"aggregate_score"`
	Consensus      float64           `json:"consensus"`
	Dissenters     []string          `json:"dissenters,omitempty"`
	Reason         TerminationReason `json:"reason"`
	Rounds         int               `json:"rounds"`
	ConcludedAt    time.Time         `json:"concluded_at"`
}

// Participant is the coordinator's view of one debating agent. Implemented
// by agent.Proxy; tests substitute scripted stubs.
type Participant interface {
	ID() string
	Propose(ctx context.Context, task *Task, prior []*Round) (*Candidate, error)
	Critique(ctx context.Context, task *Task, cand *Candidate) (Critique, error)
	Vote(ctx context.Context, task *Task, candidates []*Candidate) ([]string, error)
}

// RoundResult is the aggregation outcome for one round.
type RoundResult struct {
	Aggregates map[string]float64 // candidate ID -> aggregate score
	WinnerID   string
	Consensus  float64
	Outliers   []string // evaluator IDs flagged as outliers this round
	Dissenters []string // evaluators whose winner score deviates beyond tolerance
}

// Aggregator scores a round's candidates from their critique score vectors.
// Implemented by consensus.Aggregator.
type Aggregator interface {
	ScoreRound(task *Task, round *Round) *RoundResult
}
