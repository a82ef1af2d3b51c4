package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/concord/internal/agent"
	"github.com/nidhogg/concord/internal/budget"
	"github.com/nidhogg/concord/internal/consensus"
	"github.com/nidhogg/concord/internal/debate"
	"github.com/nidhogg/concord/internal/notify"
	"github.com/nidhogg/concord/internal/trust"
)

type stubParticipant struct {
	id         string
	scores     map[string]float64 // candidate author -> score
	proposeErr error
	clamp      bool // mark critiques as clamped out-of-range scores
}

func (s *stubParticipant) ID() string { return s.id }

func (s *stubParticipant) Propose(_ context.Context, _ *debate.Task, prior []*debate.Round) (*debate.Candidate, error) {
	if s.proposeErr != nil {
		return nil, s.proposeErr
	}
	round := len(prior)
	return &debate.Candidate{
		ID:      debate.CandidateID(round, s.id),
		AgentID: s.id,
		Round:   round,
		Content: fmt.Sprintf("%s plan v%d", s.id, round),
		Scores:  map[string]float64{},
	}, nil
}

func (s *stubParticipant) Critique(_ context.Context, _ *debate.Task, cand *debate.Candidate) (debate.Critique, error) {
	v, ok := s.scores[cand.AgentID]
	if !ok {
		v = 0.5
	}
	return debate.Critique{EvaluatorID: s.id, CandidateID: cand.ID, Score: &v, Clamped: s.clamp}, nil
}

func (s *stubParticipant) Vote(_ context.Context, _ *debate.Task, candidates []*debate.Candidate) ([]string, error) {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	return ids, nil
}

// stubFactory hands out scripted participants for whoever is in the pool.
type stubFactory struct {
	scores   map[string]map[string]float64 // agent -> author -> score
	failing  map[string]bool               // agents whose proposals error
	clamping map[string]bool               // agents whose critiques were clamped
}

func (f *stubFactory) Participants(identities []*agent.Identity, _ *budget.Guard) []debate.Participant {
	out := make([]debate.Participant, 0, len(identities))
	for _, id := range identities {
		p := &stubParticipant{id: id.ID, scores: f.scores[id.ID], clamp: f.clamping[id.ID]}
		if f.failing[id.ID] {
			p.proposeErr = errors.New("agent unreachable")
		}
		out = append(out, p)
	}
	return out
}

type captureNotifier struct {
	mu     sync.Mutex
	events []*notify.Event
}

func (c *captureNotifier) Notify(_ context.Context, ev *notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureNotifier) received(kind notify.EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Type == kind {
			return true
		}
	}
	return false
}

func uniformScores(agents []string, v float64) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(agents))
	for _, a := range agents {
		m := make(map[string]float64, len(agents))
		for _, b := range agents {
			m[b] = v
		}
		out[a] = m
	}
	return out
}

func newTestOrchestrator(t *testing.T, agents []string, scores map[string]map[string]float64) (*Orchestrator, *trust.Ledger, *captureNotifier) {
	t.Helper()
	logger := zap.NewNop()
	notifier := &captureNotifier{}
	ledger := trust.NewLedger(trust.DefaultConfig(), notifier, logger)

	registry := agent.NewRegistry(logger)
	for _, a := range agents {
		registry.Register(&agent.Identity{ID: a, Name: a, ProviderID: "test"})
	}

	orch := New(Deps{
		Registry:   registry,
		Ledger:     ledger,
		Aggregator: consensus.New(ledger, consensus.DefaultConfig(), logger),
		Factory:    &stubFactory{scores: scores},
		Notifier:   notifier,
		Logger:     logger,
	}, Config{
		MaxRounds:    5,
		RoundTimeout: 5 * time.Second,
		Quorum:       3,
		Tolerance:    0.2,
	})
	return orch, ledger, notifier
}

func TestRunSessionRejectsEmptySpec(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, []string{"a", "b", "c"}, nil)

	_, err := orch.RunSession(context.Background(), debate.Task{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestRunSessionRejectsBadThreshold(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, []string{"a", "b", "c"}, nil)

	_, err := orch.RunSession(context.Background(), debate.Task{Spec: "x", Threshold: 1.5})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestRunSessionRejectsPastDeadline(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, []string{"a", "b", "c"}, nil)

	d, err := orch.RunSession(context.Background(), debate.Task{
		Spec:     "x",
		Deadline: time.Now().Add(-time.Hour),
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if verr.Field != "deadline" {
		t.Fatalf("field = %s, want deadline", verr.Field)
	}
	if d != nil {
		t.Fatalf("decision = %+v, want none for an expired deadline", d)
	}
}

func TestRunSessionRequiresQuorum(t *testing.T) {
	orch, _, notifier := newTestOrchestrator(t, []string{"a", "b"}, nil)

	_, err := orch.RunSession(context.Background(), debate.Task{Spec: "x"})
	var qerr *QuorumError
	if !errors.As(err, &qerr) {
		t.Fatalf("err = %v, want QuorumError", err)
	}
	if qerr.Available != 2 || qerr.Quorum != 3 {
		t.Fatalf("quorum error = %+v, want 2 of 3", qerr)
	}
	if !notifier.received(notify.EventQuorumLost) {
		t.Fatal("quorum loss not surfaced via notifier")
	}
}

func TestMidSessionQuorumLossRaisesError(t *testing.T) {
	agents := []string{"a", "b", "c", "d", "e"}
	orch, _, _ := newTestOrchestrator(t, agents, uniformScores(agents, 0.9))
	orch.deps.Factory.(*stubFactory).failing = map[string]bool{
		"c": true, "d": true, "e": true,
	}

	// Only 2 of 5 agents respond, below the quorum floor of 3.
	d, err := orch.RunSession(context.Background(), debate.Task{Spec: "pick a plan"})
	var qerr *QuorumError
	if !errors.As(err, &qerr) {
		t.Fatalf("err = %v, want QuorumError", err)
	}
	if qerr.Available != 2 || qerr.Quorum != 3 {
		t.Fatalf("quorum error = %+v, want 2 of 3", qerr)
	}
	if d != nil {
		t.Fatalf("decision = %+v, want none on quorum loss", d)
	}
}

func TestRunSessionReachesConsensusAndSettlesTrust(t *testing.T) {
	agents := []string{"a", "b", "c"}
	orch, ledger, _ := newTestOrchestrator(t, agents, uniformScores(agents, 0.9))

	// Threshold left at zero: the default 0.6 applies.
	d, err := orch.RunSession(context.Background(), debate.Task{Spec: "pick a plan"})
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if d.Reason != debate.ReasonConsensusReached {
		t.Fatalf("reason = %s, want consensus_reached", d.Reason)
	}
	if d.Winner == nil || d.Winner.ID != "r0-a" {
		t.Fatalf("winner = %+v, want r0-a", d.Winner)
	}

	// Both evaluators of the winner agreed with the aggregate, so their
	// trust moved from 0.5 toward 1.
	for _, ev := range []string{"b", "c"} {
		if got := ledger.Weight(ev); got <= trust.DefaultWeight {
			t.Fatalf("weight(%s) = %v, want above default after agreement", ev, got)
		}
	}
}

func TestClampedCritiqueDecaysTrust(t *testing.T) {
	agents := []string{"a", "b", "c"}
	orch, ledger, _ := newTestOrchestrator(t, agents, uniformScores(agents, 0.9))
	orch.deps.Factory.(*stubFactory).clamping = map[string]bool{"c": true}

	if _, err := orch.RunSession(context.Background(), debate.Task{Spec: "pick a plan"}); err != nil {
		t.Fatalf("run session: %v", err)
	}

	// b and c both agreed with the aggregate, but every critique c emitted
	// carried an out-of-range raw score; the anomaly penalty must leave c
	// behind b.
	b, c := ledger.Weight("b"), ledger.Weight("c")
	if c >= b {
		t.Fatalf("weight(c) = %v, weight(b) = %v, want c penalized below b", c, b)
	}
	if c >= trust.DefaultWeight+0.05 {
		t.Fatalf("weight(c) = %v, anomaly penalty missing", c)
	}
}

func TestPersistentOutlierIsExcluded(t *testing.T) {
	agents := []string{"a", "b", "c", "d"}
	scores := uniformScores(agents, 0.9)
	// d sabotages every candidate.
	scores["d"] = map[string]float64{"a": 0.0, "b": 0.0, "c": 0.0, "d": 0.9}
	orch, ledger, notifier := newTestOrchestrator(t, agents, scores)

	for i := 0; i < 3; i++ {
		if _, err := orch.RunSession(context.Background(), debate.Task{Spec: "pick a plan"}); err != nil {
			t.Fatalf("session %d: %v", i, err)
		}
	}

	if !ledger.Excluded("d") {
		t.Fatal("persistent outlier not excluded after 3 flagged sessions")
	}
	if !notifier.received(notify.EventAgentExcluded) {
		t.Fatal("exclusion not surfaced via notifier")
	}

	// The pool shrinks to 3 honest agents, still at quorum.
	d, err := orch.RunSession(context.Background(), debate.Task{Spec: "another plan"})
	if err != nil {
		t.Fatalf("post-exclusion session: %v", err)
	}
	if d.Reason != debate.ReasonConsensusReached {
		t.Fatalf("reason = %s, want consensus_reached without the excluded agent", d.Reason)
	}
	for _, r := range orch.deps.Registry.Snapshot(ledger.Excluded) {
		if r.ID == "d" {
			t.Fatal("excluded agent still in pool snapshot")
		}
	}
}

func TestSubmitRunsAsynchronously(t *testing.T) {
	agents := []string{"a", "b", "c"}
	orch, _, _ := newTestOrchestrator(t, agents, uniformScores(agents, 0.9))

	id, err := orch.Submit(debate.Task{Spec: "pick a plan"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatal("empty session ID")
	}

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := orch.Running(id); !ok {
			return // session finished and was untracked
		}
		select {
		case <-deadline:
			t.Fatal("session did not finish in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDeadlineCappedDuringValidation(t *testing.T) {
	agents := []string{"a", "b", "c"}
	orch, _, _ := newTestOrchestrator(t, agents, uniformScores(agents, 0.9))
	orch.cfg.DeadlineCap = time.Minute

	task := debate.Task{Spec: "x", Deadline: time.Now().Add(24 * time.Hour)}
	if err := orch.validate(&task); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if task.Deadline.After(time.Now().Add(2 * time.Minute)) {
		t.Fatalf("deadline = %v, want capped near one minute out", task.Deadline)
	}
	if task.Threshold != 0.6 {
		t.Fatalf("threshold = %v, want default 0.6", task.Threshold)
	}
}
