package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/concord/internal/agent"
	"github.com/nidhogg/concord/internal/budget"
	"github.com/nidhogg/concord/internal/consensus"
	"github.com/nidhogg/concord/internal/debate"
	"github.com/nidhogg/concord/internal/events"
	"github.com/nidhogg/concord/internal/session"
	pgstore "github.com/nidhogg/concord/internal/store"
	"github.com/nidhogg/concord/internal/trust"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	// 1. Start PostgreSQL
	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testStore, err = pgstore.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	// Run migrations
	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	// 2. Start Redis
	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

func TestSessionPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()

	sess := debate.NewSession("persist-1", debate.Task{
		ID:        "task-1",
		Spec:      "choose a storage engine",
		Threshold: 0.6,
	})
	if err := testStore.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	score := 0.8
	round := &debate.Round{
		Seq: 0,
		Candidates: []*debate.Candidate{
			{ID: "r0-a", AgentID: "a", Round: 0, Content: "use postgres",
				Scores: map[string]float64{"b": 0.8}},
		},
		Critiques: []debate.Critique{
			{EvaluatorID: "b", CandidateID: "r0-a", Score: &score},
		},
		Aggregates:  map[string]float64{"r0-a": 0.8},
		WinnerID:    "r0-a",
		Consensus:   0.8,
		Fingerprint: "fp-0",
		SealedAt:    time.Now(),
	}
	if err := testStore.AppendRound(ctx, sess.ID, round); err != nil {
		t.Fatalf("append round: %v", err)
	}
	// Replaying the same round must be a no-op, not a duplicate.
	if err := testStore.AppendRound(ctx, sess.ID, round); err != nil {
		t.Fatalf("replay round: %v", err)
	}

	if err := testStore.UpdateSessionState(ctx, sess.ID, debate.StateConcluded, 0.8); err != nil {
		t.Fatalf("update state: %v", err)
	}

	decision := &debate.Decision{
		SessionID:      sess.ID,
		Winner:         round.Candidates[0],
		AggregateScore: 0.8,
		Consensus:      0.8,
		Reason:         debate.ReasonConsensusReached,
		Rounds:         1,
		ConcludedAt:    time.Now(),
	}
	if err := testStore.SaveDecision(ctx, decision); err != nil {
		t.Fatalf("save decision: %v", err)
	}

	rec, err := testStore.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.State != debate.StateConcluded {
		t.Errorf("state = %s, want concluded", rec.State)
	}
	if rec.Rounds != 1 {
		t.Errorf("round count = %d, want 1 after replay", rec.Rounds)
	}
	if rec.Task.Spec != "choose a storage engine" {
		t.Errorf("task spec lost: %q", rec.Task.Spec)
	}

	trace, err := testStore.GetTrace(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	if len(trace) != 1 {
		t.Fatalf("trace length = %d, want 1", len(trace))
	}
	if trace[0].WinnerID != "r0-a" || trace[0].Critiques[0].Score == nil {
		t.Errorf("round payload corrupted: %+v", trace[0])
	}

	got, err := testStore.GetDecision(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if got.Winner == nil || got.Winner.ID != "r0-a" {
		t.Errorf("winner lost in round trip: %+v", got.Winner)
	}
	if got.Reason != debate.ReasonConsensusReached {
		t.Errorf("reason = %s, want consensus_reached", got.Reason)
	}

	if _, err := testStore.GetSession(ctx, "no-such-session"); !errors.Is(err, pgstore.ErrNotFound) {
		t.Errorf("missing session err = %v, want ErrNotFound", err)
	}
}

func TestTrustSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()

	entries := []trust.Entry{
		{AgentID: "trusty", Score: 0.72, Streak: 0},
		{AgentID: "shady", Score: 0.05, Streak: 3, Excluded: true},
	}
	if err := testStore.SaveTrust(ctx, entries); err != nil {
		t.Fatalf("save trust: %v", err)
	}

	// Upsert: a later snapshot overwrites, never duplicates.
	entries[0].Score = 0.75
	if err := testStore.SaveTrust(ctx, entries); err != nil {
		t.Fatalf("resave trust: %v", err)
	}

	loaded, err := testStore.LoadTrust(ctx)
	if err != nil {
		t.Fatalf("load trust: %v", err)
	}
	byID := make(map[string]trust.Entry, len(loaded))
	for _, e := range loaded {
		byID[e.AgentID] = e
	}
	if got := byID["trusty"]; got.Score != 0.75 || got.Excluded {
		t.Errorf("trusty = %+v, want score 0.75 not excluded", got)
	}
	if got := byID["shady"]; !got.Excluded || got.Streak != 3 {
		t.Errorf("shady = %+v, want excluded with streak 3", got)
	}
}

func TestEventStreamDelivers(t *testing.T) {
	stream, err := events.NewStream(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch := stream.Subscribe(ctx)
	// Let the reader issue its first XRead before publishing.
	time.Sleep(200 * time.Millisecond)

	if err := stream.Publish(ctx, &events.SessionEvent{
		SessionID: "ev-1", Kind: "started",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := stream.Publish(ctx, &events.SessionEvent{
		SessionID: "ev-1", Kind: "concluded", Consensus: 0.8, Reason: "consensus_reached",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var kinds []string
	for len(kinds) < 2 {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed early, got %v", kinds)
			}
			if ev.SessionID == "ev-1" {
				kinds = append(kinds, ev.Kind)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	if kinds[0] != "started" || kinds[1] != "concluded" {
		t.Errorf("event order = %v, want [started concluded]", kinds)
	}
}

// echoParticipant proposes a fixed plan and scores every candidate 0.9.
type echoParticipant struct {
	id string
}

func (p *echoParticipant) ID() string { return p.id }

func (p *echoParticipant) Propose(_ context.Context, _ *debate.Task, prior []*debate.Round) (*debate.Candidate, error) {
	round := len(prior)
	return &debate.Candidate{
		ID:      debate.CandidateID(round, p.id),
		AgentID: p.id,
		Round:   round,
		Content: fmt.Sprintf("%s: index the hot columns", p.id),
		Scores:  map[string]float64{},
	}, nil
}

func (p *echoParticipant) Critique(_ context.Context, _ *debate.Task, cand *debate.Candidate) (debate.Critique, error) {
	v := 0.9
	return debate.Critique{EvaluatorID: p.id, CandidateID: cand.ID, Score: &v}, nil
}

func (p *echoParticipant) Vote(_ context.Context, _ *debate.Task, candidates []*debate.Candidate) ([]string, error) {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	return ids, nil
}

type echoFactory struct{}

func (echoFactory) Participants(identities []*agent.Identity, _ *budget.Guard) []debate.Participant {
	out := make([]debate.Participant, 0, len(identities))
	for _, id := range identities {
		out = append(out, &echoParticipant{id: id.ID})
	}
	return out
}

func TestFullSessionFlow(t *testing.T) {
	stream, err := events.NewStream(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer stream.Close()

	ledger := trust.NewLedger(trust.DefaultConfig(), nil, testLogger)
	registry := agent.NewRegistry(testLogger)
	for _, n := range []string{"arch", "skeptic", "pragmatist"} {
		registry.Register(&agent.Identity{ID: n, Name: n, ProviderID: "test"})
	}

	orch := session.New(session.Deps{
		Registry:   registry,
		Ledger:     ledger,
		Aggregator: consensus.New(ledger, consensus.DefaultConfig(), testLogger),
		Factory:    echoFactory{},
		Store:      testStore,
		Stream:     stream,
		Logger:     testLogger,
	}, session.Config{
		MaxRounds:    5,
		RoundTimeout: 10 * time.Second,
		Quorum:       3,
	})

	subCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ch := stream.Subscribe(subCtx)
	time.Sleep(200 * time.Millisecond)

	ctx := context.Background()
	decision, err := orch.RunSession(ctx, debate.Task{Spec: "speed up the nightly batch"})
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if decision.Reason != debate.ReasonConsensusReached {
		t.Fatalf("reason = %s, want consensus_reached", decision.Reason)
	}
	if decision.Winner == nil {
		t.Fatal("no winner")
	}

	// The session made it to Postgres.
	rec, err := testStore.GetSession(ctx, decision.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.State != debate.StateConcluded {
		t.Errorf("stored state = %s, want concluded", rec.State)
	}
	if rec.Rounds != decision.Rounds {
		t.Errorf("stored rounds = %d, want %d", rec.Rounds, decision.Rounds)
	}
	stored, err := testStore.GetDecision(ctx, decision.SessionID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if stored.Winner.ID != decision.Winner.ID {
		t.Errorf("stored winner = %s, want %s", stored.Winner.ID, decision.Winner.ID)
	}

	// The lifecycle made it to the event feed.
	seen := map[string]bool{}
	for !seen["concluded"] {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed early, seen %v", seen)
			}
			if ev.SessionID == decision.SessionID {
				seen[ev.Kind] = true
			}
		case <-subCtx.Done():
			t.Fatalf("timed out waiting for concluded event, seen %v", seen)
		}
	}
	if !seen["started"] || !seen["round_sealed"] {
		t.Errorf("missing lifecycle events, seen %v", seen)
	}

	// Trust snapshot landed.
	entries, err := testStore.LoadTrust(ctx)
	if err != nil {
		t.Fatalf("load trust: %v", err)
	}
	byID := map[string]trust.Entry{}
	for _, e := range entries {
		byID[e.AgentID] = e
	}
	if byID["skeptic"].Score <= trust.DefaultWeight {
		t.Errorf("skeptic trust = %v, want above default after agreeing", byID["skeptic"].Score)
	}
}
