package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/concord/internal/agent"
	"github.com/nidhogg/concord/internal/archive"
	"github.com/nidhogg/concord/internal/budget"
	"github.com/nidhogg/concord/internal/debate"
	"github.com/nidhogg/concord/internal/events"
	"github.com/nidhogg/concord/internal/notify"
	"github.com/nidhogg/concord/internal/store"
	"github.com/nidhogg/concord/internal/trust"
)

// ValidationError rejects a malformed task before any agent is invoked.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s %s", e.Field, e.Reason)
}

// QuorumError reports that too few agents were available to open a session.
type QuorumError struct {
	Available int
	Quorum    int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("insufficient quorum: %d agents available, need %d", e.Available, e.Quorum)
}

// ParticipantFactory builds the per-session participant set from a registry
// snapshot. The budget guard is per session so one runaway debate cannot
// starve the others.
type ParticipantFactory interface {
	Participants(identities []*agent.Identity, guard *budget.Guard) []debate.Participant
}

// Factory is the production ParticipantFactory: one proxy per identity,
// all sharing the session's budget-guarded invoker.
type Factory struct {
	invoker agent.Invoker
	timeout time.Duration
	logger  *zap.Logger
}

// NewFactory creates a participant factory around a shared invoker.
func NewFactory(invoker agent.Invoker, callTimeout time.Duration, logger *zap.Logger) *Factory {
	return &Factory{invoker: invoker, timeout: callTimeout, logger: logger}
}

func (f *Factory) Participants(identities []*agent.Identity, guard *budget.Guard) []debate.Participant {
	inv := f.invoker
	if guard != nil {
		inv = budget.Wrap(inv, guard)
	}
	out := make([]debate.Participant, 0, len(identities))
	for _, id := range identities {
		out = append(out, agent.NewProxy(id, inv, f.timeout, f.logger))
	}
	return out
}

// Config holds orchestration parameters.
type Config struct {
	MaxRounds    int
	RoundTimeout time.Duration
	Quorum       int
	TopK         int
	DeadlineCap  time.Duration
	Tolerance    float64
	Budget       budget.Limits
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 10
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = 60 * time.Second
	}
	if c.Quorum <= 0 {
		c.Quorum = 3
	}
	if c.TopK <= 0 {
		c.TopK = 3
	}
	if c.DeadlineCap <= 0 {
		c.DeadlineCap = 10 * time.Minute
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 0.2
	}
	return c
}

// Deps are the orchestrator's collaborators. Store, Stream, Archive, and
// Graph may be nil: the engine keeps working in memory when a backing
// service is down.
type Deps struct {
	Registry   *agent.Registry
	Ledger     *trust.Ledger
	Aggregator debate.Aggregator
	Factory    ParticipantFactory
	Store      *store.Store
	Stream     *events.Stream
	Archive    *archive.Archive
	Graph      *trust.AgreementGraph
	Notifier   notify.Notifier
	Logger     *zap.Logger
}

// Orchestrator owns session lifecycles: pool selection, debate execution,
// persistence, and post-session trust settlement.
type Orchestrator struct {
	deps Deps
	cfg  Config

	mu      sync.RWMutex
	running map[string]*debate.Session
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg.withDefaults(),
		running: make(map[string]*debate.Session),
	}
}

func (o *Orchestrator) validate(task *debate.Task) error {
	if task.Spec == "" {
		return &ValidationError{Field: "spec", Reason: "must not be empty"}
	}
	if task.Threshold < 0 || task.Threshold > 1 {
		return &ValidationError{Field: "threshold", Reason: "must be in [0,1]"}
	}
	if task.Threshold == 0 {
		task.Threshold = 0.6
	}
	now := time.Now()
	if !task.Deadline.IsZero() && task.Deadline.Before(now) {
		return &ValidationError{Field: "deadline", Reason: "must be in the future"}
	}
	ceiling := now.Add(o.cfg.DeadlineCap)
	if task.Deadline.IsZero() || task.Deadline.After(ceiling) {
		task.Deadline = ceiling
	}
	return nil
}

// RunSession executes a full debate synchronously and returns the terminal
// decision. Malformed tasks fail with ValidationError before any agent is
// invoked; quorum loss, whether at session open or mid-debate, surfaces as
// QuorumError rather than a low-confidence decision.
func (o *Orchestrator) RunSession(ctx context.Context, task debate.Task) (*debate.Decision, error) {
	if err := o.validate(&task); err != nil {
		return nil, err
	}

	pool := o.deps.Registry.Snapshot(o.deps.Ledger.Excluded)
	if len(pool) < o.cfg.Quorum {
		o.deps.Logger.Warn("cannot open session",
			zap.Int("available", len(pool)),
			zap.Int("quorum", o.cfg.Quorum))
		o.notifyEvent(ctx, notify.EventQuorumLost, "", fmt.Sprintf("%d of %d required agents available", len(pool), o.cfg.Quorum))
		return nil, &QuorumError{Available: len(pool), Quorum: o.cfg.Quorum}
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	sess := debate.NewSession(uuid.New().String(), task)
	o.track(sess)
	defer o.untrack(sess.ID)

	if o.deps.Store != nil {
		if err := o.deps.Store.CreateSession(ctx, sess); err != nil {
			o.deps.Logger.Warn("session not persisted", zap.String("session", sess.ID), zap.Error(err))
		}
	}
	o.publish(ctx, &events.SessionEvent{SessionID: sess.ID, Kind: "started"})

	guard := budget.NewGuard(o.cfg.Budget, o.deps.Logger)
	participants := o.deps.Factory.Participants(pool, guard)

	dguard := debate.NewGuard(task.Deadline, o.cfg.MaxRounds, o.deps.Logger)
	coord := debate.NewCoordinator(participants, o.deps.Aggregator, dguard, debate.Config{
		RoundTimeout: o.cfg.RoundTimeout,
		Quorum:       o.cfg.Quorum,
		TopK:         o.cfg.TopK,
	}, o.deps.Logger)

	decision := coord.Run(ctx, sess)

	calls, tokens := guard.Usage()
	o.deps.Logger.Info("session finished",
		zap.String("session", sess.ID),
		zap.String("reason", string(decision.Reason)),
		zap.Int("rounds", decision.Rounds),
		zap.Int("calls", calls),
		zap.Int("tokens", tokens))

	o.settleTrust(ctx, sess, decision)
	o.persist(ctx, sess, decision)
	o.announce(ctx, sess, decision)

	if decision.Reason == debate.ReasonInsufficientQuorum {
		available := 0
		if n := len(sess.Rounds); n > 0 {
			available = len(sess.Rounds[n-1].Candidates)
		}
		return nil, &QuorumError{Available: available, Quorum: o.cfg.Quorum}
	}
	return decision, nil
}

// Submit starts a session asynchronously and returns its ID immediately.
func (o *Orchestrator) Submit(task debate.Task) (string, error) {
	if err := o.validate(&task); err != nil {
		return "", err
	}
	pool := o.deps.Registry.Snapshot(o.deps.Ledger.Excluded)
	if len(pool) < o.cfg.Quorum {
		return "", &QuorumError{Available: len(pool), Quorum: o.cfg.Quorum}
	}

	sess := debate.NewSession(uuid.New().String(), task)
	o.track(sess)

	go func() {
		defer o.untrack(sess.ID)
		ctx := context.Background()

		if o.deps.Store != nil {
			if err := o.deps.Store.CreateSession(ctx, sess); err != nil {
				o.deps.Logger.Warn("session not persisted", zap.String("session", sess.ID), zap.Error(err))
			}
		}
		o.publish(ctx, &events.SessionEvent{SessionID: sess.ID, Kind: "started"})

		guard := budget.NewGuard(o.cfg.Budget, o.deps.Logger)
		participants := o.deps.Factory.Participants(pool, guard)
		dguard := debate.NewGuard(sess.Task.Deadline, o.cfg.MaxRounds, o.deps.Logger)
		coord := debate.NewCoordinator(participants, o.deps.Aggregator, dguard, debate.Config{
			RoundTimeout: o.cfg.RoundTimeout,
			Quorum:       o.cfg.Quorum,
			TopK:         o.cfg.TopK,
		}, o.deps.Logger)

		decision := coord.Run(ctx, sess)
		o.settleTrust(ctx, sess, decision)
		o.persist(ctx, sess, decision)
		o.announce(ctx, sess, decision)
	}()

	return sess.ID, nil
}

// Running returns the in-flight session, if any.
func (o *Orchestrator) Running(id string) (*debate.Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.running[id]
	return s, ok
}

func (o *Orchestrator) track(s *debate.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[s.ID] = s
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, id)
}

// persist writes the round history and decision. Failures degrade to logs;
// the decision has already been made and is still returned to the caller.
func (o *Orchestrator) persist(ctx context.Context, sess *debate.Session, d *debate.Decision) {
	if o.deps.Store == nil {
		return
	}
	for _, r := range sess.Rounds {
		if err := o.deps.Store.AppendRound(ctx, sess.ID, r); err != nil {
			o.deps.Logger.Warn("round not persisted",
				zap.String("session", sess.ID),
				zap.Int("round", r.Seq),
				zap.Error(err))
		}
	}
	if err := o.deps.Store.UpdateSessionState(ctx, sess.ID, sess.State, sess.Consensus); err != nil {
		o.deps.Logger.Warn("session state not persisted", zap.String("session", sess.ID), zap.Error(err))
	}
	if err := o.deps.Store.SaveDecision(ctx, d); err != nil {
		o.deps.Logger.Warn("decision not persisted", zap.String("session", sess.ID), zap.Error(err))
	}
	if err := o.deps.Store.SaveTrust(ctx, o.deps.Ledger.Snapshot()); err != nil {
		o.deps.Logger.Warn("trust not persisted", zap.Error(err))
	}
}

// settleTrust applies the reputation update rule against the concluding
// round: evaluators near the winner's aggregate gain trust, dissenters lose
// proportionally to their deviation, and flagged outliers accumulate toward
// exclusion.
func (o *Orchestrator) settleTrust(ctx context.Context, sess *debate.Session, d *debate.Decision) {
	// Anomalies decay trust regardless of how the session ended: a clamped
	// score on any candidate, winning or not, is a protocol violation.
	clampedBy := make(map[string]bool)
	for _, r := range sess.Rounds {
		for _, cr := range r.Critiques {
			if cr.Clamped {
				clampedBy[cr.EvaluatorID] = true
			}
		}
	}
	for id := range clampedBy {
		o.deps.Ledger.RecordAnomaly(id)
	}

	if d.Winner == nil {
		return
	}
	round := sess.Rounds[d.Winner.Round]
	aggregate := round.Aggregates[d.Winner.ID]

	flagged := make(map[string]bool, len(round.Outliers))
	for _, id := range round.Outliers {
		flagged[id] = true
	}

	for _, cr := range round.Critiques {
		if cr.CandidateID != d.Winner.ID || cr.Score == nil {
			continue
		}
		deviation := math.Abs(*cr.Score - aggregate)
		agreed := deviation <= o.cfg.Tolerance
		o.deps.Ledger.RecordOutcome(cr.EvaluatorID, agreed, deviation)

		if flagged[cr.EvaluatorID] {
			o.deps.Ledger.FlagMalicious(ctx, cr.EvaluatorID, sess.ID)
		} else {
			o.deps.Ledger.ClearMalicious(cr.EvaluatorID)
		}

		if o.deps.Graph != nil {
			if err := o.deps.Graph.RecordOutcome(ctx, sess.ID, cr.EvaluatorID, d.Winner.AgentID, agreed, deviation); err != nil {
				o.deps.Logger.Warn("agreement edge not recorded",
					zap.String("agent", cr.EvaluatorID),
					zap.Error(err))
			}
		}
	}
}

// announce publishes the terminal events and operator notifications.
func (o *Orchestrator) announce(ctx context.Context, sess *debate.Session, d *debate.Decision) {
	winner := ""
	if d.Winner != nil {
		winner = d.Winner.ID
	}
	for _, r := range sess.Rounds {
		o.publish(ctx, &events.SessionEvent{
			SessionID: sess.ID,
			Kind:      "round_sealed",
			Round:     r.Seq,
			Consensus: r.Consensus,
		})
	}
	o.publish(ctx, &events.SessionEvent{
		SessionID: sess.ID,
		Kind:      "concluded",
		Consensus: d.Consensus,
		Winner:    winner,
		Reason:    string(d.Reason),
	})

	switch d.Reason {
	case debate.ReasonTimeout:
		o.notifyEvent(ctx, notify.EventSessionTimedOut, sess.ID,
			fmt.Sprintf("concluded after %d rounds at consensus %.2f", d.Rounds, d.Consensus))
	case debate.ReasonInsufficientQuorum:
		o.notifyEvent(ctx, notify.EventQuorumLost, sess.ID,
			"proposal count fell below quorum mid-session")
	}

	if d.Winner != nil && o.deps.Archive != nil {
		if err := o.deps.Archive.Save(ctx, &sess.Task, d); err != nil {
			o.deps.Logger.Warn("decision not archived", zap.String("session", sess.ID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev *events.SessionEvent) {
	if o.deps.Stream == nil {
		return
	}
	if err := o.deps.Stream.Publish(ctx, ev); err != nil {
		o.deps.Logger.Warn("event not published", zap.String("session", ev.SessionID), zap.Error(err))
	}
}

func (o *Orchestrator) notifyEvent(ctx context.Context, kind notify.EventType, sessionID, detail string) {
	if o.deps.Notifier == nil {
		return
	}
	_ = o.deps.Notifier.Notify(ctx, &notify.Event{
		Type:      kind,
		SessionID: sessionID,
		Detail:    detail,
	})
}
