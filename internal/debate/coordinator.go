package debate

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config controls the round state machine.
type Config struct {
	RoundTimeout time.Duration
	Quorum       int
	TopK         int
}

func (c Config) withDefaults() Config {
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = 60 * time.Second
	}
	if c.Quorum <= 0 {
		c.Quorum = 3
	}
	if c.TopK <= 0 {
		c.TopK = 3
	}
	return c
}

// Coordinator drives the bounded multi-round state machine for one session.
// It exclusively owns the session; per-agent failures are absorbed and the
// session only fails outward when quorum is lost.
type Coordinator struct {
	participants []Participant
	agg          Aggregator
	guard        *Guard
	cfg          Config
	logger       *zap.Logger
}

// NewCoordinator creates a coordinator over a fixed participant set.
func NewCoordinator(participants []Participant, agg Aggregator, guard *Guard, cfg Config, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		participants: participants,
		agg:          agg,
		guard:        guard,
		cfg:          cfg.withDefaults(),
		logger:       logger,
	}
}

// Run executes rounds until consensus, cycle, deadline, quorum loss, or the
// max-round backstop, and returns the session's terminal decision.
func (c *Coordinator) Run(ctx context.Context, s *Session) *Decision {
	for seq := 0; seq < c.guard.MaxRounds(); seq++ {
		if ctx.Err() != nil || c.guard.Expired() {
			return c.concludeAt(ctx, s, ReasonTimeout, bestRound(s))
		}

		round := &Round{Seq: seq, Aggregates: make(map[string]float64)}
		s.State = StateProposing
		c.collectProposals(ctx, s, round)

		if len(round.Candidates) < c.cfg.Quorum {
			c.logger.Warn("quorum lost",
				zap.String("session", s.ID),
				zap.Int("round", seq),
				zap.Int("candidates", len(round.Candidates)),
				zap.Int("quorum", c.cfg.Quorum))
			round.SealedAt = time.Now()
			s.Rounds = append(s.Rounds, round)
			return c.concludeAt(ctx, s, ReasonInsufficientQuorum, nil)
		}

		c.advance(s, StateCritiquing)
		c.collectCritiques(ctx, s, round)

		c.advance(s, StateScoring)
		res := c.agg.ScoreRound(&s.Task, round)
		round.Aggregates = res.Aggregates
		round.WinnerID = res.WinnerID
		round.Consensus = res.Consensus
		round.Outliers = res.Outliers
		round.Dissenters = res.Dissenters
		round.SealedAt = time.Now()
		s.Rounds = append(s.Rounds, round)
		s.Consensus = res.Consensus // always derived from the current round only

		c.logger.Info("round scored",
			zap.String("session", s.ID),
			zap.Int("round", seq),
			zap.String("winner", res.WinnerID),
			zap.Float64("consensus", res.Consensus))

		prevSeq, cycle := c.guard.Observe(round)
		switch {
		case res.Consensus >= s.Task.Threshold:
			return c.concludeAt(ctx, s, ReasonConsensusReached, round)
		case cycle:
			chosen := s.Rounds[prevSeq]
			if round.Consensus > chosen.Consensus {
				chosen = round
			}
			return c.concludeAt(ctx, s, ReasonCycleDetected, chosen)
		case c.guard.Expired():
			return c.concludeAt(ctx, s, ReasonTimeout, bestRound(s))
		}
	}
	return c.concludeAt(ctx, s, ReasonTimeout, bestRound(s))
}

// roundContext bounds one round barrier. The session deadline caps the
// configured round timeout so a late round cannot overshoot it.
func (c *Coordinator) roundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := c.guard.Deadline(); !d.IsZero() && time.Until(d) < c.cfg.RoundTimeout {
		return context.WithDeadline(ctx, d)
	}
	return context.WithTimeout(ctx, c.cfg.RoundTimeout)
}

// collectProposals fans Propose out to every participant and waits at the
// round barrier. Failures and timeouts leave the agent absent for the
// round; they never abort the session.
func (c *Coordinator) collectProposals(ctx context.Context, s *Session, round *Round) {
	rctx, cancel := c.roundContext(ctx)
	defer cancel()

	view := seedView(s.Rounds, c.cfg.TopK)

	type result struct {
		agentID string
		cand    *Candidate
		err     error
	}
	ch := make(chan result, len(c.participants))
	for _, p := range c.participants {
		go func(p Participant) {
			cand, err := p.Propose(rctx, &s.Task, view)
			ch <- result{agentID: p.ID(), cand: cand, err: err}
		}(p)
	}

	for range c.participants {
		r := <-ch
		if r.err != nil {
			c.logger.Warn("proposal failed",
				zap.String("session", s.ID),
				zap.String("agent", r.agentID),
				zap.Error(r.err))
			round.Absent = append(round.Absent, r.agentID)
			continue
		}
		round.Candidates = append(round.Candidates, r.cand)
	}

	sort.Slice(round.Candidates, func(i, j int) bool {
		return round.Candidates[i].ID < round.Candidates[j].ID
	})
	sort.Strings(round.Absent)
}

// collectCritiques runs the pairwise cross-evaluation: every participant
// critiques every candidate it did not author. Missing critiques are
// recorded as abstentions with no score, never as zero.
func (c *Coordinator) collectCritiques(ctx context.Context, s *Session, round *Round) {
	rctx, cancel := c.roundContext(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		absent = make(map[string]bool)
	)
	for _, p := range c.participants {
		for _, cand := range round.Candidates {
			if cand.AgentID == p.ID() {
				continue
			}
			wg.Add(1)
			go func(p Participant, cand *Candidate) {
				defer wg.Done()
				cr, err := p.Critique(rctx, &s.Task, cand)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					c.logger.Warn("critique failed",
						zap.String("session", s.ID),
						zap.String("agent", p.ID()),
						zap.String("candidate", cand.ID),
						zap.Error(err))
					absent[p.ID()] = true
					round.Critiques = append(round.Critiques, Critique{
						EvaluatorID: p.ID(),
						CandidateID: cand.ID,
					})
					return
				}
				round.Critiques = append(round.Critiques, cr)
				cand.Scores[cr.EvaluatorID] = *cr.Score
			}(p, cand)
		}
	}
	wg.Wait()

	for _, id := range round.Absent {
		absent[id] = false // already recorded from the proposal phase
	}
	for id, add := range absent {
		if add {
			round.Absent = append(round.Absent, id)
		}
	}
	sort.Strings(round.Absent)

	sort.Slice(round.Critiques, func(i, j int) bool {
		a, b := round.Critiques[i], round.Critiques[j]
		if a.CandidateID != b.CandidateID {
			return a.CandidateID < b.CandidateID
		}
		return a.EvaluatorID < b.EvaluatorID
	})
}

// collectVotes gathers the final ranked preferences over the concluding
// round's candidates. Vote failures are absorbed; the ranking is audit
// data, the winner is already fixed by the aggregates.
func (c *Coordinator) collectVotes(ctx context.Context, s *Session, round *Round) {
	rctx, cancel := c.roundContext(ctx)
	defer cancel()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	round.Votes = make(map[string][]string, len(c.participants))
	for _, p := range c.participants {
		wg.Add(1)
		go func(p Participant) {
			defer wg.Done()
			ranked, err := p.Vote(rctx, &s.Task, round.Candidates)
			if err != nil {
				c.logger.Warn("vote failed",
					zap.String("session", s.ID),
					zap.String("agent", p.ID()),
					zap.Error(err))
				return
			}
			mu.Lock()
			round.Votes[p.ID()] = ranked
			mu.Unlock()
		}(p)
	}
	wg.Wait()
}

// concludeAt seals the session with a terminal decision drawn from the
// chosen round. A nil round means quorum was lost and no decision is
// forced.
func (c *Coordinator) concludeAt(ctx context.Context, s *Session, reason TerminationReason, round *Round) *Decision {
	d := &Decision{
		SessionID:   s.ID,
		Reason:      reason,
		Rounds:      len(s.Rounds),
		ConcludedAt: time.Now(),
	}
	if round != nil {
		if round.Votes == nil && ctx.Err() == nil {
			c.collectVotes(ctx, s, round)
		}
		d.Winner = round.Candidate(round.WinnerID)
		d.AggregateScore = round.Aggregates[round.WinnerID]
		d.Consensus = round.Consensus
		d.Dissenters = round.Dissenters
	}
	s.State = StateConcluded
	s.Decision = d
	c.logger.Info("session concluded",
		zap.String("session", s.ID),
		zap.String("reason", string(reason)),
		zap.Int("rounds", d.Rounds))
	return d
}

func (c *Coordinator) advance(s *Session, to State) {
	if err := Transition(s.State, to); err != nil {
		c.logger.Error("illegal state transition", zap.String("session", s.ID), zap.Error(err))
	}
	s.State = to
}

// bestRound returns the scored round with the highest consensus level,
// earliest first on ties. Nil when no round completed scoring.
func bestRound(s *Session) *Round {
	var best *Round
	for _, r := range s.Rounds {
		if r.WinnerID == "" {
			continue
		}
		if best == nil || r.Consensus > best.Consensus {
			best = r
		}
	}
	return best
}

// seedView builds the read-only history handed to proposers: all prior
// rounds, with the last one pruned to its top-K candidates so revision
// rounds focus on the strongest answers.
func seedView(rounds []*Round, topK int) []*Round {
	if len(rounds) == 0 {
		return nil
	}
	last := rounds[len(rounds)-1]
	if len(last.Candidates) <= topK {
		return rounds
	}

	ranked := make([]*Candidate, len(last.Candidates))
	copy(ranked, last.Candidates)
	sort.Slice(ranked, func(i, j int) bool {
		ai, aj := last.Aggregates[ranked[i].ID], last.Aggregates[ranked[j].ID]
		if ai != aj {
			return ai > aj
		}
		return ranked[i].ID < ranked[j].ID
	})
	keep := make(map[string]bool, topK)
	for _, c := range ranked[:topK] {
		keep[c.ID] = true
	}

	pruned := &Round{
		Seq:        last.Seq,
		Aggregates: last.Aggregates,
		WinnerID:   last.WinnerID,
		Consensus:  last.Consensus,
		SealedAt:   last.SealedAt,
	}
	for _, c := range last.Candidates {
		if keep[c.ID] {
			pruned.Candidates = append(pruned.Candidates, c)
		}
	}
	for _, cr := range last.Critiques {
		if keep[cr.CandidateID] {
			pruned.Critiques = append(pruned.Critiques, cr)
		}
	}

	view := make([]*Round, len(rounds))
	copy(view, rounds)
	view[len(view)-1] = pruned
	return view
}
