package trust

import (
	"context"
	"math"
	"sync"

	"github.com/nidhogg/concord/internal/notify"
	"go.uber.org/zap"
)

// DefaultWeight is the trust score assigned to agents with no history.
const DefaultWeight = 0.5

// Config tunes the reputation update rule.
type Config struct {
	// Alpha is the EMA learning rate for score updates.
	Alpha float64
	// Floor is the score an agent is forced to after repeated malicious flags.
	Floor float64
	// MaliciousStreak is how many consecutive flagged sessions trigger exclusion.
	MaliciousStreak int
}

// DefaultConfig returns the standard trust parameters.
func DefaultConfig() Config {
	return Config{Alpha: 0.1, Floor: 0.05, MaliciousStreak: 3}
}

// Entry is one agent's reputation state.
type Entry struct {
	AgentID  string  `json:"agent_id"`
	Score    float64 `json:"score"`
	Streak   int     `json:"streak"`
	Excluded bool    `json:"excluded"`
}

type entry struct {
	mu       sync.Mutex
	score    float64
	streak   int
	excluded bool
}

// Ledger maintains long-lived reputation per agent, independent of any
// single session. Reads are concurrent; writes are serialized per agent so
// overlapping sessions never lose updates.
type Ledger struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	cfg      Config
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewLedger creates a trust ledger.
func NewLedger(cfg Config, notifier notify.Notifier, logger *zap.Logger) *Ledger {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 0.1
	}
	if cfg.Floor <= 0 {
		cfg.Floor = 0.05
	}
	if cfg.MaliciousStreak <= 0 {
		cfg.MaliciousStreak = 3
	}
	return &Ledger{
		entries:  make(map[string]*entry),
		cfg:      cfg,
		notifier: notifier,
		logger:   logger,
	}
}

func (l *Ledger) get(agentID string) *entry {
	l.mu.RLock()
	e, ok := l.entries[agentID]
	l.mu.RUnlock()
	if ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[agentID]; ok {
		return e
	}
	e = &entry{score: DefaultWeight}
	l.entries[agentID] = e
	return e
}

// Weight returns the agent's current trust score, DefaultWeight if unseen.
func (l *Ledger) Weight(agentID string) float64 {
	e := l.get(agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.score
}

// Excluded reports whether the agent has been excluded from future pools.
func (l *Ledger) Excluded(agentID string) bool {
	e := l.get(agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.excluded
}

// RecordOutcome updates an agent's score after a concluded session using an
// exponential moving average toward the outcome target. Deviation magnitude
// only matters when the agent disagreed with the aggregate.
func (l *Ledger) RecordOutcome(agentID string, agreed bool, deviation float64) {
	target := 1.0
	if !agreed {
		target = math.Max(0, 1-deviation)
	}

	e := l.get(agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.excluded {
		return
	}
	e.score = clamp01(e.score + l.cfg.Alpha*(target-e.score))
	l.logger.Debug("trust updated",
		zap.String("agent", agentID),
		zap.Bool("agreed", agreed),
		zap.Float64("score", e.score))
}

// RecordAnomaly penalizes an agent for a protocol anomaly, such as an
// out-of-range critique score. The penalty is one EMA step toward zero;
// callers apply it at most once per session.
func (l *Ledger) RecordAnomaly(agentID string) {
	e := l.get(agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.excluded {
		return
	}
	e.score = clamp01(e.score - l.cfg.Alpha*e.score)
	l.logger.Debug("trust penalized for anomaly",
		zap.String("agent", agentID),
		zap.Float64("score", e.score))
}

// FlagMalicious records an outlier flag for the session. Reaching the
// configured streak forces the score to the floor and excludes the agent
// from future pools; the exclusion is surfaced via the notifier, never
// decided silently.
func (l *Ledger) FlagMalicious(ctx context.Context, agentID, sessionID string) {
	e := l.get(agentID)
	e.mu.Lock()
	e.streak++
	trigger := !e.excluded && e.streak >= l.cfg.MaliciousStreak
	if trigger {
		e.score = l.cfg.Floor
		e.excluded = true
	}
	streak := e.streak
	e.mu.Unlock()

	l.logger.Info("agent flagged as outlier",
		zap.String("agent", agentID),
		zap.String("session", sessionID),
		zap.Int("streak", streak))

	if trigger && l.notifier != nil {
		_ = l.notifier.Notify(ctx, &notify.Event{
			Type:      notify.EventAgentExcluded,
			SessionID: sessionID,
			AgentID:   agentID,
			Detail:    "malicious flag streak reached, agent excluded pending manual reinstatement",
		})
	}
}

// ClearMalicious resets an agent's flag streak after a clean session.
func (l *Ledger) ClearMalicious(agentID string) {
	e := l.get(agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streak = 0
}

// Reinstate manually clears an exclusion, restoring the default weight.
func (l *Ledger) Reinstate(agentID string) {
	e := l.get(agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.excluded = false
	e.streak = 0
	e.score = DefaultWeight
	l.logger.Info("agent reinstated", zap.String("agent", agentID))
}

// Snapshot returns a copy of every agent's reputation state.
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for id, e := range l.entries {
		e.mu.Lock()
		out = append(out, Entry{AgentID: id, Score: e.score, Streak: e.streak, Excluded: e.excluded})
		e.mu.Unlock()
	}
	return out
}

// Restore loads previously persisted reputation state, replacing any
// in-memory entries for the same agents.
func (l *Ledger) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, in := range entries {
		l.entries[in.AgentID] = &entry{
			score:    clamp01(in.Score),
			streak:   in.Streak,
			excluded: in.Excluded,
		}
	}
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
