package debate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Guard prevents unbounded or oscillating debate: it fingerprints every
// sealed round to catch cycles, holds the session's wall-clock deadline,
// and carries the hard max-round backstop.
type Guard struct {
	deadline  time.Time
	maxRounds int
	seen      map[string]int // fingerprint -> first round seq
	now       func() time.Time
	logger    *zap.Logger
}

// NewGuard creates a guard for one session.
func NewGuard(deadline time.Time, maxRounds int, logger *zap.Logger) *Guard {
	if maxRounds <= 0 {
		maxRounds = 10
	}
	return &Guard{
		deadline:  deadline,
		maxRounds: maxRounds,
		seen:      make(map[string]int),
		now:       time.Now,
		logger:    logger,
	}
}

// MaxRounds returns the hard round ceiling.
func (g *Guard) MaxRounds() int { return g.maxRounds }

// Expired reports whether the session deadline has passed.
func (g *Guard) Expired() bool {
	return !g.deadline.IsZero() && g.now().After(g.deadline)
}

// Deadline returns the session's wall-clock deadline.
func (g *Guard) Deadline() time.Time { return g.deadline }

// Observe fingerprints a scored round and records it. If an earlier round
// in this session produced an identical fingerprint, the debate is cycling
// and the guard reports the earlier round's sequence number.
func (g *Guard) Observe(round *Round) (prevSeq int, cycle bool) {
	fp := fingerprint(round)
	round.Fingerprint = fp
	if prev, ok := g.seen[fp]; ok {
		g.logger.Info("debate cycle detected",
			zap.Int("round", round.Seq),
			zap.Int("repeats", prev))
		return prev, true
	}
	g.seen[fp] = round.Seq
	return 0, false
}

// fingerprint hashes the set of candidate contents together with their
// aggregate scores. Entries are sorted so the hash is order-independent.
func fingerprint(round *Round) string {
	entries := make([]string, 0, len(round.Candidates))
	for _, c := range round.Candidates {
		entries = append(entries, fmt.Sprintf("%s|%.6f", c.Content, round.Aggregates[c.ID]))
	}
	sort.Strings(entries)
	sum := sha256.Sum256([]byte(strings.Join(entries, "\x00")))
	return hex.EncodeToString(sum[:])
}
