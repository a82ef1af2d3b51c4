package consensus

import (
	"math"
	"sort"

	"github.com/nidhogg/concord/internal/debate"
	"go.uber.org/zap"
)

// WeightSource supplies the current trust weight for an agent.
// Implemented by trust.Ledger.
type WeightSource interface {
	Weight(agentID string) float64
}

// Config tunes outlier flagging and dissent detection.
type Config struct {
	// OutlierFactor is the multiple of the median absolute deviation beyond
	// which an evaluator's score is flagged as an outlier.
	OutlierFactor float64
	// Tolerance is the max deviation from the winner's aggregate before an
	// evaluator counts as a dissenter.
	Tolerance float64
}

// DefaultConfig returns the standard aggregation parameters.
func DefaultConfig() Config {
	return Config{OutlierFactor: 3.0, Tolerance: 0.2}
}

// Aggregator computes trust-weighted median aggregates over a round's
// critique score vectors. The weighted median tolerates a minority (by
// weight) of adversarial scores without shifting toward them.
type Aggregator struct {
	weights WeightSource
	cfg     Config
	logger  *zap.Logger
}

// New creates an Aggregator.
func New(weights WeightSource, cfg Config, logger *zap.Logger) *Aggregator {
	if cfg.OutlierFactor <= 0 {
		cfg.OutlierFactor = 3.0
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 0.2
	}
	return &Aggregator{weights: weights, cfg: cfg, logger: logger}
}

type sample struct {
	evaluator string
	score     float64
	weight    float64
}

// ScoreRound aggregates every candidate in the round and selects the winner.
// Self-evaluations and abstentions never enter aggregation.
func (a *Aggregator) ScoreRound(task *debate.Task, round *debate.Round) *debate.RoundResult {
	res := &debate.RoundResult{
		Aggregates: make(map[string]float64, len(round.Candidates)),
	}
	outliers := make(map[string]bool)

	for _, cand := range round.Candidates {
		samples := a.collect(round, cand)
		agg, flagged := a.aggregate(cand.ID, samples)
		res.Aggregates[cand.ID] = agg
		for _, ev := range flagged {
			outliers[ev] = true
		}
	}

	// Winner: highest aggregate, ties broken by candidate ID ascending.
	for _, cand := range round.Candidates {
		agg := res.Aggregates[cand.ID]
		if res.WinnerID == "" || agg > res.Consensus ||
			(agg == res.Consensus && cand.ID < res.WinnerID) {
			res.WinnerID = cand.ID
			res.Consensus = agg
		}
	}

	for ev := range outliers {
		res.Outliers = append(res.Outliers, ev)
	}
	sort.Strings(res.Outliers)

	// Dissenters: evaluators of the winner whose score deviates from the
	// aggregate beyond tolerance.
	if winner := round.Candidate(res.WinnerID); winner != nil {
		for _, s := range a.collect(round, winner) {
			if math.Abs(s.score-res.Consensus) > a.cfg.Tolerance {
				res.Dissenters = append(res.Dissenters, s.evaluator)
			}
		}
		sort.Strings(res.Dissenters)
	}

	return res
}

// collect gathers the valid trust-weighted score samples for one candidate:
// no self-evaluation, no abstentions.
func (a *Aggregator) collect(round *debate.Round, cand *debate.Candidate) []sample {
	var samples []sample
	for _, cr := range round.Critiques {
		if cr.CandidateID != cand.ID || cr.Score == nil || cr.EvaluatorID == cand.AgentID {
			continue
		}
		samples = append(samples, sample{
			evaluator: cr.EvaluatorID,
			score:     *cr.Score,
			weight:    a.weights.Weight(cr.EvaluatorID),
		})
	}
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].score != samples[j].score {
			return samples[i].score < samples[j].score
		}
		return samples[i].evaluator < samples[j].evaluator
	})
	return samples
}

// aggregate computes the trust-weighted median for one candidate, flags
// MAD outliers, and re-aggregates without them.
func (a *Aggregator) aggregate(candID string, samples []sample) (float64, []string) {
	if len(samples) == 0 {
		return 0, nil
	}

	med := weightedMedian(samples)

	// Median absolute deviation over the same weighted-median reduction.
	devs := make([]sample, len(samples))
	for i, s := range samples {
		devs[i] = sample{evaluator: s.evaluator, score: math.Abs(s.score - med), weight: s.weight}
	}
	sort.Slice(devs, func(i, j int) bool {
		if devs[i].score != devs[j].score {
			return devs[i].score < devs[j].score
		}
		return devs[i].evaluator < devs[j].evaluator
	})
	mad := weightedMedian(devs)

	var kept []sample
	var flagged []string
	for _, s := range samples {
		if math.Abs(s.score-med) > a.cfg.OutlierFactor*mad {
			flagged = append(flagged, s.evaluator)
			continue
		}
		kept = append(kept, s)
	}

	if len(kept) == 0 {
		// Pathological: every evaluator excluded at once. Fall back to the
		// unweighted simple median over all scores and keep the flags.
		a.logger.Warn("all evaluators flagged as outliers, falling back to simple median",
			zap.String("candidate", candID), zap.Int("evaluators", len(samples)))
		return simpleMedian(samples), flagged
	}
	return weightedMedian(kept), flagged
}

// weightedMedian returns the smallest sample score whose cumulative weight
// strictly exceeds half the total. Samples must be sorted ascending. The
// strict inequality keeps the result on the majority side when weights
// split evenly.
func weightedMedian(sorted []sample) float64 {
	var total float64
	for _, s := range sorted {
		total += s.weight
	}
	half := total / 2
	var cum float64
	for _, s := range sorted {
		cum += s.weight
		if cum > half {
			return s.score
		}
	}
	return sorted[len(sorted)-1].score
}

// simpleMedian is the unweighted median over sorted samples.
func simpleMedian(sorted []sample) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2].score
	}
	return (sorted[n/2-1].score + sorted[n/2].score) / 2
}
