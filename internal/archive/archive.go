package archive

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/concord/internal/debate"
	"github.com/nidhogg/concord/internal/embedding"
)

const collection = "concord_decisions"

// Archive stores concluded decisions in Qdrant so past sessions can be
// recalled by semantic similarity before new debates are opened.
type Archive struct {
	client   *qdrantClient
	embedder embedding.Provider
	logger   *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// New connects the archive to Qdrant.
func New(cfg QdrantConfig, embedder embedding.Provider, logger *zap.Logger) (*Archive, error) {
	client, err := dialQdrant(cfg)
	if err != nil {
		return nil, err
	}
	return &Archive{client: client, embedder: embedder, logger: logger}, nil
}

// Match is a prior decision recalled by similarity search.
type Match struct {
	SessionID string  `json:"session_id"`
	Task      string  `json:"task"`
	Winner    string  `json:"winner"`
	Reason    string  `json:"reason"`
	Consensus float64 `json:"consensus"`
	Score     float32 `json:"score"`
}

// The collection is created on first write so we never have to guess the
// embedding dimension before the provider has produced a vector.
func (a *Archive) ensure(ctx context.Context) error {
	a.ensureOnce.Do(func() {
		a.ensureErr = a.client.ensureCollection(ctx, collection, uint64(a.embedder.Dimension()))
	})
	return a.ensureErr
}

// Save embeds the winning content and task together and upserts the point.
func (a *Archive) Save(ctx context.Context, task *debate.Task, d *debate.Decision) error {
	if d.Winner == nil {
		return nil
	}

	text := task.Spec + "\n\n" + d.Winner.Content
	vecs, err := a.embedder.Embed(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("embed decision: %w", err)
	}
	if len(vecs) == 0 {
		return fmt.Errorf("embed decision: empty result")
	}
	if err := a.ensure(ctx); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	err = a.client.upsert(ctx, collection, d.SessionID, vecs[0], map[string]string{
		"session_id": d.SessionID,
		"task":       task.Spec,
		"winner":     d.Winner.Content,
		"reason":     string(d.Reason),
		"consensus":  strconv.FormatFloat(d.Consensus, 'f', 4, 64),
	})
	if err != nil {
		return fmt.Errorf("upsert decision: %w", err)
	}
	a.logger.Debug("decision archived", zap.String("session", d.SessionID))
	return nil
}

// Similar returns prior decisions closest to the query text.
func (a *Archive) Similar(ctx context.Context, query string, topK int) ([]*Match, error) {
	if topK <= 0 {
		topK = 5
	}
	vecs, err := a.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embed query: empty result")
	}

	hits, err := a.client.search(ctx, collection, vecs[0], uint64(topK))
	if err != nil {
		return nil, err
	}
	matches := make([]*Match, 0, len(hits))
	for _, h := range hits {
		consensus, _ := strconv.ParseFloat(h.payload["consensus"], 64)
		matches = append(matches, &Match{
			SessionID: h.payload["session_id"],
			Task:      h.payload["task"],
			Winner:    h.payload["winner"],
			Reason:    h.payload["reason"],
			Consensus: consensus,
			Score:     h.score,
		})
	}
	return matches, nil
}

// Close tears down the Qdrant connection.
func (a *Archive) Close() error {
	return a.client.close()
}
