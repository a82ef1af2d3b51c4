package trust

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// AgreementGraph records per-session agreement edges between agents in
// Neo4j for offline collusion analysis. All writes are best-effort; the
// consensus path never depends on this graph.
type AgreementGraph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewAgreementGraph connects to Neo4j and returns the graph recorder.
func NewAgreementGraph(uri, user, password string, logger *zap.Logger) (*AgreementGraph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j connect: %w", err)
	}
	if err := driver.VerifyConnectivity(context.Background()); err != nil {
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &AgreementGraph{driver: driver, logger: logger}, nil
}

// RecordOutcome writes one agent's relation to a session's winning agent:
// AGREED_WITH when within tolerance of the aggregate, DISSENTED_FROM with
// the deviation magnitude otherwise.
func (g *AgreementGraph) RecordOutcome(ctx context.Context, sessionID, agentID, winnerAgentID string, agreed bool, deviation float64) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	rel := "AGREED_WITH"
	if !agreed {
		rel = "DISSENTED_FROM"
	}
	_, err := session.Run(ctx, fmt.Sprintf(
		`MERGE (a:Agent {id: $agent})
		 MERGE (b:Agent {id: $winner})
		 CREATE (a)-[:%s {session: $session, deviation: $deviation, at: datetime()}]->(b)`, rel),
		map[string]interface{}{
			"agent":     agentID,
			"winner":    winnerAgentID,
			"session":   sessionID,
			"deviation": deviation,
		})
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// DissentCount returns how often two agents dissented from each other's
// winning sessions, a cheap collusion signal for the analytics surface.
func (g *AgreementGraph) DissentCount(ctx context.Context, agentA, agentB string) (int64, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (a:Agent {id: $a})-[r:DISSENTED_FROM]->(b:Agent {id: $b})
		 RETURN count(r) AS n`,
		map[string]interface{}{"a": agentA, "b": agentB})
	if err != nil {
		return 0, fmt.Errorf("dissent count: %w", err)
	}
	if !result.Next(ctx) {
		return 0, nil
	}
	n, _ := result.Record().Get("n")
	count, ok := n.(int64)
	if !ok {
		return 0, nil
	}
	return count, nil
}

// Close tears down the Neo4j driver.
func (g *AgreementGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}
