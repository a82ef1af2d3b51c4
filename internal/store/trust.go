package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/concord/internal/trust"
)

// SaveTrust upserts the ledger snapshot so reputation survives restarts.
func (s *Store) SaveTrust(ctx context.Context, entries []trust.Entry) error {
	for _, e := range entries {
		_, err := s.db.Exec(ctx,
			`INSERT INTO trust_scores (agent_id, score, streak, excluded, updated_at)
			 VALUES ($1, $2, $3, $4, NOW())
			 ON CONFLICT (agent_id) DO UPDATE
			 SET score=$2, streak=$3, excluded=$4, updated_at=NOW()`,
			e.AgentID, e.Score, e.Streak, e.Excluded)
		if err != nil {
			return fmt.Errorf("save trust %s: %w", e.AgentID, err)
		}
	}
	return nil
}

// LoadTrust returns all persisted reputation entries.
func (s *Store) LoadTrust(ctx context.Context) ([]trust.Entry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT agent_id, score, streak, excluded FROM trust_scores`)
	if err != nil {
		return nil, fmt.Errorf("load trust: %w", err)
	}
	defer rows.Close()

	var entries []trust.Entry
	for rows.Next() {
		var e trust.Entry
		if err := rows.Scan(&e.AgentID, &e.Score, &e.Streak, &e.Excluded); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
