package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/concord/internal/debate"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

// SessionRecord is the stored view of a session without its round bodies.
type SessionRecord struct {
	ID        string       `json:"id"`
	Task      debate.Task  `json:"task"`
	State     debate.State `json:"state"`
	Consensus float64      `json:"consensus"`
	Rounds    int          `json:"rounds"`
	StartedAt time.Time    `json:"started_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// CreateSession inserts the session header row.
func (s *Store) CreateSession(ctx context.Context, sess *debate.Session) error {
	task, _ := json.Marshal(sess.Task)
	_, err := s.db.Exec(ctx,
		`INSERT INTO sessions (id, task, state, consensus, started_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sess.ID, task, string(sess.State), sess.Consensus, sess.StartedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpdateSessionState updates the session's state and consensus level.
func (s *Store) UpdateSessionState(ctx context.Context, id string, state debate.State, consensus float64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE sessions SET state=$1, consensus=$2, updated_at=NOW() WHERE id=$3`,
		string(state), consensus, id)
	return err
}

// AppendRound persists a sealed round. The append is idempotent: replaying
// the same (session, seq) pair is a no-op, so retries after a crash never
// duplicate history.
func (s *Store) AppendRound(ctx context.Context, sessionID string, round *debate.Round) error {
	payload, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("marshal round: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO debate_rounds (session_id, seq, payload, sealed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, seq) DO NOTHING`,
		sessionID, round.Seq, payload, round.SealedAt)
	if err != nil {
		return fmt.Errorf("append round: %w", err)
	}
	return nil
}

// SaveDecision persists the session's terminal decision.
func (s *Store) SaveDecision(ctx context.Context, d *debate.Decision) error {
	var winner []byte
	if d.Winner != nil {
		winner, _ = json.Marshal(d.Winner)
	}
	dissenters, _ := json.Marshal(d.Dissenters)
	_, err := s.db.Exec(ctx,
		`INSERT INTO decisions (session_id, winner, aggregate_score, consensus, dissenters, reason, rounds, concluded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id) DO NOTHING`,
		d.SessionID, winner, d.AggregateScore, d.Consensus, dissenters, string(d.Reason), d.Rounds, d.ConcludedAt)
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

// GetSession returns the stored session header with its round count.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var task []byte
	var state string
	err := s.db.QueryRow(ctx,
		`SELECT s.id, s.task, s.state, s.consensus, s.started_at, s.updated_at,
		        (SELECT COUNT(*) FROM debate_rounds r WHERE r.session_id = s.id)
		 FROM sessions s WHERE s.id=$1`, id,
	).Scan(&rec.ID, &task, &state, &rec.Consensus, &rec.StartedAt, &rec.UpdatedAt, &rec.Rounds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	_ = json.Unmarshal(task, &rec.Task)
	rec.State = debate.State(state)
	return rec, nil
}

// GetDecision returns the terminal decision for a session, or ErrNotFound
// when the session has not concluded.
func (s *Store) GetDecision(ctx context.Context, sessionID string) (*debate.Decision, error) {
	d := &debate.Decision{}
	var winner, dissenters []byte
	var reason string
	err := s.db.QueryRow(ctx,
		`SELECT session_id, winner, aggregate_score, consensus, dissenters, reason, rounds, concluded_at
		 FROM decisions WHERE session_id=$1`, sessionID,
	).Scan(&d.SessionID, &winner, &d.AggregateScore, &d.Consensus, &dissenters, &reason, &d.Rounds, &d.ConcludedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	if len(winner) > 0 {
		d.Winner = &debate.Candidate{}
		_ = json.Unmarshal(winner, d.Winner)
	}
	_ = json.Unmarshal(dissenters, &d.Dissenters)
	d.Reason = debate.TerminationReason(reason)
	return d, nil
}

// GetTrace returns the full round history of a session ordered by sequence.
func (s *Store) GetTrace(ctx context.Context, sessionID string) ([]*debate.Round, error) {
	rows, err := s.db.Query(ctx,
		`SELECT payload FROM debate_rounds WHERE session_id=$1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}
	defer rows.Close()

	var rounds []*debate.Round
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		r := &debate.Round{}
		if err := json.Unmarshal(payload, r); err != nil {
			return nil, fmt.Errorf("decode round: %w", err)
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

// ListSessions returns session headers ordered by start time desc.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT s.id, s.task, s.state, s.consensus, s.started_at, s.updated_at,
		        (SELECT COUNT(*) FROM debate_rounds r WHERE r.session_id = s.id)
		 FROM sessions s ORDER BY s.started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var recs []*SessionRecord
	for rows.Next() {
		rec := &SessionRecord{}
		var task []byte
		var state string
		if err := rows.Scan(&rec.ID, &task, &state, &rec.Consensus, &rec.StartedAt, &rec.UpdatedAt, &rec.Rounds); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(task, &rec.Task)
		rec.State = debate.State(state)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
