package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stream publishes session lifecycle events to a Redis Stream so external
// consumers can follow debates without polling the API.
type Stream struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewStream connects the event feed to Redis.
func NewStream(redisURL string, logger *zap.Logger) (*Stream, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Stream{rdb: rdb, logger: logger}, nil
}

// SessionEvent is one entry on the session feed.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // "started", "round_sealed", "concluded"
	Round     int       `json:"round,omitempty"`
	Consensus float64   `json:"consensus,omitempty"`
	Winner    string    `json:"winner,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const sessionStream = "concord:sessions"

// Publish appends an event to the session stream.
func (s *Stream) Publish(ctx context.Context, ev *SessionEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: sessionStream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", sessionStream, err)
	}

	s.logger.Debug("published event",
		zap.String("session", ev.SessionID),
		zap.String("kind", ev.Kind))
	return nil
}

// Subscribe follows the session stream from now on.
// Returns a channel that emits events. Cancel the context to stop.
func (s *Stream) Subscribe(ctx context.Context) <-chan *SessionEvent {
	ch := make(chan *SessionEvent, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{sessionStream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev SessionEvent
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- &ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (s *Stream) Close() error {
	return s.rdb.Close()
}
