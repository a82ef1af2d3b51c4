package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// EventType categorizes notification events.
type EventType string

const (
	EventAgentExcluded   EventType = "agent_excluded"
	EventQuorumLost      EventType = "quorum_lost"
	EventSessionTimedOut EventType = "session_timed_out"
)

// Event is one escalation surfaced for human review.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers escalation events to a human-facing channel.
type Notifier interface {
	Notify(ctx context.Context, ev *Event) error
}

// LogNotifier writes events to the service log. Used as the fallback when
// no chat adapter is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, ev *Event) error {
	n.logger.Warn("escalation",
		zap.String("type", string(ev.Type)),
		zap.String("session", ev.SessionID),
		zap.String("agent", ev.AgentID),
		zap.String("detail", ev.Detail))
	return nil
}

// Multi fans one event out to several notifiers. Delivery failures are
// independent; the first error is returned after all attempts.
type Multi struct {
	notifiers []Notifier
	logger    *zap.Logger
}

// NewMulti creates a fan-out notifier.
func NewMulti(logger *zap.Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, logger: logger}
}

func (m *Multi) Notify(ctx context.Context, ev *Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	var first error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			m.logger.Warn("notifier delivery failed", zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}
