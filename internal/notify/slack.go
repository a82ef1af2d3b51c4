package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts escalation events to a Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a Slack notifier using a bot token (xoxb-...).
func NewSlackNotifier(botToken, channel string, logger *zap.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, ev *Event) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(formatEvent(ev), false),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

func formatEvent(ev *Event) string {
	switch ev.Type {
	case EventAgentExcluded:
		return fmt.Sprintf(":no_entry: Agent `%s` excluded from the pool (session `%s`): %s",
			ev.AgentID, ev.SessionID, ev.Detail)
	case EventQuorumLost:
		return fmt.Sprintf(":warning: Session `%s` lost quorum: %s", ev.SessionID, ev.Detail)
	case EventSessionTimedOut:
		return fmt.Sprintf(":hourglass: Session `%s` timed out: %s", ev.SessionID, ev.Detail)
	default:
		return fmt.Sprintf("Session `%s`: %s %s", ev.SessionID, ev.Type, ev.Detail)
	}
}
