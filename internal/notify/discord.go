package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordNotifier posts escalation events to a Discord channel.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordNotifier creates a Discord notifier using a bot token.
// Delivery uses the REST API only; no gateway connection is opened.
func NewDiscordNotifier(botToken, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	s, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{session: s, channelID: channelID, logger: logger}, nil
}

func (n *DiscordNotifier) Notify(_ context.Context, ev *Event) error {
	_, err := n.session.ChannelMessageSend(n.channelID, formatEvent(ev))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close shuts down the underlying Discord session.
func (n *DiscordNotifier) Close() error {
	return n.session.Close()
}
