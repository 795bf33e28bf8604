package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Discord message content is capped at 2000 characters.
const discordMaxContent = 2000

type channelSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts to one Discord channel through the REST API. It does not
// open a gateway websocket.
type Discord struct {
	session channelSender
	channel string
	logger  *zap.Logger
}

// NewDiscord creates a Discord notifier from a bot token.
func NewDiscord(token, channel string, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channel: channel, logger: logger}, nil
}

func (d *Discord) Platform() string { return "discord" }

func (d *Discord) Notify(ctx context.Context, msg Message) error {
	content := fmt.Sprintf("**%s**\n%s", msg.Title, msg.Content)
	if len(content) > discordMaxContent {
		content = content[:discordMaxContent-3] + "..."
	}
	if _, err := d.session.ChannelMessageSend(d.channel, content, discordgo.WithContext(ctx)); err != nil {
		d.logger.Error("discord send failed",
			zap.String("channel", d.channel), zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
