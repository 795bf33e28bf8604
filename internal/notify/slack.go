package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Slack posts to one Slack channel with a bot token.
type Slack struct {
	client   *slack.Client
	channel  string
	username string
	logger   *zap.Logger
}

// NewSlack creates a Slack notifier. Extra client options, such as
// slack.OptionAPIURL, are passed through.
func NewSlack(token, channel, username string, logger *zap.Logger, opts ...slack.Option) *Slack {
	return &Slack{
		client:   slack.New(token, opts...),
		channel:  channel,
		username: username,
		logger:   logger,
	}
}

func (s *Slack) Platform() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("*%s*\n%s", msg.Title, msg.Content)
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if s.username != "" {
		opts = append(opts, slack.MsgOptionUsername(s.username))
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel, opts...)
	if err != nil {
		s.logger.Error("slack send failed",
			zap.String("channel", s.channel), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}
