package dispatcher

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackNotifier posts dispatch failures back to the channel the event came
// from, threaded under the original message.
type SlackNotifier struct {
	client *slack.Client
}

func NewSlackNotifier(botToken string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(botToken)}
}

func (n *SlackNotifier) NotifyFailure(ctx context.Context, channelID, threadTS, message string) error {
	options := []slack.MsgOption{slack.MsgOptionText(message, false)}
	if threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}

	if _, _, err := n.client.PostMessageContext(ctx, channelID, options...); err != nil {
		return fmt.Errorf("failed to post failure message: %w", err)
	}

	return nil
}

// NoopNotifier discards notifications. Used when no bot token is configured,
// e.g. local development against replayed events.
type NoopNotifier struct{}

func (NoopNotifier) NotifyFailure(ctx context.Context, channelID, threadTS, message string) error {
	return nil
}
