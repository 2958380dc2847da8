package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/carewire/carewire/internal/subscription"
)

// ChatClient posts one message to a channel. slack.Client satisfies it.
type ChatClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// ChatHandler delivers notifications as chat messages. The subscription
// endpoint names the destination channel.
type ChatHandler struct {
	client ChatClient
}

func NewChatHandler(client ChatClient) *ChatHandler {
	return &ChatHandler{client: client}
}

// NewSlackChatHandler builds a handler on the Slack web API.
func NewSlackChatHandler(token string) *ChatHandler {
	return NewChatHandler(slack.New(token))
}

func (h *ChatHandler) Deliver(ctx context.Context, sub subscription.Snapshot, payload []byte, _ string) error {
	channel := sub.Def.Channel.Endpoint
	_, _, err := h.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText("Subscription notification for "+sub.ID, false),
		slack.MsgOptionAttachments(slack.Attachment{
			Title: "Notification bundle",
			Text:  "```" + string(payload) + "```",
		}),
	)
	if err == nil {
		return nil
	}

	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return fmt.Errorf("chat post rate limited: %w", err)
	}
	return Fatal(fmt.Errorf("chat post to %s: %w", channel, err))
}
