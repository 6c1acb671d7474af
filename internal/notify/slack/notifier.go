// Package slack implements the driven.Notifier port over slack-go/slack.
// The Notifier interface leaves room for more transports without touching
// analyzer/fixer/reviewer callers.
package slack

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/prmonitor/core/internal/domain/port/driven"
)

var _ driven.Notifier = (*Notifier)(nil)

// Notifier sends notification.send events to Slack channels via the Web API.
type Notifier struct {
	client         *slack.Client
	defaultChannel string
	priorityEmoji  map[string]string
}

// New creates a Notifier authenticated with botToken. defaultChannel is used
// when an event's channel is "default" or empty.
func New(botToken, defaultChannel string) *Notifier {
	return &Notifier{
		client:         slack.New(botToken),
		defaultChannel: defaultChannel,
		priorityEmoji: map[string]string{
			"low":      ":information_source:",
			"medium":   ":warning:",
			"high":     ":rotating_light:",
			"critical": ":fire:",
		},
	}
}

// Send posts message to channel (or the configured default), prefixed by a
// priority emoji, with context rendered as a trailing field section.
func (n *Notifier) Send(ctx context.Context, channel, priority, message string, context map[string]string) error {
	target := channel
	if target == "" || target == "default" {
		target = n.defaultChannel
	}
	if target == "" {
		return fmt.Errorf("%w: slack notifier: no channel configured", driven.ErrPolicyRejection)
	}

	emoji := n.priorityEmoji[priority]
	text := fmt.Sprintf("%s %s", emoji, message)

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
	if len(context) > 0 {
		var fields []*slack.TextBlockObject
		for k, v := range context {
			fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*\n%s", k, v), false, false))
		}
		blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))
	}

	_, _, err := n.client.PostMessageContext(ctx, target, slack.MsgOptionBlocks(blocks...), slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("%w: post to slack channel %s: %s", driven.ErrTransientIO, target, err)
	}
	return nil
}
