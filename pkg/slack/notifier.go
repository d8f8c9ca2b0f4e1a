// Package slack sends security notifications to a Slack channel: trust
// engine actions, and nodes waiting for approval.
package slack

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier sends messages to the configured security channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Slack Notifier. If botToken is empty, the notifier
// is a noop (logging only).
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// IsEnabled returns true if the notifier has a valid Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// TrustAction describes a trust engine intervention worth paging on.
type TrustAction struct {
	Hostname      string
	Action        string
	Score         float64
	PreviousScore float64
	RiskLevel     string
}

// PostTrustAction notifies the channel about a trust engine action.
func (n *Notifier) PostTrustAction(ctx context.Context, ta TrustAction) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping trust action post",
			"hostname", ta.Hostname, "action", ta.Action)
		return nil
	}

	text := fmt.Sprintf("%s trust engine *%s* node `%s` (score %.2f → %.2f, risk %s)",
		actionEmoji(ta.Action), ta.Action, ta.Hostname, ta.PreviousScore, ta.Score, ta.RiskLevel)

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting trust action to slack: %w", err)
	}

	n.logger.Info("posted trust action to slack", "hostname", ta.Hostname, "action", ta.Action)
	return nil
}

// PostPendingNode notifies the channel that a node is waiting for
// approval.
func (n *Notifier) PostPendingNode(ctx context.Context, hostname, role, overlayIP string) error {
	if !n.IsEnabled() {
		return nil
	}

	text := fmt.Sprintf(":large_yellow_circle: node `%s` (role %s, %s) registered and is waiting for approval",
		hostname, role, overlayIP)

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting pending node to slack: %w", err)
	}
	return nil
}

func actionEmoji(action string) string {
	switch action {
	case "revoke":
		return ":red_circle:"
	case "suspend":
		return ":large_orange_circle:"
	case "rate_limit":
		return ":large_yellow_circle:"
	default:
		return ":large_blue_circle:"
	}
}
