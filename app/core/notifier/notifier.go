// Package notifier abstracts "deliver a message to a conversation" away
// from the provider SDKs, mirroring how alter0/app/core/interaction's
// channel adapters (slack/telegram) sit behind a single send interface.
// Only a logging implementation ships here; a production build wires in
// real Slack/Telegram channel adapters behind the same interface.
package notifier

import (
	"context"
	"fmt"

	"relaykit/app/core/model"
	"relaykit/app/pkg/logger"
)

// Notifier delivers a message into a specific provider conversation,
// used both for a Task's final result and for cron jobs in "message"
// mode that bypass the agent entirely.
type Notifier interface {
	Send(ctx context.Context, provider model.Provider, workspaceID, channelID, threadTS, text string) error
}

// LogNotifier writes every delivery to the structured log instead of a
// real provider; used in tests and as the default until a channel
// adapter is configured.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) Send(_ context.Context, provider model.Provider, workspaceID, channelID, threadTS, text string) error {
	logger.Info("notifier: %s %s/%s thread=%s: %s", provider, workspaceID, channelID, threadTS, truncate(text, 200))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...(%d more bytes)", s[:n], len(s)-n)
}

// MultiNotifier fans a delivery out to several Notifiers, stopping at
// the first error. Useful once a real channel adapter runs alongside
// LogNotifier for observability.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, provider model.Provider, workspaceID, channelID, threadTS, text string) error {
	for _, n := range m.notifiers {
		if err := n.Send(ctx, provider, workspaceID, channelID, threadTS, text); err != nil {
			return err
		}
	}
	return nil
}
