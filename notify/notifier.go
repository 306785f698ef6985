// Package notify delivers operator notifications and serves the chat control commands.
package notify

import (
	"context"

	"ladderbot/logger"
)

// Notifier best-effort sink for human readable reports.
// Implementations log delivery failures and never return them to the engine.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// LogNotifier writes notifications to the log
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, text string) {
	logger.Infof("📣 [Notify] %s", text)
}

// Multi fans a notification out to several sinks
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, text string) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, text)
		}
	}
}
