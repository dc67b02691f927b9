// Package notify fans operator notifications out to the configured channels.
// The engine's bridge feeds it alerts and terminal trade events; the event
// filter keeps noisy deployments quiet.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tidebot/internal/domain"
)

// Sender delivers one formatted notification to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches to every registered sender, filtered by event name.
// An empty filter set lets everything through.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier builds a Notifier delivering to senders. events lists the
// allowed event names (empty allows all).
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notify")),
	}
}

// Notify delivers when the event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAlert formats and delivers a bus alert. The routing key is the event
// name for filtering, so operators can subscribe to e.g. alerts.reconcile.*
// by listing the exact keys they want.
func (n *Notifier) NotifyAlert(ctx context.Context, key string, alert domain.Alert) error {
	title := fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Severity), key)
	message := alert.Message
	if alert.Detail != "" {
		message += "\n" + alert.Detail
	}
	return n.Notify(ctx, key, title, message)
}

// dispatch sends to every sender; one failing channel never blocks the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var failed []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.WarnContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()))
			failed = append(failed, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(failed, "; "))
	}
	return nil
}
