// Package notify delivers operator alerts about the feed to chat channels.
// Alerts are filtered by event type so operators only hear about the events
// they opted into.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Sender is one alert channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel in logs and errors, e.g. "telegram".
	Name() string
}

// Notifier fans an alert out to every Sender whose event type is allowed.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
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
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Senders returns the number of configured channels.
func (n *Notifier) Senders() int { return len(n.senders) }

// Allows reports whether alerts of the given event type are forwarded.
func (n *Notifier) Allows(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// Notify delivers an alert to every sender when event is allowed. A failing
// sender does not stop delivery to the others; all failures are joined.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Allows(event) {
		n.logger.DebugContext(ctx, "alert filtered out", slog.String("event", event))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("event", event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
