package domain

import "context"

// Operator alert event types.
const (
	AlertMarketSettled = "market_settled"
	AlertPoolDown      = "pool_down"
	AlertPoolRecovered = "pool_recovered"
	AlertEventsDropped = "events_dropped"
)

// AlertEvents lists every alert event type.
var AlertEvents = []string{
	AlertMarketSettled,
	AlertPoolDown,
	AlertPoolRecovered,
	AlertEventsDropped,
}

// Alerter delivers operator alerts. Implementations decide which event types
// are forwarded.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}
