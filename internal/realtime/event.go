// Package realtime pushes domain events to connected operators.
package realtime

import (
	"context"
	"time"
)

// Event types
const (
	EventClientStatusChanged  = "client.status_changed"
	EventClientCreated        = "client.created"
	EventInvoiceCreated       = "invoice.created"
	EventInvoicePaid          = "invoice.paid"
	EventReconciliationFailed = "reconciliation.failed"
	EventReconciliationDone   = "reconciliation.done"
	EventDispatchProgress     = "dispatch.progress"
	EventDispatchCompleted    = "dispatch.completed"
)

type Event struct {
	Type       string    `json:"type"`
	Data       any       `json:"data,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher fans an event out to subscribers. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

func NewEvent(typ string, data any) Event {
	return Event{Type: typ, Data: data, OccurredAt: time.Now().UTC()}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
