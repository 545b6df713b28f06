package handlers

import (
	"log/slog"

	"consentgrid/internal/permission/eventbus"
	"consentgrid/internal/permission/models"
)

// Subscriber is the bus surface handlers are attached to.
type Subscriber interface {
	Subscribe(h eventbus.Handler, types ...models.EventType)
	SubscribeAll(h eventbus.Handler)
}

// Set groups the handlers of one process. Nil handlers are not subscribed.
type Set struct {
	Projection   eventbus.Handler
	Notification *Notification
	Ack          *AdministratorAck
	Polling      *PollingTrigger
	Fulfillment  *Fulfillment
	Documents    *DocumentSink
}

// Subscribe attaches every handler in s to bus behind the idempotency guard.
func (s Set) Subscribe(bus Subscriber, tracker ProcessedTracker, logger *slog.Logger) {
	wrap := func(h eventbus.Handler) eventbus.Handler {
		return Idempotent(tracker, h, logger)
	}
	if s.Projection != nil {
		bus.SubscribeAll(wrap(s.Projection))
	}
	if s.Documents != nil {
		bus.SubscribeAll(wrap(s.Documents))
	}
	if s.Notification != nil {
		bus.Subscribe(wrap(s.Notification), models.EventValidated, models.EventRetryRequested)
	}
	if s.Ack != nil {
		bus.Subscribe(wrap(s.Ack), models.EventSentToAdministrator, models.EventRetryRequested)
	}
	if s.Polling != nil {
		bus.Subscribe(wrap(s.Polling),
			models.EventAccepted, models.EventRetryRequested, models.EventRetransmissionRequested)
	}
	if s.Fulfillment != nil {
		bus.Subscribe(wrap(s.Fulfillment), models.EventDataReceived)
	}
}
