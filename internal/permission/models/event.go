package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	id "consentgrid/pkg/domain"
)

// EventType names the kind of fact an event records.
type EventType string

const (
	EventCreated                 EventType = "created"
	EventValidated               EventType = "validated"
	EventMalformed               EventType = "malformed"
	EventUnableToSend            EventType = "unable_to_send"
	EventSentToAdministrator     EventType = "sent_to_administrator"
	EventAccepted                EventType = "accepted"
	EventInvalid                 EventType = "invalid"
	EventRejected                EventType = "rejected"
	EventTerminated              EventType = "terminated"
	EventRevoked                 EventType = "revoked"
	EventFulfilled               EventType = "fulfilled"
	EventTimeLimitReached        EventType = "time_limit_reached"
	EventTimedOut                EventType = "timed_out"
	EventDataReceived            EventType = "data_received"
	EventRetryRequested          EventType = "retry_requested"
	EventRetransmissionRequested EventType = "retransmission_requested"
)

// statusEvents maps each status to the event type that moves a request into it.
var statusEvents = map[Status]EventType{
	StatusCreated:             EventCreated,
	StatusValidated:           EventValidated,
	StatusMalformed:           EventMalformed,
	StatusUnableToSend:        EventUnableToSend,
	StatusSentToAdministrator: EventSentToAdministrator,
	StatusAccepted:            EventAccepted,
	StatusInvalid:             EventInvalid,
	StatusRejected:            EventRejected,
	StatusTerminated:          EventTerminated,
	StatusRevoked:             EventRevoked,
	StatusFulfilled:           EventFulfilled,
	StatusTimeLimitReached:    EventTimeLimitReached,
	StatusTimedOut:            EventTimedOut,
}

// AllEventTypes lists every event type.
var AllEventTypes = []EventType{
	EventCreated, EventValidated, EventMalformed, EventUnableToSend,
	EventSentToAdministrator, EventAccepted, EventInvalid, EventRejected,
	EventTerminated, EventRevoked, EventFulfilled, EventTimeLimitReached,
	EventTimedOut, EventDataReceived, EventRetryRequested, EventRetransmissionRequested,
}

// EventTypeFor returns the event type recording a move into status.
func EventTypeFor(status Status) EventType {
	et, ok := statusEvents[status]
	if !ok {
		panic(fmt.Sprintf("no event type for status %q", status))
	}
	return et
}

// ChangesStatus reports whether events of this type move the request to a new status.
func (t EventType) ChangesStatus() bool {
	switch t {
	case EventDataReceived, EventRetryRequested, EventRetransmissionRequested:
		return false
	}
	return true
}

// IsValid reports whether t is a known event type.
func (t EventType) IsValid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Payload carries the event-type-specific attributes. Unused fields stay zero
// and are omitted from the stored JSON.
type Payload struct {
	ConnectionID    id.ConnectionID  `json:"connection_id,omitempty"`
	DataNeedID      id.DataNeedID    `json:"data_need_id,omitempty"`
	ConnectorID     id.ConnectorID   `json:"connector_id,omitempty"`
	MeteringPointID string           `json:"metering_point_id,omitempty"`
	Granularity     Granularity      `json:"granularity,omitempty"`
	Start           *time.Time       `json:"start,omitempty"`
	End             *time.Time       `json:"end,omitempty"`
	Watermark       *time.Time       `json:"watermark,omitempty"`
	From            *time.Time       `json:"from,omitempty"`
	To              *time.Time       `json:"to,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Errors          []AttributeError `json:"errors,omitempty"`
}

// Event is an immutable fact about one permission request. EventID is chosen
// by the producer and doubles as the idempotency key; Seq is assigned by the
// event log on append.
type Event struct {
	Seq          int64
	EventID      uuid.UUID
	PermissionID id.PermissionID
	Type         EventType
	Status       Status
	CreatedAt    time.Time
	Payload      Payload
}

// NewEvent builds an event with a fresh EventID.
func NewEvent(pid id.PermissionID, typ EventType, status Status, at time.Time, payload Payload) Event {
	return Event{
		EventID:      uuid.New(),
		PermissionID: pid,
		Type:         typ,
		Status:       status,
		CreatedAt:    at.UTC(),
		Payload:      payload,
	}
}

// NewStatusEvent builds the event that moves a request into status.
func NewStatusEvent(pid id.PermissionID, status Status, at time.Time, payload Payload) Event {
	return NewEvent(pid, EventTypeFor(status), status, at, payload)
}

// Validate checks the structural invariants every committed event must meet.
func (e Event) Validate() error {
	if e.PermissionID.IsNil() {
		return fmt.Errorf("event has no permission id")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("event %s carries unknown status %q", e.Type, e.Status)
	}
	if e.Type.ChangesStatus() && statusEvents[e.Status] != e.Type {
		return fmt.Errorf("event %s cannot carry status %s", e.Type, e.Status)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("event has no timestamp")
	}
	return nil
}
