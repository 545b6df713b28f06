package models

import (
	"errors"
	"fmt"
)

// ErrNotCreated is returned when an event other than created is applied to a
// request that does not exist yet.
var ErrNotCreated = errors.New("permission request does not exist")

// Apply folds e into current and returns the new view. current is not
// modified. A nil current is only valid for created events.
func Apply(current *PermissionRequest, e Event) (*PermissionRequest, error) {
	if e.Type == EventCreated {
		if current != nil {
			return nil, fmt.Errorf("permission request %s already exists", e.PermissionID)
		}
		return &PermissionRequest{
			PermissionID:    e.PermissionID,
			ConnectionID:    e.Payload.ConnectionID,
			DataNeedID:      e.Payload.DataNeedID,
			ConnectorID:     e.Payload.ConnectorID,
			MeteringPointID: e.Payload.MeteringPointID,
			Granularity:     e.Payload.Granularity,
			Start:           cloneTime(e.Payload.Start),
			End:             cloneTime(e.Payload.End),
			Status:          StatusCreated,
			CreatedAt:       e.CreatedAt,
			UpdatedAt:       e.CreatedAt,
			LastEventSeq:    e.Seq,
		}, nil
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotCreated, e.PermissionID)
	}

	next := current.Clone()
	next.UpdatedAt = e.CreatedAt
	next.LastEventSeq = e.Seq

	switch e.Type {
	case EventValidated:
		if e.Payload.Start != nil {
			next.Start = cloneTime(e.Payload.Start)
		}
		if e.Payload.End != nil {
			next.End = cloneTime(e.Payload.End)
		}
		if e.Payload.Granularity != "" {
			next.Granularity = e.Payload.Granularity
		}
		if next.Start == nil {
			return nil, fmt.Errorf("validated event for %s has no start", e.PermissionID)
		}
	case EventMalformed:
		next.Errors = append([]AttributeError(nil), e.Payload.Errors...)
		next.Reason = e.Payload.Reason
	case EventDataReceived:
		if w := e.Payload.Watermark; w != nil && (next.Watermark == nil || w.After(*next.Watermark)) {
			next.Watermark = cloneTime(w)
		}
	case EventRetryRequested, EventRetransmissionRequested:
	default:
		if e.Payload.Reason != "" {
			next.Reason = e.Payload.Reason
		}
	}

	if e.Type.ChangesStatus() {
		next.Status = e.Status
	}
	return next, nil
}

// Fold rebuilds a view from an ordered event history.
func Fold(events []Event) (*PermissionRequest, error) {
	var view *PermissionRequest
	for _, e := range events {
		next, err := Apply(view, e)
		if err != nil {
			return nil, err
		}
		view = next
	}
	return view, nil
}
