package handlers

import (
	"context"
	"errors"
	"fmt"

	"consentgrid/internal/permission/models"
	"consentgrid/pkg/platform/sentinel"
)

// Fulfillment ends an accepted request once its watermark reaches the end of
// the permitted window.
type Fulfillment struct {
	requests   RequestReader
	connectors Connectors
	outbox     Transitioner
}

func NewFulfillment(requests RequestReader, connectors Connectors, ob Transitioner) *Fulfillment {
	return &Fulfillment{requests: requests, connectors: connectors, outbox: ob}
}

func (h *Fulfillment) Name() string { return "fulfillment" }

func (h *Fulfillment) Handle(ctx context.Context, e models.Event) error {
	req, err := h.requests.FindByID(ctx, e.PermissionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load permission request: %w", err)
	}
	if req.Status != models.StatusAccepted || !req.IsComplete() {
		return nil
	}
	_, err = h.outbox.Transition(ctx, req.PermissionID, h.connectors.Machine, models.OpFulfill, models.Payload{})
	return settle(err)
}
