package handlers

import (
	"context"
	"errors"
	"fmt"

	"consentgrid/internal/permission/models"
	"consentgrid/pkg/platform/sentinel"
)

// AdministratorAck asks auto-accepting administrators for their decision as
// soon as a request was sent. Other administrators answer through the
// webhook.
type AdministratorAck struct {
	requests   RequestReader
	connectors Connectors
	outbox     Transitioner
}

func NewAdministratorAck(requests RequestReader, connectors Connectors, ob Transitioner) *AdministratorAck {
	return &AdministratorAck{requests: requests, connectors: connectors, outbox: ob}
}

func (h *AdministratorAck) Name() string { return "administrator-ack" }

func (h *AdministratorAck) Handle(ctx context.Context, e models.Event) error {
	req, err := h.requests.FindByID(ctx, e.PermissionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load permission request: %w", err)
	}
	if req.Status != models.StatusSentToAdministrator {
		return nil
	}
	desc, err := h.connectors.Descriptor(req.ConnectorID)
	if err != nil {
		return err
	}
	if !desc.AutoAccept {
		return nil
	}
	client, err := h.connectors.Client(req.ConnectorID)
	if err != nil {
		return err
	}
	decision, err := client.FetchDecision(ctx, req)
	if err != nil {
		return fmt.Errorf("fetch administrator decision: %w", err)
	}
	op, decided := decision.Outcome.Operation()
	if !decided {
		return nil
	}
	_, err = h.outbox.Transition(ctx, req.PermissionID, h.connectors.Machine, op, models.Payload{
		Reason: decision.Reason,
	})
	return settle(err)
}
