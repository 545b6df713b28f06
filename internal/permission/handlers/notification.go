package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"consentgrid/internal/connector"
	"consentgrid/internal/permission/models"
	"consentgrid/pkg/platform/sentinel"
)

// Notification forwards validated requests to the administrator. Permanent
// refusals end the request as unable to send; transient failures leave it
// validated for the staleness sweep.
type Notification struct {
	requests   RequestReader
	connectors Connectors
	outbox     Transitioner
	logger     *slog.Logger
}

func NewNotification(requests RequestReader, connectors Connectors, ob Transitioner, logger *slog.Logger) *Notification {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notification{requests: requests, connectors: connectors, outbox: ob, logger: logger}
}

func (h *Notification) Name() string { return "notification" }

func (h *Notification) Handle(ctx context.Context, e models.Event) error {
	req, err := h.requests.FindByID(ctx, e.PermissionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load permission request: %w", err)
	}
	if req.Status != models.StatusValidated {
		return nil
	}
	client, err := h.connectors.Client(req.ConnectorID)
	if err != nil {
		return err
	}

	if err := client.SendRequest(ctx, req); err != nil {
		kind := connector.KindOf(err)
		if kind.Retryable() {
			h.logger.WarnContext(ctx, "sending to administrator failed, will retry",
				"permission_id", string(req.PermissionID),
				"connector_id", string(req.ConnectorID),
				"error", err,
			)
			return fmt.Errorf("send to administrator: %w", err)
		}
		h.logger.InfoContext(ctx, "administrator refused permission request",
			"permission_id", string(req.PermissionID),
			"kind", string(kind),
		)
		_, err = h.outbox.Transition(ctx, req.PermissionID, h.connectors.Machine, models.OpUnableToSend, models.Payload{
			Reason: err.Error(),
		})
		return settle(err)
	}

	_, err = h.outbox.Transition(ctx, req.PermissionID, h.connectors.Machine, models.OpSendToAdministrator, models.Payload{})
	return settle(err)
}
