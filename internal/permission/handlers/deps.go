package handlers

import (
	"context"

	"consentgrid/internal/connector"
	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/outbox"
	"consentgrid/internal/permission/statemachine"
	"consentgrid/internal/polling"
	id "consentgrid/pkg/domain"
)

// RequestReader loads the current view of a request.
type RequestReader interface {
	FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
}

// Connectors resolves connector settings, clients and state machines.
type Connectors interface {
	Descriptor(connectorID id.ConnectorID) (connector.Descriptor, error)
	Client(connectorID id.ConnectorID) (connector.Client, error)
	Machine(connectorID id.ConnectorID) (*statemachine.Machine, error)
}

// Transitioner applies state machine operations through the outbox.
type Transitioner interface {
	Transition(ctx context.Context, permissionID id.PermissionID, machines outbox.MachineFor, op models.Operation, payload models.Payload) (models.Event, error)
}

// Poller fetches data for accepted requests.
type Poller interface {
	Poll(ctx context.Context, permissionID id.PermissionID) (polling.Outcome, error)
	PollRange(ctx context.Context, permissionID id.PermissionID, r polling.Range) (polling.Outcome, error)
}
