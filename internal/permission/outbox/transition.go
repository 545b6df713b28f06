package outbox

import (
	"context"

	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/statemachine"
	id "consentgrid/pkg/domain"
	dErrors "consentgrid/pkg/domain-errors"
	"consentgrid/pkg/requestcontext"
)

// MachineFor returns the state machine governing a connector's requests.
type MachineFor func(connectorID id.ConnectorID) (*statemachine.Machine, error)

// Transition checks op against the stored status and commits the resulting
// status event. The check and the commit share one aggregate lock, so no
// other writer can move the request in between.
func (o *Outbox) Transition(ctx context.Context, permissionID id.PermissionID, machines MachineFor, op models.Operation, payload models.Payload) (models.Event, error) {
	return o.CommitWith(ctx, permissionID, func(current *models.PermissionRequest) (models.Event, error) {
		if current == nil {
			return models.Event{}, dErrors.New(dErrors.CodeNotFound, "permission request not found")
		}
		m, err := machines(current.ConnectorID)
		if err != nil {
			return models.Event{}, err
		}
		next, err := m.Transition(current.Status, op)
		if err != nil {
			return models.Event{}, err
		}
		if next == current.Status {
			// Acknowledgements keep the status; there is nothing to record.
			return models.Event{}, ErrSkip
		}
		return models.NewStatusEvent(permissionID, next, requestcontext.Now(ctx), payload), nil
	})
}
