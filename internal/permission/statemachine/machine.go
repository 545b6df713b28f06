// Package statemachine decides which lifecycle transitions a permission
// request may take. It performs no I/O; side effects hang off the events
// committed after a successful decision.
package statemachine

import (
	"fmt"

	"consentgrid/internal/permission/models"
	id "consentgrid/pkg/domain"
)

type table map[models.Status]map[models.Operation]models.Status

// generic is the lifecycle every connector starts from.
func generic() table {
	return table{
		models.StatusCreated: {
			models.OpValidate:  models.StatusValidated,
			models.OpMalformed: models.StatusMalformed,
		},
		models.StatusValidated: {
			models.OpSendToAdministrator: models.StatusSentToAdministrator,
			models.OpUnableToSend:        models.StatusUnableToSend,
		},
		models.StatusSentToAdministrator: {
			models.OpReceiveAdministratorResponse: models.StatusSentToAdministrator,
			models.OpAccept:                       models.StatusAccepted,
			models.OpInvalid:                      models.StatusInvalid,
			models.OpReject:                       models.StatusRejected,
			models.OpTimeLimitReached:             models.StatusTimeLimitReached,
		},
		models.StatusAccepted: {
			models.OpTerminate:        models.StatusTerminated,
			models.OpRevoke:           models.StatusRevoked,
			models.OpFulfill:          models.StatusFulfilled,
			models.OpTimeLimitReached: models.StatusTimeLimitReached,
		},
		models.StatusTimeLimitReached: {
			models.OpTimeOut: models.StatusTimedOut,
		},
	}
}

// Machine is an immutable transition table for one connector.
type Machine struct {
	connectorID id.ConnectorID
	table       table
	disabled    map[models.Status]map[models.Operation]bool
}

// Generic returns the machine with no connector overrides.
func Generic() *Machine {
	m, err := New("", Overrides{})
	if err != nil {
		panic(err)
	}
	return m
}

// New builds the machine for connectorID by layering overrides onto the
// generic table.
func New(connectorID id.ConnectorID, o Overrides) (*Machine, error) {
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("connector %s: %w", connectorID, err)
	}
	t := generic()
	for from, ops := range o.Add {
		if t[from] == nil {
			t[from] = map[models.Operation]models.Status{}
		}
		for op, to := range ops {
			t[from][op] = to
		}
	}
	disabled := map[models.Status]map[models.Operation]bool{}
	for from, ops := range o.Disable {
		for _, op := range ops {
			if disabled[from] == nil {
				disabled[from] = map[models.Operation]bool{}
			}
			disabled[from][op] = true
			delete(t[from], op)
		}
	}
	return &Machine{connectorID: connectorID, table: t, disabled: disabled}, nil
}

// ConnectorID returns the connector this machine was built for.
func (m *Machine) ConnectorID() id.ConnectorID { return m.connectorID }

// Transition returns the status reached by applying op in current, or a
// *TransitionError describing why op is not allowed.
func (m *Machine) Transition(current models.Status, op models.Operation) (models.Status, error) {
	if !current.IsValid() {
		panic(fmt.Sprintf("statemachine: unknown status %q", current))
	}
	if current.IsTerminal() {
		return "", m.reject(KindPast, current, op)
	}
	if next, ok := m.table[current][op]; ok {
		return next, nil
	}
	if m.disabled[current][op] || !op.IsValid() {
		return "", m.reject(KindUnsupported, current, op)
	}
	switch {
	case op.Rank() > current.Rank():
		return "", m.reject(KindFuture, current, op)
	case op.Rank() < current.Rank():
		return "", m.reject(KindPast, current, op)
	default:
		return "", m.reject(KindUnsupported, current, op)
	}
}

// Can reports whether op is allowed in current.
func (m *Machine) Can(current models.Status, op models.Operation) bool {
	if current.IsTerminal() {
		return false
	}
	_, ok := m.table[current][op]
	return ok
}

// Supported lists the operations current offers, in canonical order.
func (m *Machine) Supported(current models.Status) []models.Operation {
	var ops []models.Operation
	if current.IsTerminal() {
		return ops
	}
	for _, op := range models.AllOperations {
		if _, ok := m.table[current][op]; ok {
			ops = append(ops, op)
		}
	}
	return ops
}

func (m *Machine) reject(kind Kind, current models.Status, op models.Operation) error {
	return &TransitionError{Kind: kind, Operation: op, Status: current, ConnectorID: m.connectorID}
}
