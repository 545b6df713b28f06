package statemachine

import (
	"fmt"

	"consentgrid/internal/permission/models"
)

// Overrides adapts the generic lifecycle to one connector. Add inserts or
// replaces edges; Disable removes edges so the operation reports as
// unsupported for that connector.
type Overrides struct {
	Add     map[models.Status]map[models.Operation]models.Status `yaml:"add"`
	Disable map[models.Status][]models.Operation                 `yaml:"disable"`
}

// NoAcknowledgement is the override for administrators that never
// acknowledge receipt: their accept, invalid and reject answers arrive while
// the request is still VALIDATED, and there is no acknowledgement to receive.
func NoAcknowledgement() Overrides {
	return Overrides{
		Add: map[models.Status]map[models.Operation]models.Status{
			models.StatusValidated: {
				models.OpAccept:  models.StatusAccepted,
				models.OpInvalid: models.StatusInvalid,
				models.OpReject:  models.StatusRejected,
			},
		},
		Disable: map[models.Status][]models.Operation{
			models.StatusSentToAdministrator: {models.OpReceiveAdministratorResponse},
		},
	}
}

// Merge returns o with other's edges layered on top.
func (o Overrides) Merge(other Overrides) Overrides {
	out := Overrides{
		Add:     map[models.Status]map[models.Operation]models.Status{},
		Disable: map[models.Status][]models.Operation{},
	}
	for _, src := range []Overrides{o, other} {
		for from, ops := range src.Add {
			if out.Add[from] == nil {
				out.Add[from] = map[models.Operation]models.Status{}
			}
			for op, to := range ops {
				out.Add[from][op] = to
			}
		}
		for from, ops := range src.Disable {
			out.Disable[from] = append(out.Disable[from], ops...)
		}
	}
	return out
}

// Validate rejects unknown names and edges leaving terminal statuses.
func (o Overrides) Validate() error {
	for from, ops := range o.Add {
		if !from.IsValid() {
			return fmt.Errorf("override adds edges from unknown status %q", from)
		}
		if from.IsTerminal() {
			return fmt.Errorf("override adds edges from terminal status %s", from)
		}
		for op, to := range ops {
			if !op.IsValid() {
				return fmt.Errorf("override uses unknown operation %q", op)
			}
			if !to.IsValid() {
				return fmt.Errorf("override targets unknown status %q", to)
			}
		}
	}
	for from, ops := range o.Disable {
		if !from.IsValid() {
			return fmt.Errorf("override disables edges from unknown status %q", from)
		}
		for _, op := range ops {
			if !op.IsValid() {
				return fmt.Errorf("override disables unknown operation %q", op)
			}
		}
	}
	return nil
}
