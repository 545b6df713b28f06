package statemachine

import (
	"errors"
	"fmt"

	"consentgrid/internal/permission/models"
	id "consentgrid/pkg/domain"
	dErrors "consentgrid/pkg/domain-errors"
)

// Kind classifies why a transition was rejected.
type Kind int

const (
	// KindPast means the operation belongs to a stage the request has left.
	KindPast Kind = iota + 1
	// KindFuture means the operation belongs to a stage not yet reached.
	KindFuture
	// KindUnsupported means the current stage does not offer the operation
	// for this connector.
	KindUnsupported
)

var (
	ErrPastState   = errors.New("past state")
	ErrFutureState = errors.New("future state")
	ErrUnsupported = errors.New("unsupported for this connector")
)

func (k Kind) String() string {
	switch k {
	case KindPast:
		return "PastStateError"
	case KindFuture:
		return "FutureStateError"
	case KindUnsupported:
		return "UnsupportedOperationError"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindPast:
		return ErrPastState
	case KindFuture:
		return ErrFutureState
	default:
		return ErrUnsupported
	}
}

// TransitionError is returned for every rejected transition. It matches its
// kind sentinel with errors.Is and carries CodeConflict for the API layer.
type TransitionError struct {
	Kind        Kind
	Operation   models.Operation
	Status      models.Status
	ConnectorID id.ConnectorID
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: cannot %s a permission request in status %s", e.Kind, e.Operation, e.Status)
	if e.Kind == KindUnsupported && e.ConnectorID != "" {
		msg += fmt.Sprintf(" (connector %s)", e.ConnectorID)
	}
	return msg
}

func (e *TransitionError) Unwrap() []error {
	return []error{
		e.Kind.sentinel(),
		dErrors.New(dErrors.CodeConflict, fmt.Sprintf("operation %s not allowed in status %s", e.Operation, e.Status)).
			WithReason(e.Kind.String()),
	}
}

// AsTransitionError extracts a *TransitionError from err's chain.
func AsTransitionError(err error) (*TransitionError, bool) {
	var te *TransitionError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
