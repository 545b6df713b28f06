package polling

import (
	"context"
	"errors"

	"consentgrid/internal/connector"
)

// errSuperseded aborts a retry loop whose permission left ACCEPTED.
var errSuperseded = errors.New("permission request superseded")

// IsRetryable reports whether another attempt may succeed. Administrator
// errors are classified by kind; cancellation and supersession never retry;
// any other failure is treated as transient.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, errSuperseded),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var pe *connector.PollError
	if errors.As(err, &pe) {
		return pe.Kind.Retryable()
	}
	return true
}

// IsPermanent reports whether err is an administrator refusal that no retry
// will fix, which ends the permission.
func IsPermanent(err error) bool {
	var pe *connector.PollError
	return errors.As(err, &pe) && !pe.Kind.Retryable()
}
