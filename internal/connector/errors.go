package connector

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies administrator failures.
type ErrorKind string

const (
	KindRateLimited       ErrorKind = "rate_limited"
	KindCredentialExpired ErrorKind = "credential_expired"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindForbidden         ErrorKind = "forbidden"
	KindNotFound          ErrorKind = "not_found"
	KindOther             ErrorKind = "other"
)

// Retryable reports whether another attempt may succeed. Unauthorized means
// the customer's authorization is permanently gone; an expired credential is
// refreshed and retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindCredentialExpired, KindOther:
		return true
	}
	return false
}

// PollError is returned by Client calls that reached the administrator.
type PollError struct {
	Kind ErrorKind
	Err  error
}

func (e *PollError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("administrator error: %s", e.Kind)
	}
	return fmt.Sprintf("administrator error: %s: %v", e.Kind, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// NewPollError builds a PollError.
func NewPollError(kind ErrorKind, err error) *PollError {
	return &PollError{Kind: kind, Err: err}
}

// KindOf returns the ErrorKind carried by err, or KindOther.
func KindOf(err error) ErrorKind {
	var pe *PollError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindOther
}

// KindFromStatus maps an administrator HTTP status to an ErrorKind.
func KindFromStatus(code int) ErrorKind {
	switch code {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusUnauthorized:
		return KindCredentialExpired
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	}
	return KindOther
}
