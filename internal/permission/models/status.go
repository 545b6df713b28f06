package models

import "fmt"

// Status is the lifecycle status of a permission request. The set is closed:
// every stored request carries exactly one of these values.
type Status string

const (
	StatusCreated             Status = "CREATED"
	StatusValidated           Status = "VALIDATED"
	StatusMalformed           Status = "MALFORMED"
	StatusUnableToSend        Status = "UNABLE_TO_SEND"
	StatusSentToAdministrator Status = "SENT_TO_PERMISSION_ADMINISTRATOR"
	StatusAccepted            Status = "ACCEPTED"
	StatusInvalid             Status = "INVALID"
	StatusRejected            Status = "REJECTED"
	StatusTerminated          Status = "TERMINATED"
	StatusRevoked             Status = "REVOKED"
	StatusFulfilled           Status = "FULFILLED"
	StatusTimeLimitReached    Status = "TIME_LIMIT_REACHED"
	StatusTimedOut            Status = "TIMED_OUT"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusCreated,
	StatusValidated,
	StatusMalformed,
	StatusUnableToSend,
	StatusSentToAdministrator,
	StatusAccepted,
	StatusInvalid,
	StatusRejected,
	StatusTerminated,
	StatusRevoked,
	StatusFulfilled,
	StatusTimeLimitReached,
	StatusTimedOut,
}

// lifecycleRank orders the non-terminal statuses along the happy path. The
// state machine uses it to tell "too early" from "too late".
var lifecycleRank = map[Status]int{
	StatusCreated:             0,
	StatusValidated:           1,
	StatusSentToAdministrator: 2,
	StatusAccepted:            3,
	StatusTimeLimitReached:    4,
}

// ParseStatus validates a stored or inbound status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", fmt.Errorf("unknown permission status %q", s)
	}
	return st, nil
}

// IsValid reports whether s is one of the enumerated statuses.
func (s Status) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusMalformed, StatusUnableToSend, StatusInvalid, StatusRejected,
		StatusTerminated, StatusRevoked, StatusFulfilled, StatusTimedOut:
		return true
	}
	return false
}

// Rank returns the lifecycle position of a non-terminal status. Terminal
// statuses rank after every live one.
func (s Status) Rank() int {
	if r, ok := lifecycleRank[s]; ok {
		return r
	}
	return len(lifecycleRank)
}

// HasValidityWindow reports whether a request in s must carry a start date.
func (s Status) HasValidityWindow() bool {
	switch s {
	case StatusCreated, StatusMalformed:
		return false
	}
	return true
}

// NonTerminalStatuses lists statuses a request can still leave.
func NonTerminalStatuses() []Status {
	var out []Status
	for _, s := range AllStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// TerminalStatuses lists statuses no transition can leave.
func TerminalStatuses() []Status {
	var out []Status
	for _, s := range AllStatuses {
		if s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

func (s Status) String() string { return string(s) }
