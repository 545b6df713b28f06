package domain

import (
	"strings"
	"unicode"

	dErrors "consentgrid/pkg/domain-errors"

	"github.com/google/uuid"
)

// maxIDLength bounds opaque identifiers accepted at trust boundaries.
const maxIDLength = 128

// PermissionID identifies a permission request. It is opaque and
// administrator-agnostic; new IDs are UUIDs but any printable token is accepted
// so identifiers minted by other platforms survive round trips.
type PermissionID string

// ConnectionID is the caller-supplied correlation handle for a permission request.
type ConnectionID string

// DataNeedID names the data a permission request asks for.
type DataNeedID string

// ConnectorID names a region connector (for example "fr-enedis" or "sim").
type ConnectorID string

// NewPermissionID mints a fresh permission ID.
func NewPermissionID() PermissionID {
	return PermissionID(uuid.NewString())
}

// ParsePermissionID validates an inbound permission ID.
func ParsePermissionID(s string) (PermissionID, error) {
	v, err := parseOpaque("permission id", s)
	return PermissionID(v), err
}

// ParseConnectionID validates an inbound connection ID.
func ParseConnectionID(s string) (ConnectionID, error) {
	v, err := parseOpaque("connection id", s)
	return ConnectionID(v), err
}

// ParseDataNeedID validates an inbound data need ID.
func ParseDataNeedID(s string) (DataNeedID, error) {
	v, err := parseOpaque("data need id", s)
	return DataNeedID(v), err
}

// ParseConnectorID validates an inbound connector ID. Connector IDs are
// lower-case slugs.
func ParseConnectorID(s string) (ConnectorID, error) {
	v, err := parseOpaque("connector id", s)
	if err != nil {
		return "", err
	}
	for _, r := range v {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
			return "", dErrors.New(dErrors.CodeInvalidInput, "connector id must be a lower-case slug")
		}
	}
	return ConnectorID(v), nil
}

func parseOpaque(kind, s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if len(s) > maxIDLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" is too long")
	}
	for _, r := range s {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return "", dErrors.New(dErrors.CodeInvalidInput, kind+" contains invalid characters")
		}
	}
	return s, nil
}

func (id PermissionID) String() string { return string(id) }
func (id ConnectionID) String() string { return string(id) }
func (id DataNeedID) String() string   { return string(id) }
func (id ConnectorID) String() string  { return string(id) }

// IsNil reports whether the ID is unset.
func (id PermissionID) IsNil() bool { return id == "" }
