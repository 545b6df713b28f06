// Package connector describes region connectors: the per-administrator
// settings the engine needs and the contract every administrator client
// implements.
package connector

import (
	"context"
	"time"

	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/statemachine"
	id "consentgrid/pkg/domain"
)

//go:generate mockgen -source=connector.go -destination=mocks/client_mock.go -package=mocks Client

// Descriptor is the static configuration of one connector.
type Descriptor struct {
	ID      id.ConnectorID `yaml:"id"`
	Country string         `yaml:"country"`
	// MaxSpanDays bounds the range of a single data request. Zero means no limit.
	MaxSpanDays int                    `yaml:"max_span_days"`
	Overrides   statemachine.Overrides `yaml:"overrides"`
	// NoAcknowledgement applies the no-ack override on top of Overrides.
	NoAcknowledgement bool `yaml:"no_acknowledgement"`
	// AutoAccept means the administrator decides synchronously, so the
	// decision is fetched right after the request is sent.
	AutoAccept bool            `yaml:"auto_accept"`
	TimeZone   string          `yaml:"time_zone"`
	Schemas    []SchemaVersion `yaml:"schemas"`
}

// Location resolves TimeZone, defaulting to UTC.
func (d Descriptor) Location() *time.Location {
	if d.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Outcome is an administrator's answer to a permission request.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeInvalid  Outcome = "invalid"
)

// Operation maps a final outcome to the lifecycle operation it triggers.
func (o Outcome) Operation() (models.Operation, bool) {
	switch o {
	case OutcomeAccepted:
		return models.OpAccept, true
	case OutcomeRejected:
		return models.OpReject, true
	case OutcomeInvalid:
		return models.OpInvalid, true
	}
	return "", false
}

// Decision is what FetchDecision reports.
type Decision struct {
	Outcome Outcome
	Reason  string
}

// Reading is one metered value.
type Reading struct {
	MeteringPointID string    `json:"meteringPointId"`
	Start           time.Time `json:"start"`
	Value           float64   `json:"value"`
	Unit            string    `json:"unit"`
}

// Payload is the data returned for one requested range.
type Payload struct {
	Readings []Reading `json:"readings"`
}

// Merge appends other's readings, keeping one logical response.
func (p Payload) Merge(other Payload) Payload {
	p.Readings = append(p.Readings, other.Readings...)
	return p
}

// Client talks to one administrator.
type Client interface {
	// SendRequest forwards a validated permission request.
	SendRequest(ctx context.Context, req *models.PermissionRequest) error
	// FetchDecision asks whether the administrator has decided.
	FetchDecision(ctx context.Context, req *models.PermissionRequest) (Decision, error)
	// PollData fetches readings in [from, to). Failures are *PollError.
	PollData(ctx context.Context, req *models.PermissionRequest, from, to time.Time) (Payload, error)
}
