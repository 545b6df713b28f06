package models

import (
	"time"

	id "consentgrid/pkg/domain"
)

// Granularity is the resolution of requested metered data, as ISO-8601 durations.
type Granularity string

const (
	GranularityPT15M Granularity = "PT15M"
	GranularityPT30M Granularity = "PT30M"
	GranularityPT1H  Granularity = "PT1H"
	GranularityP1D   Granularity = "P1D"
)

// IsValid reports whether g is a supported granularity.
func (g Granularity) IsValid() bool {
	switch g {
	case GranularityPT15M, GranularityPT30M, GranularityPT1H, GranularityP1D:
		return true
	}
	return false
}

// AttributeError is a structured validation failure attached to a Malformed request.
type AttributeError struct {
	Attribute string `json:"attribute"`
	Message   string `json:"message"`
}

// PermissionRequest is the materialized view of one permission workflow. It is
// written only by the outbox, as the fold of the request's events.
type PermissionRequest struct {
	PermissionID    id.PermissionID
	ConnectionID    id.ConnectionID
	DataNeedID      id.DataNeedID
	ConnectorID     id.ConnectorID
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Start           *time.Time
	End             *time.Time
	Watermark       *time.Time
	MeteringPointID string
	Granularity     Granularity
	Reason          string
	Errors          []AttributeError
	LastEventSeq    int64
}

// Clone returns a deep copy so callers never share pointers with a store.
func (r *PermissionRequest) Clone() *PermissionRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Start = cloneTime(r.Start)
	c.End = cloneTime(r.End)
	c.Watermark = cloneTime(r.Watermark)
	if r.Errors != nil {
		c.Errors = append([]AttributeError(nil), r.Errors...)
	}
	return &c
}

// ReadFrom returns the instant data is owed from: the watermark, or the start
// of the validity window when nothing has been read yet.
func (r *PermissionRequest) ReadFrom() (time.Time, bool) {
	if r.Watermark != nil {
		return *r.Watermark, true
	}
	if r.Start != nil {
		return *r.Start, true
	}
	return time.Time{}, false
}

// IsComplete reports whether all data of a bounded window has been read.
func (r *PermissionRequest) IsComplete() bool {
	if r.End == nil || r.Watermark == nil {
		return false
	}
	return !r.Watermark.Before(*r.End)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
