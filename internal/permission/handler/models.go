package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/service"
	"consentgrid/internal/permission/status"
	id "consentgrid/pkg/domain"
)

type createRequest struct {
	ConnectionID    string     `json:"connectionId"`
	DataNeedID      string     `json:"dataNeedId"`
	ConnectorID     string     `json:"connectorId"`
	MeteringPointID string     `json:"meteringPointId"`
	Granularity     string     `json:"granularity"`
	Start           *time.Time `json:"start"`
	End             *time.Time `json:"end"`
}

func (c createRequest) toService() service.CreateRequest {
	return service.CreateRequest{
		ConnectionID:    id.ConnectionID(c.ConnectionID),
		DataNeedID:      id.DataNeedID(c.DataNeedID),
		ConnectorID:     id.ConnectorID(c.ConnectorID),
		MeteringPointID: c.MeteringPointID,
		Granularity:     models.Granularity(c.Granularity),
		Start:           c.Start,
		End:             c.End,
	}
}

type createdResponse struct {
	PermissionID id.PermissionID `json:"permissionId"`
	AccessToken  string          `json:"accessToken"`
	Status       models.Status   `json:"status"`
}

type malformedResponse struct {
	Error        string                  `json:"error"`
	PermissionID id.PermissionID         `json:"permissionId"`
	Errors       []models.AttributeError `json:"errors"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type retransmitRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type statusResponse struct {
	PermissionID id.PermissionID `json:"permissionId"`
	Status       models.Status   `json:"status"`
}

type permissionResponse struct {
	PermissionID    id.PermissionID         `json:"permissionId"`
	ConnectionID    id.ConnectionID         `json:"connectionId"`
	DataNeedID      id.DataNeedID           `json:"dataNeedId"`
	ConnectorID     id.ConnectorID          `json:"connectorId"`
	Status          models.Status           `json:"status"`
	MeteringPointID string                  `json:"meteringPointId,omitempty"`
	Granularity     models.Granularity      `json:"granularity,omitempty"`
	Start           *time.Time              `json:"start,omitempty"`
	End             *time.Time              `json:"end,omitempty"`
	Watermark       *time.Time              `json:"watermark,omitempty"`
	Reason          string                  `json:"reason,omitempty"`
	Errors          []models.AttributeError `json:"errors,omitempty"`
	CreatedAt       time.Time               `json:"createdAt"`
	UpdatedAt       time.Time               `json:"updatedAt"`
}

func toPermissionResponse(r *models.PermissionRequest) permissionResponse {
	return permissionResponse{
		PermissionID:    r.PermissionID,
		ConnectionID:    r.ConnectionID,
		DataNeedID:      r.DataNeedID,
		ConnectorID:     r.ConnectorID,
		Status:          r.Status,
		MeteringPointID: r.MeteringPointID,
		Granularity:     r.Granularity,
		Start:           r.Start,
		End:             r.End,
		Watermark:       r.Watermark,
		Reason:          r.Reason,
		Errors:          r.Errors,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type eventResponse struct {
	Seq       int64            `json:"seq"`
	EventID   string           `json:"eventId"`
	Type      models.EventType `json:"type"`
	Status    models.Status    `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	Payload   models.Payload   `json:"payload"`
}

func toEventResponse(e models.Event) eventResponse {
	return eventResponse{
		Seq:       e.Seq,
		EventID:   e.EventID.String(),
		Type:      e.Type,
		Status:    e.Status,
		CreatedAt: e.CreatedAt,
		Payload:   e.Payload,
	}
}

// writeEvent writes msg as one server-sent event named "status".
func writeEvent(w io.Writer, msg status.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\nid: %s\ndata: %s\n\n", msg.PermissionID, body)
	return err
}
