// Package status maintains the read model behind status queries and the
// server-sent status stream.
package status

import (
	"time"

	"consentgrid/internal/permission/models"
	id "consentgrid/pkg/domain"
)

// Message is the latest known status of one permission request, in the shape
// pushed to status stream clients and to the document sink.
type Message struct {
	PermissionID id.PermissionID `json:"permissionId"`
	ConnectionID id.ConnectionID `json:"connectionId,omitempty"`
	DataNeedID   id.DataNeedID   `json:"dataNeedId,omitempty"`
	ConnectorID  id.ConnectorID  `json:"connectorId,omitempty"`
	Status       models.Status   `json:"status"`
	Message      string          `json:"message,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	Seq          int64           `json:"-"`
}

// FromEvent builds the message for e, taking correlation fields from view
// when it is available.
func FromEvent(e models.Event, view *models.PermissionRequest) Message {
	msg := Message{
		PermissionID: e.PermissionID,
		ConnectionID: e.Payload.ConnectionID,
		DataNeedID:   e.Payload.DataNeedID,
		ConnectorID:  e.Payload.ConnectorID,
		Status:       e.Status,
		Message:      e.Payload.Reason,
		UpdatedAt:    e.CreatedAt,
		Seq:          e.Seq,
	}
	if view != nil {
		msg.ConnectionID = view.ConnectionID
		msg.DataNeedID = view.DataNeedID
		msg.ConnectorID = view.ConnectorID
	}
	if msg.Message == "" && len(e.Payload.Errors) > 0 {
		msg.Message = e.Payload.Errors[0].Attribute + ": " + e.Payload.Errors[0].Message
	}
	return msg
}
