package polling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"consentgrid/internal/permission/models"
	id "consentgrid/pkg/domain"
	"consentgrid/pkg/platform/sentinel"
	"consentgrid/pkg/requestcontext"
)

// RetransmitResult classifies a retransmission request.
type RetransmitResult string

const (
	RetransmitSuccess                  RetransmitResult = "success"
	RetransmitPermissionNotFound       RetransmitResult = "permission_request_not_found"
	RetransmitNoActivePermission       RetransmitResult = "no_active_permission"
	RetransmitNoPermissionForTimeFrame RetransmitResult = "no_permission_for_time_frame"
	RetransmitNotSupported             RetransmitResult = "not_supported"
	RetransmitFailed                   RetransmitResult = "failed"
)

// RetransmitOutcome is returned to the caller asking for a retransmission.
type RetransmitOutcome struct {
	PermissionID id.PermissionID  `json:"permissionId"`
	Result       RetransmitResult `json:"result"`
	Reason       string           `json:"reason,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// ValidateRetransmission checks whether [from, to) may be sent again for
// req. req is nil when the request does not exist. loc is the connector's
// time zone, which defines "today".
func ValidateRetransmission(req *models.PermissionRequest, permissionID id.PermissionID, from, to, now time.Time, loc *time.Location) RetransmitOutcome {
	out := RetransmitOutcome{PermissionID: permissionID, Timestamp: now}
	switch {
	case req == nil:
		out.Result = RetransmitPermissionNotFound
	case req.Status != models.StatusAccepted && req.Status != models.StatusFulfilled:
		out.Result = RetransmitNoActivePermission
	case !from.Before(to):
		out.Result = RetransmitNotSupported
		out.Reason = "Retransmission from date needs to be before to date"
	case req.Start == nil || from.Before(*req.Start) || (req.End != nil && to.After(*req.End)):
		out.Result = RetransmitNoPermissionForTimeFrame
	case to.After(startOfDay(now, loc)):
		out.Result = RetransmitNotSupported
		out.Reason = "Retransmission to date needs to be before today"
	default:
		out.Result = RetransmitSuccess
	}
	return out
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// CheckRetransmission loads the request and validates [from, to) against it.
// The caller records the retransmission; PollRange performs it.
func (p *Poller) CheckRetransmission(ctx context.Context, permissionID id.PermissionID, from, to time.Time) (RetransmitOutcome, error) {
	req, err := p.requests.FindByID(ctx, permissionID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return RetransmitOutcome{}, fmt.Errorf("load permission request: %w", err)
	}
	loc := time.UTC
	if req != nil {
		if desc, err := p.connectors.Descriptor(req.ConnectorID); err == nil {
			loc = desc.Location()
		}
	}
	return ValidateRetransmission(req, permissionID, from, to, requestcontext.Now(ctx), loc), nil
}
