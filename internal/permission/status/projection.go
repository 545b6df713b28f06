package status

import (
	"context"
	"errors"
	"fmt"

	"consentgrid/internal/permission/models"
	id "consentgrid/pkg/domain"
	"consentgrid/pkg/platform/sentinel"
)

// RequestReader is the slice of the permission store the projection reads.
type RequestReader interface {
	FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
}

// Projection keeps the View current and feeds the Broadcaster. It subscribes
// to every event type.
type Projection struct {
	requests    RequestReader
	view        View
	broadcaster *Broadcaster
}

// NewProjection constructs the status projection handler.
func NewProjection(requests RequestReader, view View, broadcaster *Broadcaster) *Projection {
	return &Projection{requests: requests, view: view, broadcaster: broadcaster}
}

func (p *Projection) Name() string { return "status-projection" }

func (p *Projection) Handle(ctx context.Context, e models.Event) error {
	view, err := p.requests.FindByID(ctx, e.PermissionID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return fmt.Errorf("load permission request: %w", err)
	}
	msg := FromEvent(e, view)
	stored, err := p.view.Put(ctx, msg)
	if err != nil {
		return err
	}
	if stored && p.broadcaster != nil {
		p.broadcaster.Publish(msg)
	}
	return nil
}
