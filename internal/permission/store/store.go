// Package store persists permission requests and their event log. Every
// mutation happens inside RunInTx, which serializes writers per permission ID.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"consentgrid/internal/permission/models"
	id "consentgrid/pkg/domain"
)

// Store is the read side plus the transactional write boundary. Reads are
// snapshot reads and never wait on writers.
type Store interface {
	// RunInTx runs fn while holding the write lock for permissionID. Changes
	// staged through Tx become visible atomically when fn returns nil and are
	// discarded otherwise.
	RunInTx(ctx context.Context, permissionID id.PermissionID, fn func(tx Tx) error) error

	FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
	// ListByStatus returns requests in any of statuses last updated before
	// updatedBefore, oldest first. A limit <= 0 means no limit.
	ListByStatus(ctx context.Context, statuses []models.Status, updatedBefore time.Time, limit int) ([]*models.PermissionRequest, error)
	ListEvents(ctx context.Context, permissionID id.PermissionID) ([]models.Event, error)
	// ListUnpublished returns events never marked published that were
	// created before createdBefore, in Seq order.
	ListUnpublished(ctx context.Context, createdBefore time.Time, limit int) ([]models.Event, error)
	MarkPublished(ctx context.Context, seq int64, at time.Time) error
	// DeleteTerminalBefore removes terminal requests, and their events, last
	// updated before cutoff. It returns the number of requests removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Tx is the write surface available inside RunInTx.
type Tx interface {
	FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
	HasEvent(ctx context.Context, eventID uuid.UUID) (bool, error)
	// AppendEvent stores e. e.Seq is assigned no later than the commit, and
	// the saved view's LastEventSeq follows it. A duplicate EventID fails with
	// sentinel.ErrAlreadyUsed.
	AppendEvent(ctx context.Context, e *models.Event) error
	Save(ctx context.Context, req *models.PermissionRequest) error
}
