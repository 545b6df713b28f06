package status

import (
	"context"
	"sync"

	id "consentgrid/pkg/domain"
	"consentgrid/pkg/platform/sentinel"
)

// View stores the newest Message per permission. Put ignores messages older
// than the stored one, so replays and reordering never move a status back.
type View interface {
	Put(ctx context.Context, msg Message) (bool, error)
	Get(ctx context.Context, permissionID id.PermissionID) (Message, error)
}

// InMemoryView is a View for tests and single-process deployments.
type InMemoryView struct {
	mu       sync.RWMutex
	messages map[id.PermissionID]Message
}

// NewInMemoryView constructs an empty view.
func NewInMemoryView() *InMemoryView {
	return &InMemoryView{messages: make(map[id.PermissionID]Message)}
}

func (v *InMemoryView) Put(_ context.Context, msg Message) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.messages[msg.PermissionID]; ok && cur.Seq >= msg.Seq {
		return false, nil
	}
	v.messages[msg.PermissionID] = msg
	return true, nil
}

func (v *InMemoryView) Get(_ context.Context, permissionID id.PermissionID) (Message, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	msg, ok := v.messages[permissionID]
	if !ok {
		return Message{}, sentinel.ErrNotFound
	}
	return msg, nil
}
