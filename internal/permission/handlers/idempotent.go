// Package handlers holds the reactions to permission events: forwarding
// requests to administrators, triggering polls, fulfilling complete requests
// and exporting documents. Every handler is safe to run twice for the same
// event when wrapped with Idempotent.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"consentgrid/internal/permission/eventbus"
	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/outbox"
	"consentgrid/internal/permission/statemachine"
)

// ProcessedTracker remembers which (handler, event) pairs already ran.
type ProcessedTracker interface {
	// Claim reports true when the pair was not claimed before.
	Claim(ctx context.Context, handler string, eventID uuid.UUID) (bool, error)
	// Release forgets the pair so a redelivery runs the handler again.
	Release(ctx context.Context, handler string, eventID uuid.UUID) error
}

type idempotent struct {
	tracker ProcessedTracker
	next    eventbus.Handler
	logger  *slog.Logger
}

// Idempotent wraps h so each event is handled at most once per handler name.
// A failed run releases its claim.
func Idempotent(tracker ProcessedTracker, h eventbus.Handler, logger *slog.Logger) eventbus.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &idempotent{tracker: tracker, next: h, logger: logger}
}

func (i *idempotent) Name() string { return i.next.Name() }

func (i *idempotent) Handle(ctx context.Context, e models.Event) error {
	claimed, err := i.tracker.Claim(ctx, i.next.Name(), e.EventID)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		i.logger.DebugContext(ctx, "event already processed",
			"handler", i.next.Name(),
			"event_id", e.EventID.String(),
		)
		return nil
	}
	if err := i.next.Handle(ctx, e); err != nil {
		if rerr := i.tracker.Release(context.WithoutCancel(ctx), i.next.Name(), e.EventID); rerr != nil {
			i.logger.ErrorContext(ctx, "failed to release processed marker",
				"handler", i.next.Name(),
				"event_id", e.EventID.String(),
				"error", rerr,
			)
		}
		return err
	}
	return nil
}

// MemoryTracker is a process-local ProcessedTracker.
type MemoryTracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]struct{})}
}

func (t *MemoryTracker) Claim(_ context.Context, handler string, eventID uuid.UUID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := trackerKey(handler, eventID)
	if _, ok := t.seen[key]; ok {
		return false, nil
	}
	t.seen[key] = struct{}{}
	return true, nil
}

func (t *MemoryTracker) Release(_ context.Context, handler string, eventID uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, trackerKey(handler, eventID))
	return nil
}

func trackerKey(handler string, eventID uuid.UUID) string {
	return handler + ":" + eventID.String()
}

// settle treats a lost race as done: another writer already moved the
// request past the point this handler cares about.
func settle(err error) error {
	if err == nil || errors.Is(err, outbox.ErrSkip) || errors.Is(err, statemachine.ErrPastState) {
		return nil
	}
	return err
}
