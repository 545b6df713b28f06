package store

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"consentgrid/internal/permission/models"
	id "consentgrid/pkg/domain"
	dErrors "consentgrid/pkg/domain-errors"
	"consentgrid/pkg/platform/sentinel"
)

// numShards spreads aggregate locks so unrelated permission IDs rarely contend.
const numShards = 128

const defaultTxTimeout = 5 * time.Second

type eventRecord struct {
	event       models.Event
	publishedAt *time.Time
}

// InMemory is a Store for tests and single-process deployments.
type InMemory struct {
	shards  [numShards]sync.Mutex
	timeout time.Duration

	mu       sync.RWMutex
	requests map[id.PermissionID]*models.PermissionRequest
	events   []*eventRecord
	eventIDs map[uuid.UUID]struct{}
	nextSeq  int64
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		timeout:  defaultTxTimeout,
		requests: make(map[id.PermissionID]*models.PermissionRequest),
		eventIDs: make(map[uuid.UUID]struct{}),
	}
}

func (s *InMemory) RunInTx(ctx context.Context, permissionID id.PermissionID, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	shard := &s.shards[shardFor(permissionID)]
	shard.Lock()
	defer shard.Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	tx := &memoryTx{store: s, permissionID: permissionID}
	if err := fn(tx); err != nil {
		return err
	}
	return s.apply(tx)
}

// apply publishes staged writes in one critical section so readers see
// either none or all of them.
func (s *InMemory) apply(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range tx.staged {
		if _, dup := s.eventIDs[e.EventID]; dup {
			return sentinel.ErrAlreadyUsed
		}
	}
	for _, e := range tx.staged {
		s.eventIDs[e.EventID] = struct{}{}
		s.insertEvent(&eventRecord{event: e})
	}
	if tx.view != nil {
		view := tx.view.Clone()
		if n := len(tx.staged); n > 0 {
			view.LastEventSeq = tx.staged[n-1].Seq
			tx.view.LastEventSeq = view.LastEventSeq
		}
		s.requests[view.PermissionID] = view
	}
	return nil
}

// insertEvent keeps the log in Seq order. Seqs are reserved at append time,
// so a transaction that reserved earlier can apply later.
func (s *InMemory) insertEvent(rec *eventRecord) {
	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].event.Seq > rec.event.Seq })
	s.events = append(s.events, nil)
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = rec
}

// reserveSeq hands out the next sequence number. Numbers reserved by a
// transaction that later fails are never reused.
func (s *InMemory) reserveSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	return s.nextSeq
}

func (s *InMemory) FindByID(_ context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[permissionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return req.Clone(), nil
}

func (s *InMemory) ListByStatus(_ context.Context, statuses []models.Status, updatedBefore time.Time, limit int) ([]*models.PermissionRequest, error) {
	want := make(map[models.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	var out []*models.PermissionRequest
	for _, req := range s.requests {
		if want[req.Status] && req.UpdatedAt.Before(updatedBefore) {
			out = append(out, req.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) ListEvents(_ context.Context, permissionID id.PermissionID) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Event
	for _, rec := range s.events {
		if rec.event.PermissionID == permissionID {
			out = append(out, rec.event)
		}
	}
	return out, nil
}

func (s *InMemory) ListUnpublished(_ context.Context, createdBefore time.Time, limit int) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Event
	for _, rec := range s.events {
		if rec.publishedAt != nil || !rec.event.CreatedAt.Before(createdBefore) {
			continue
		}
		out = append(out, rec.event)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemory) MarkPublished(_ context.Context, seq int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.events {
		if rec.event.Seq == seq {
			if rec.publishedAt == nil {
				t := at
				rec.publishedAt = &t
			}
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *InMemory) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := map[id.PermissionID]bool{}
	for pid, req := range s.requests {
		if req.Status.IsTerminal() && req.UpdatedAt.Before(cutoff) {
			removed[pid] = true
			delete(s.requests, pid)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	kept := s.events[:0]
	for _, rec := range s.events {
		if removed[rec.event.PermissionID] {
			delete(s.eventIDs, rec.event.EventID)
			continue
		}
		kept = append(kept, rec)
	}
	s.events = kept
	return len(removed), nil
}

// memoryTx stages writes until RunInTx's callback returns.
type memoryTx struct {
	store        *InMemory
	permissionID id.PermissionID
	staged       []models.Event
	view         *models.PermissionRequest
}

func (t *memoryTx) FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error) {
	if t.view != nil && t.view.PermissionID == permissionID {
		return t.view.Clone(), nil
	}
	return t.store.FindByID(ctx, permissionID)
}

func (t *memoryTx) HasEvent(_ context.Context, eventID uuid.UUID) (bool, error) {
	for _, e := range t.staged {
		if e.EventID == eventID {
			return true, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	_, ok := t.store.eventIDs[eventID]
	return ok, nil
}

func (t *memoryTx) AppendEvent(ctx context.Context, e *models.Event) error {
	if e.PermissionID != t.permissionID {
		return dErrors.New(dErrors.CodeInvariantViolation, "event belongs to another permission request")
	}
	dup, _ := t.HasEvent(ctx, e.EventID)
	if dup {
		return sentinel.ErrAlreadyUsed
	}
	e.Seq = t.store.reserveSeq()
	t.staged = append(t.staged, *e)
	return nil
}

func (t *memoryTx) Save(_ context.Context, req *models.PermissionRequest) error {
	if req.PermissionID != t.permissionID {
		return dErrors.New(dErrors.CodeInvariantViolation, "view belongs to another permission request")
	}
	t.view = req.Clone()
	return nil
}

func shardFor(permissionID id.PermissionID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(permissionID))
	return int(h.Sum32() % numShards)
}
