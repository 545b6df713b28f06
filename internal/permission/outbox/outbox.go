// Package outbox is the single write path for permission requests. It appends
// the event, folds it into the stored view and commits both in one
// transaction, then hands the event to the bus. Events stay unpublished until
// delivery is confirmed and Recover replays whatever is left.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"consentgrid/internal/permission/metrics"
	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/store"
	id "consentgrid/pkg/domain"
	dErrors "consentgrid/pkg/domain-errors"
	"consentgrid/pkg/platform/sentinel"
	"consentgrid/pkg/requestcontext"
)

// ErrSkip tells CommitWith that the decider found nothing to commit.
var ErrSkip = errors.New("outbox: nothing to commit")

const recoverBatchSize = 500

// Publisher is the bus side of the outbox.
type Publisher interface {
	Emit(ctx context.Context, e models.Event) error
}

// Decide builds the event to commit from the current view, which is nil when
// the request does not exist yet. It runs under the aggregate lock.
type Decide func(current *models.PermissionRequest) (models.Event, error)

// Outbox commits events and publishes them after commit.
type Outbox struct {
	store     store.Store
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	deferAck  bool
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Outbox) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Outbox) {
		o.metrics = m
	}
}

// WithDeliveryAcknowledgement leaves events unpublished after Emit. The
// publisher confirms delivery by calling Acknowledge once every handler ran.
func WithDeliveryAcknowledgement() Option {
	return func(o *Outbox) {
		o.deferAck = true
	}
}

// New constructs an Outbox over st publishing to pub.
func New(st store.Store, pub Publisher, opts ...Option) *Outbox {
	o := &Outbox{
		store:     st,
		publisher: pub,
		logger:    slog.Default(),
		tracer:    otel.Tracer("consentgrid/outbox"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Commit persists e and publishes it. Committing an EventID that is already
// in the log is a no-op.
func (o *Outbox) Commit(ctx context.Context, e models.Event) (models.Event, error) {
	return o.CommitWith(ctx, e.PermissionID, func(*models.PermissionRequest) (models.Event, error) {
		return e, nil
	})
}

// CommitWith loads the current view under the aggregate lock, asks decide
// for the event, and commits it. When decide returns ErrSkip nothing is
// written and ErrSkip is returned.
func (o *Outbox) CommitWith(ctx context.Context, permissionID id.PermissionID, decide Decide) (models.Event, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.Commit",
		trace.WithAttributes(attribute.String("permission_id", string(permissionID))))
	defer span.End()

	start := time.Now()
	var (
		committed models.Event
		duplicate bool
	)
	err := o.store.RunInTx(ctx, permissionID, func(tx store.Tx) error {
		current, err := tx.FindByID(ctx, permissionID)
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return fmt.Errorf("load permission request: %w", err)
		}

		e, err := decide(current)
		if err != nil {
			return err
		}
		if e.PermissionID != permissionID {
			return dErrors.New(dErrors.CodeInvariantViolation, "event permission id does not match the locked aggregate")
		}
		if e.EventID == uuid.Nil {
			e.EventID = uuid.New()
		}
		if err := e.Validate(); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInvariantViolation, "invalid event")
		}

		if seen, err := tx.HasEvent(ctx, e.EventID); err != nil {
			return err
		} else if seen {
			duplicate = true
			committed = e
			return nil
		}

		if current == nil && e.Type != models.EventCreated {
			return dErrors.New(dErrors.CodeNotFound, "permission request not found")
		}
		next, err := models.Apply(current, e)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInvariantViolation, "apply event")
		}
		if err := tx.AppendEvent(ctx, &e); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				duplicate = true
				committed = e
				return nil
			}
			return fmt.Errorf("append event: %w", err)
		}
		next.LastEventSeq = e.Seq
		if err := tx.Save(ctx, next); err != nil {
			return fmt.Errorf("save permission request: %w", err)
		}
		committed = e
		return nil
	})
	o.metrics.ObserveCommit(start)
	if err != nil {
		if !errors.Is(err, ErrSkip) {
			o.metrics.IncrementCommitFailure()
			span.RecordError(err)
			span.SetStatus(codes.Error, "commit failed")
		}
		return models.Event{}, err
	}

	span.SetAttributes(attribute.String("event_type", string(committed.Type)))
	if duplicate {
		o.logger.DebugContext(ctx, "event already committed",
			"permission_id", string(permissionID),
			"event_id", committed.EventID.String(),
		)
		return committed, nil
	}
	o.metrics.IncrementCommit(string(committed.Type))
	o.publish(ctx, committed)
	return committed, nil
}

// publish runs after commit. A failure here is logged, never returned: the
// event is durable and Recover will replay it.
func (o *Outbox) publish(ctx context.Context, e models.Event) {
	if err := o.publisher.Emit(ctx, e); err != nil {
		o.metrics.IncrementPublishFailure()
		o.logger.WarnContext(ctx, "event committed but not published",
			"permission_id", string(e.PermissionID),
			"event_type", string(e.Type),
			"seq", e.Seq,
			"error", err,
		)
		return
	}
	if !o.deferAck {
		o.markPublished(ctx, e)
	}
}

// Acknowledge records the outcome of delivering e. A failed delivery leaves
// the event unpublished so Recover hands it to the bus again.
func (o *Outbox) Acknowledge(ctx context.Context, e models.Event, err error) {
	if err != nil {
		o.logger.WarnContext(ctx, "event delivery incomplete, left for recovery",
			"permission_id", string(e.PermissionID),
			"event_type", string(e.Type),
			"seq", e.Seq,
			"error", err,
		)
		return
	}
	o.markPublished(ctx, e)
}

func (o *Outbox) markPublished(ctx context.Context, e models.Event) {
	if err := o.store.MarkPublished(ctx, e.Seq, requestcontext.Now(ctx)); err != nil {
		o.logger.WarnContext(ctx, "failed to mark event published",
			"permission_id", string(e.PermissionID),
			"seq", e.Seq,
			"error", err,
		)
	}
}

// Recover replays events that were committed but never published and are
// older than grace. It returns the number of events handed to the bus. With
// deferred acknowledgement an event still queued past grace is handed over
// again; handlers are idempotent.
func (o *Outbox) Recover(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := requestcontext.Now(ctx).Add(-grace)
	pending, err := o.store.ListUnpublished(ctx, cutoff, recoverBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unpublished events: %w", err)
	}
	replayed := 0
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := o.publisher.Emit(ctx, e); err != nil {
			o.logger.WarnContext(ctx, "recovery publish failed",
				"permission_id", string(e.PermissionID),
				"seq", e.Seq,
				"error", err,
			)
			continue
		}
		if !o.deferAck {
			if err := o.store.MarkPublished(ctx, e.Seq, requestcontext.Now(ctx)); err != nil {
				return replayed, fmt.Errorf("mark event published: %w", err)
			}
		}
		replayed++
	}
	if replayed > 0 {
		o.metrics.AddRecovered(replayed)
		o.logger.InfoContext(ctx, "replayed unpublished events", "count", replayed)
	}
	return replayed, nil
}
