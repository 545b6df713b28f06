package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"consentgrid/internal/permission/models"
	"consentgrid/internal/polling"
)

// PollingTrigger starts polls for accepted requests, for staleness retries of
// accepted requests and for retransmissions. Polls run off the bus worker so
// long backoffs do not hold up unrelated permissions; at most a fixed number
// run at once and the bus worker waits when that limit is reached.
type PollingTrigger struct {
	poller Poller
	logger *slog.Logger
	sem    *semaphore.Weighted
	inline bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// TriggerOption configures a PollingTrigger.
type TriggerOption func(*PollingTrigger)

// WithMaxConcurrentPolls bounds background polls.
func WithMaxConcurrentPolls(n int) TriggerOption {
	return func(t *PollingTrigger) {
		if n > 0 {
			t.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithInlinePolls runs polls on the calling goroutine. Tests use it.
func WithInlinePolls() TriggerOption {
	return func(t *PollingTrigger) {
		t.inline = true
	}
}

// WithTriggerLogger sets the logger.
func WithTriggerLogger(logger *slog.Logger) TriggerOption {
	return func(t *PollingTrigger) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func NewPollingTrigger(poller Poller, opts ...TriggerOption) *PollingTrigger {
	ctx, cancel := context.WithCancel(context.Background())
	t := &PollingTrigger{
		poller: poller,
		logger: slog.Default(),
		sem:    semaphore.NewWeighted(16),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *PollingTrigger) Name() string { return "polling-trigger" }

func (t *PollingTrigger) Handle(ctx context.Context, e models.Event) error {
	var run func(ctx context.Context) (polling.Outcome, error)
	switch e.Type {
	case models.EventAccepted, models.EventRetryRequested:
		if e.Status != models.StatusAccepted {
			return nil
		}
		run = func(ctx context.Context) (polling.Outcome, error) {
			return t.poller.Poll(ctx, e.PermissionID)
		}
	case models.EventRetransmissionRequested:
		if e.Payload.From == nil || e.Payload.To == nil {
			return fmt.Errorf("retransmission event %s has no range", e.EventID)
		}
		r := polling.Range{From: *e.Payload.From, To: *e.Payload.To}
		run = func(ctx context.Context) (polling.Outcome, error) {
			return t.poller.PollRange(ctx, e.PermissionID, r)
		}
	default:
		return nil
	}

	if t.inline {
		_, err := t.report(ctx, e, run)
		return err
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.sem.Release(1)
		pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(t.ctx, cancel)
		defer stop()
		_, _ = t.report(pctx, e, run)
	}()
	return nil
}

func (t *PollingTrigger) report(ctx context.Context, e models.Event, run func(ctx context.Context) (polling.Outcome, error)) (polling.Outcome, error) {
	out, err := run(ctx)
	if err != nil {
		t.logger.ErrorContext(ctx, "poll failed",
			"permission_id", string(e.PermissionID),
			"event_type", string(e.Type),
			"error", err,
		)
		return out, err
	}
	t.logger.InfoContext(ctx, "poll finished",
		"permission_id", string(e.PermissionID),
		"event_type", string(e.Type),
		"result", string(out.Result),
		"attempts", out.Attempts,
	)
	return out, nil
}

// Close cancels running polls and waits for them to return.
func (t *PollingTrigger) Close() {
	t.cancel()
	t.wg.Wait()
}
