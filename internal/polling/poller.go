package polling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"consentgrid/internal/connector"
	"consentgrid/internal/permission/metrics"
	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/outbox"
	"consentgrid/internal/permission/statemachine"
	id "consentgrid/pkg/domain"
	"consentgrid/pkg/platform/sentinel"
	"consentgrid/pkg/requestcontext"
)

// Result is the outcome of one Poll.
type Result string

const (
	ResultSuccess     Result = "success"
	ResultNothingOwed Result = "nothing_owed"
	ResultSuperseded  Result = "superseded"
	ResultRevoked     Result = "revoked"
	ResultFailure     Result = "failure"
)

// Outcome describes what a Poll did.
type Outcome struct {
	PermissionID id.PermissionID
	Result       Result
	Attempts     int
	Ranges       []Range
	Err          error
}

// RequestReader loads the current view of a request.
type RequestReader interface {
	FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
}

// Connectors resolves the settings and client of a connector.
type Connectors interface {
	Descriptor(connectorID id.ConnectorID) (connector.Descriptor, error)
	Client(connectorID id.ConnectorID) (connector.Client, error)
	Machine(connectorID id.ConnectorID) (*statemachine.Machine, error)
}

// Committer is the outbox surface the poller writes through.
type Committer interface {
	CommitWith(ctx context.Context, permissionID id.PermissionID, decide outbox.Decide) (models.Event, error)
	Transition(ctx context.Context, permissionID id.PermissionID, machines outbox.MachineFor, op models.Operation, payload models.Payload) (models.Event, error)
}

// DataSink receives the merged data for one fetched range.
type DataSink interface {
	Deliver(ctx context.Context, req *models.PermissionRequest, r Range, payload connector.Payload) error
}

// Poller fetches owed data for accepted permission requests.
type Poller struct {
	requests    RequestReader
	connectors  Connectors
	outbox      Committer
	sink        DataSink
	policy      Policy
	sleep       Sleeper
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer

	inflightMu sync.Mutex
	inflight   map[id.PermissionID]chan struct{}
}

// Option configures a Poller.
type Option func(*Poller)

// WithPolicy sets the retry policy.
func WithPolicy(p Policy) Option {
	return func(pl *Poller) {
		pl.policy = p
	}
}

// WithSleeper replaces the wait between retries.
func WithSleeper(s Sleeper) Option {
	return func(pl *Poller) {
		if s != nil {
			pl.sleep = s
		}
	}
}

// WithConcurrency bounds parallel polls in PollAll.
func WithConcurrency(n int) Option {
	return func(pl *Poller) {
		if n > 0 {
			pl.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(pl *Poller) {
		if logger != nil {
			pl.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(pl *Poller) {
		pl.metrics = m
	}
}

// New constructs a Poller.
func New(requests RequestReader, connectors Connectors, committer Committer, sink DataSink, opts ...Option) (*Poller, error) {
	if requests == nil {
		return nil, errors.New("request reader is required")
	}
	if connectors == nil {
		return nil, errors.New("connectors are required")
	}
	if committer == nil {
		return nil, errors.New("outbox is required")
	}
	if sink == nil {
		return nil, errors.New("data sink is required")
	}
	p := &Poller{
		requests:    requests,
		connectors:  connectors,
		outbox:      committer,
		sink:        sink,
		policy:      DefaultPolicy(),
		sleep:       ContextSleeper,
		concurrency: 8,
		logger:      slog.Default(),
		tracer:      otel.Tracer("consentgrid/polling"),
		inflight:    make(map[id.PermissionID]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Poll fetches everything owed for permissionID and records the result: a
// data_received event on success, a revoked event when the administrator
// permanently refuses. Exhausted retries record nothing; the staleness sweep
// tries again later.
func (p *Poller) Poll(ctx context.Context, permissionID id.PermissionID) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "polling.Poll",
		trace.WithAttributes(attribute.String("permission_id", string(permissionID))))
	defer span.End()

	out := Outcome{PermissionID: permissionID}
	if !p.acquire(permissionID) {
		// Another poll for this request is running; it covers the same range.
		out.Result = ResultSuperseded
		return out, nil
	}
	defer p.release(permissionID)

	req, err := p.requests.FindByID(ctx, permissionID)
	if err != nil {
		return out, fmt.Errorf("load permission request: %w", err)
	}
	if req.Status != models.StatusAccepted {
		out.Result = ResultSuperseded
		return out, nil
	}
	owed, ok := OwedRange(req, requestcontext.Now(ctx))
	if !ok {
		out.Result = ResultNothingOwed
		return out, nil
	}

	out, err = p.fetch(ctx, req, owed, acceptedOnly, &out)
	span.SetAttributes(attribute.String("result", string(out.Result)))
	p.metrics.IncrementPollOutcome(string(req.ConnectorID), string(out.Result))
	if err != nil || out.Result != ResultSuccess {
		return out, err
	}

	_, err = p.outbox.CommitWith(ctx, permissionID, func(current *models.PermissionRequest) (models.Event, error) {
		if current == nil || current.Status != models.StatusAccepted {
			return models.Event{}, outbox.ErrSkip
		}
		from, to := owed.From, owed.To
		return models.NewEvent(permissionID, models.EventDataReceived, current.Status, requestcontext.Now(ctx), models.Payload{
			Watermark: &to,
			From:      &from,
			To:        &to,
		}), nil
	})
	if errors.Is(err, outbox.ErrSkip) {
		out.Result = ResultSuperseded
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("commit data received: %w", err)
	}
	return out, nil
}

// PollRange fetches [r.From, r.To) and hands it to the sink without moving
// the watermark. Retransmissions use it. A poll already running for the same
// request is waited for rather than skipped, so a retransmission is never lost.
func (p *Poller) PollRange(ctx context.Context, permissionID id.PermissionID, r Range) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "polling.PollRange",
		trace.WithAttributes(
			attribute.String("permission_id", string(permissionID)),
			attribute.String("from", r.From.Format(time.DateOnly)),
			attribute.String("to", r.To.Format(time.DateOnly)),
		))
	defer span.End()

	out := Outcome{PermissionID: permissionID}
	if err := p.acquireWait(ctx, permissionID); err != nil {
		out.Result = ResultFailure
		return out, fmt.Errorf("wait for running poll: %w", err)
	}
	defer p.release(permissionID)

	req, err := p.requests.FindByID(ctx, permissionID)
	if err != nil {
		return out, fmt.Errorf("load permission request: %w", err)
	}
	out, err = p.fetch(ctx, req, r, retransmittable, &out)
	span.SetAttributes(attribute.String("result", string(out.Result)))
	p.metrics.IncrementPollOutcome(string(req.ConnectorID), string(out.Result))
	return out, err
}

// activeFunc decides from a fresh read whether fetching should go on.
type activeFunc func(status models.Status) bool

func acceptedOnly(s models.Status) bool { return s == models.StatusAccepted }

func retransmittable(s models.Status) bool {
	return s == models.StatusAccepted || s == models.StatusFulfilled
}

// fetch requests each sub-range with retries and delivers the merged payload.
// The request is re-read before every attempt.
func (p *Poller) fetch(ctx context.Context, req *models.PermissionRequest, owed Range, active activeFunc, out *Outcome) (Outcome, error) {
	desc, err := p.connectors.Descriptor(req.ConnectorID)
	if err != nil {
		return *out, err
	}
	client, err := p.connectors.Client(req.ConnectorID)
	if err != nil {
		return *out, err
	}

	out.Ranges = Partition(owed.From, owed.To, desc.MaxSpanDays)
	var merged connector.Payload
	for _, r := range out.Ranges {
		attempts, err := Retry(ctx, p.policy, p.sleep, func(ctx context.Context, attempt int) error {
			if err := p.stillActive(ctx, req.PermissionID, active); err != nil {
				return err
			}
			payload, err := client.PollData(ctx, req, r.From, r.To)
			if err != nil {
				p.metrics.IncrementPollAttempt(string(req.ConnectorID), string(connector.KindOf(err)))
				p.logger.WarnContext(ctx, "administrator data request failed",
					"permission_id", string(req.PermissionID),
					"connector_id", string(req.ConnectorID),
					"from", r.From,
					"to", r.To,
					"attempt", attempt,
					"error", err,
				)
				return err
			}
			p.metrics.IncrementPollAttempt(string(req.ConnectorID), "none")
			merged = merged.Merge(payload)
			return nil
		})
		out.Attempts += attempts
		if err == nil {
			continue
		}
		out.Err = err
		switch {
		case errors.Is(err, errSuperseded):
			out.Result = ResultSuperseded
			return *out, nil
		case IsPermanent(err):
			return p.revoke(ctx, req, out, err)
		case errors.Is(err, ErrExhausted):
			out.Result = ResultFailure
			return *out, nil
		default:
			out.Result = ResultFailure
			return *out, err
		}
	}

	if err := p.sink.Deliver(ctx, req, owed, merged); err != nil {
		out.Result = ResultFailure
		out.Err = err
		return *out, fmt.Errorf("deliver data: %w", err)
	}
	out.Result = ResultSuccess
	return *out, nil
}

// stillActive re-reads the request so a retry loop never outlives a
// termination or revocation.
func (p *Poller) stillActive(ctx context.Context, permissionID id.PermissionID, active activeFunc) error {
	current, err := p.requests.FindByID(ctx, permissionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return errSuperseded
	}
	if err != nil {
		return fmt.Errorf("reload permission request: %w", err)
	}
	if !active(current.Status) {
		return errSuperseded
	}
	return nil
}

func (p *Poller) revoke(ctx context.Context, req *models.PermissionRequest, out *Outcome, cause error) (Outcome, error) {
	_, err := p.outbox.Transition(ctx, req.PermissionID, p.connectors.Machine, models.OpRevoke, models.Payload{
		Reason: cause.Error(),
	})
	if err != nil {
		if errors.Is(err, statemachine.ErrPastState) {
			out.Result = ResultSuperseded
			return *out, nil
		}
		out.Result = ResultFailure
		return *out, fmt.Errorf("revoke after permanent refusal: %w", err)
	}
	p.logger.InfoContext(ctx, "permission revoked after administrator refusal",
		"permission_id", string(req.PermissionID),
		"kind", string(connector.KindOf(cause)),
	)
	out.Result = ResultRevoked
	return *out, nil
}

// PollAll polls many requests with bounded parallelism. A failure for one
// request does not stop the others; outcomes keep the input order.
func (p *Poller) PollAll(ctx context.Context, permissionIDs []id.PermissionID) []Outcome {
	outcomes := make([]Outcome, len(permissionIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, pid := range permissionIDs {
		g.Go(func() error {
			out, err := p.Poll(gctx, pid)
			if err != nil {
				out.Err = err
				if out.Result == "" {
					out.Result = ResultFailure
				}
				p.logger.ErrorContext(gctx, "poll failed",
					"permission_id", string(pid),
					"error", err,
				)
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (p *Poller) acquire(pid id.PermissionID) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, busy := p.inflight[pid]; busy {
		return false
	}
	p.inflight[pid] = make(chan struct{})
	return true
}

// acquireWait blocks until no other poll runs for pid.
func (p *Poller) acquireWait(ctx context.Context, pid id.PermissionID) error {
	for {
		p.inflightMu.Lock()
		done, busy := p.inflight[pid]
		if !busy {
			p.inflight[pid] = make(chan struct{})
			p.inflightMu.Unlock()
			return nil
		}
		p.inflightMu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Poller) release(pid id.PermissionID) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if done, ok := p.inflight[pid]; ok {
		close(done)
		delete(p.inflight, pid)
	}
}
