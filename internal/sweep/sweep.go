// Package sweep holds the periodic passes that keep permission requests
// moving when no event arrives: stale requests are nudged, administrators
// that never answer run into the time limit, finished requests are fulfilled
// and expired terminal requests are deleted.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"consentgrid/internal/permission/metrics"
	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/outbox"
	"consentgrid/internal/permission/statemachine"
	id "consentgrid/pkg/domain"
	"consentgrid/pkg/requestcontext"
)

// Requests is the read and cleanup side of the permission store.
type Requests interface {
	ListByStatus(ctx context.Context, statuses []models.Status, updatedBefore time.Time, limit int) ([]*models.PermissionRequest, error)
	ListEvents(ctx context.Context, permissionID id.PermissionID) ([]models.Event, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Committer is the outbox.
type Committer interface {
	CommitWith(ctx context.Context, permissionID id.PermissionID, decide outbox.Decide) (models.Event, error)
	Transition(ctx context.Context, permissionID id.PermissionID, machines outbox.MachineFor, op models.Operation, payload models.Payload) (models.Event, error)
	Recover(ctx context.Context, grace time.Duration) (int, error)
}

// Validator finishes the validation of a request left in CREATED.
type Validator interface {
	ValidateCreated(ctx context.Context, permissionID id.PermissionID) (models.Status, error)
}

// Config holds the sweep thresholds.
type Config struct {
	StaleAfter           time.Duration
	AdminResponseTimeout time.Duration
	// DataDeadline is how long after End an accepted request may wait for
	// its remaining data before it runs into the time limit.
	DataDeadline time.Duration
	Retention    time.Duration
	RecoverGrace time.Duration
	BatchSize    int
}

// retryStatuses have a handler subscribed to retry_requested.
var retryStatuses = []models.Status{
	models.StatusValidated,
	models.StatusSentToAdministrator,
	models.StatusAccepted,
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		StaleAfter:           6 * time.Hour,
		AdminResponseTimeout: 14 * 24 * time.Hour,
		DataDeadline:         30 * 24 * time.Hour,
		Retention:            90 * 24 * time.Hour,
		RecoverGrace:         time.Minute,
		BatchSize:            500,
	}
}

// Sweeper runs the sweeps. Every pass reads "now" from the context so tests
// can pin it with requestcontext.WithTime.
type Sweeper struct {
	requests Requests
	outbox   Committer
	machines outbox.MachineFor
	cfg       Config
	validator Validator
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithValidator sets who finishes requests stuck in CREATED. Without one they
// are committed as malformed.
func WithValidator(v Validator) Option {
	return func(s *Sweeper) { s.validator = v }
}

// New constructs a Sweeper. Zero thresholds in cfg take the defaults.
func New(requests Requests, ob Committer, machines outbox.MachineFor, cfg Config, opts ...Option) *Sweeper {
	def := DefaultConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.AdminResponseTimeout <= 0 {
		cfg.AdminResponseTimeout = def.AdminResponseTimeout
	}
	if cfg.DataDeadline <= 0 {
		cfg.DataDeadline = def.DataDeadline
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.RecoverGrace <= 0 {
		cfg.RecoverGrace = def.RecoverGrace
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	s := &Sweeper{
		requests: requests,
		outbox:   ob,
		machines: machines,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce runs every sweep in order. A failing sweep does not stop the
// others; their errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var errs []error
	if _, err := s.Recover(ctx); err != nil {
		errs = append(errs, fmt.Errorf("outbox recovery: %w", err))
	}
	if _, err := s.TimeLimits(ctx); err != nil {
		errs = append(errs, fmt.Errorf("time limits: %w", err))
	}
	if _, err := s.Fulfill(ctx); err != nil {
		errs = append(errs, fmt.Errorf("fulfillment: %w", err))
	}
	if _, err := s.Stale(ctx); err != nil {
		errs = append(errs, fmt.Errorf("staleness: %w", err))
	}
	if _, err := s.Retention(ctx); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}
	return errors.Join(errs...)
}

// Recover replays committed events the bus never accepted.
func (s *Sweeper) Recover(ctx context.Context) (int, error) {
	n, err := s.outbox.Recover(ctx, s.cfg.RecoverGrace)
	s.metrics.AddSweepActions("recover", n)
	return n, err
}

// Stale finishes requests that have not changed for StaleAfter. Requests
// stuck in CREATED are validated again; live requests a handler can retry
// get retry_requested.
func (s *Sweeper) Stale(ctx context.Context) (int, error) {
	now := requestcontext.Now(ctx)
	cutoff := now.Add(-s.cfg.StaleAfter)

	created, err := s.requests.ListByStatus(ctx, []models.Status{models.StatusCreated}, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unvalidated requests: %w", err)
	}
	nudged := 0
	for _, req := range created {
		if err := ctx.Err(); err != nil {
			return nudged, err
		}
		if s.revalidate(ctx, req.PermissionID) {
			nudged++
		}
	}

	candidates, err := s.requests.ListByStatus(ctx, retryStatuses, cutoff, s.cfg.BatchSize)
	if err != nil {
		return nudged, fmt.Errorf("list stale requests: %w", err)
	}
	for _, req := range candidates {
		if err := ctx.Err(); err != nil {
			return nudged, err
		}
		_, err := s.outbox.CommitWith(ctx, req.PermissionID, func(current *models.PermissionRequest) (models.Event, error) {
			// Re-checked under the lock; another writer may have moved it.
			if current == nil || current.Status.IsTerminal() || !current.UpdatedAt.Before(cutoff) {
				return models.Event{}, outbox.ErrSkip
			}
			return models.NewEvent(current.PermissionID, models.EventRetryRequested, current.Status, now, models.Payload{}), nil
		})
		if errors.Is(err, outbox.ErrSkip) {
			continue
		}
		if err != nil {
			s.logger.WarnContext(ctx, "stale request retry failed",
				"permission_id", string(req.PermissionID),
				"error", err,
			)
			continue
		}
		nudged++
	}
	s.report(ctx, "stale", nudged)
	return nudged, nil
}

func (s *Sweeper) revalidate(ctx context.Context, pid id.PermissionID) bool {
	if s.validator == nil {
		return s.transition(ctx, pid, models.OpMalformed, models.Payload{Reason: "validation did not complete"})
	}
	st, err := s.validator.ValidateCreated(ctx, pid)
	if err != nil {
		s.logger.WarnContext(ctx, "revalidating created request failed",
			"permission_id", string(pid),
			"error", err,
		)
		return false
	}
	return st != models.StatusCreated
}

// TimeLimits moves requests into TIMED_OUT through timeLimitReached:
// requests the administrator has not answered within AdminResponseTimeout,
// and accepted requests still missing data DataDeadline after End. The
// administrator clock starts at the event that sent the request, since
// retries keep touching updated_at. Requests left in TIME_LIMIT_REACHED by an
// interrupted pass are timed out.
func (s *Sweeper) TimeLimits(ctx context.Context) (int, error) {
	now := requestcontext.Now(ctx)
	cutoff := now.Add(-s.cfg.AdminResponseTimeout)
	candidates, err := s.requests.ListByStatus(ctx, []models.Status{
		models.StatusSentToAdministrator,
		models.StatusAccepted,
		models.StatusTimeLimitReached,
	}, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list time limited requests: %w", err)
	}
	expired := 0
	for _, req := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		var reason string
		switch req.Status {
		case models.StatusTimeLimitReached:
			if s.transition(ctx, req.PermissionID, models.OpTimeOut, models.Payload{}) {
				expired++
			}
			continue
		case models.StatusAccepted:
			if req.End == nil || req.IsComplete() || !now.After(req.End.Add(s.cfg.DataDeadline)) {
				continue
			}
			reason = "data was not delivered before the permission expired"
		default:
			since, err := s.statusSince(ctx, req)
			if err != nil {
				s.logger.WarnContext(ctx, "load request history failed",
					"permission_id", string(req.PermissionID),
					"error", err,
				)
				continue
			}
			if !since.Before(cutoff) {
				continue
			}
			reason = "permission administrator did not respond in time"
		}
		if !s.transition(ctx, req.PermissionID, models.OpTimeLimitReached, models.Payload{Reason: reason}) {
			continue
		}
		if s.transition(ctx, req.PermissionID, models.OpTimeOut, models.Payload{}) {
			expired++
		}
	}
	s.report(ctx, "time_limit", expired)
	return expired, nil
}

// Fulfill finishes accepted requests whose bounded window has been read to
// the end. The fulfillment handler does the same on data_received; this
// covers requests whose last event was lost or whose handler failed.
func (s *Sweeper) Fulfill(ctx context.Context) (int, error) {
	now := requestcontext.Now(ctx)
	candidates, err := s.requests.ListByStatus(ctx, []models.Status{models.StatusAccepted}, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list accepted requests: %w", err)
	}
	fulfilled := 0
	for _, req := range candidates {
		if !req.IsComplete() {
			continue
		}
		if s.transition(ctx, req.PermissionID, models.OpFulfill, models.Payload{}) {
			fulfilled++
		}
	}
	s.report(ctx, "fulfill", fulfilled)
	return fulfilled, nil
}

// Retention deletes terminal requests, with their history, that have not
// changed for the retention period.
func (s *Sweeper) Retention(ctx context.Context) (int, error) {
	cutoff := requestcontext.Now(ctx).Add(-s.cfg.Retention)
	n, err := s.requests.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired requests: %w", err)
	}
	s.report(ctx, "retention", n)
	return n, nil
}

// transition applies op and reports whether the request moved. A request
// that another writer already moved past op is not an error here.
func (s *Sweeper) transition(ctx context.Context, pid id.PermissionID, op models.Operation, payload models.Payload) bool {
	_, err := s.outbox.Transition(ctx, pid, s.machines, op, payload)
	switch {
	case err == nil:
		return true
	case errors.Is(err, outbox.ErrSkip), errors.Is(err, statemachine.ErrPastState):
		return false
	}
	s.logger.WarnContext(ctx, "sweep transition failed",
		"permission_id", string(pid),
		"operation", string(op),
		"error", err,
	)
	return false
}

// statusSince returns when req entered its current status.
func (s *Sweeper) statusSince(ctx context.Context, req *models.PermissionRequest) (time.Time, error) {
	events, err := s.requests.ListEvents(ctx, req.PermissionID)
	if err != nil {
		return time.Time{}, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if e := events[i]; e.Type.ChangesStatus() && e.Status == req.Status {
			return e.CreatedAt, nil
		}
	}
	return req.UpdatedAt, nil
}

func (s *Sweeper) report(ctx context.Context, sweep string, n int) {
	if n == 0 {
		return
	}
	s.metrics.AddSweepActions(sweep, n)
	s.logger.InfoContext(ctx, "sweep finished", "sweep", sweep, "count", n)
}
