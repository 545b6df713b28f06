// Package service is the command and query side of permission requests. It
// turns API calls into events committed through the outbox; everything that
// follows a commit happens in event handlers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"consentgrid/internal/connector"
	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/outbox"
	"consentgrid/internal/permission/statemachine"
	"consentgrid/internal/permission/status"
	"consentgrid/internal/polling"
	id "consentgrid/pkg/domain"
	dErrors "consentgrid/pkg/domain-errors"
	"consentgrid/pkg/platform/sentinel"
	"consentgrid/pkg/requestcontext"
)

// Requests reads permission requests and their history.
type Requests interface {
	FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
	ListEvents(ctx context.Context, permissionID id.PermissionID) ([]models.Event, error)
}

// Committer is the outbox.
type Committer interface {
	Commit(ctx context.Context, e models.Event) (models.Event, error)
	CommitWith(ctx context.Context, permissionID id.PermissionID, decide outbox.Decide) (models.Event, error)
	Transition(ctx context.Context, permissionID id.PermissionID, machines outbox.MachineFor, op models.Operation, payload models.Payload) (models.Event, error)
}

// Connectors resolves connector settings and state machines.
type Connectors interface {
	Descriptor(connectorID id.ConnectorID) (connector.Descriptor, error)
	Machine(connectorID id.ConnectorID) (*statemachine.Machine, error)
}

// Retransmissions validates retransmission windows.
type Retransmissions interface {
	CheckRetransmission(ctx context.Context, permissionID id.PermissionID, from, to time.Time) (polling.RetransmitOutcome, error)
}

// StatusReader serves the projected status.
type StatusReader interface {
	Get(ctx context.Context, permissionID id.PermissionID) (status.Message, error)
}

// TokenIssuer mints permission-scoped access tokens.
type TokenIssuer interface {
	GenerateAccessToken(permissionID id.PermissionID, connectionID id.ConnectionID, expiresIn time.Duration) (string, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Requests        Requests
	Outbox          Committer
	Connectors      Connectors
	DataNeeds       *Catalog
	Retransmissions Retransmissions
	Statuses        StatusReader
	Tokens          TokenIssuer
	TokenTTL        time.Duration
	Logger          *slog.Logger
}

// Service handles permission request commands and queries.
type Service struct {
	requests        Requests
	outbox          Committer
	connectors      Connectors
	dataNeeds       *Catalog
	retransmissions Retransmissions
	statuses        StatusReader
	tokens          TokenIssuer
	tokenTTL        time.Duration
	logger          *slog.Logger
}

func New(d Deps) (*Service, error) {
	switch {
	case d.Requests == nil:
		return nil, errors.New("requests are required")
	case d.Outbox == nil:
		return nil, errors.New("outbox is required")
	case d.Connectors == nil:
		return nil, errors.New("connectors are required")
	case d.Tokens == nil:
		return nil, errors.New("token issuer is required")
	}
	s := &Service{
		requests:        d.Requests,
		outbox:          d.Outbox,
		connectors:      d.Connectors,
		dataNeeds:       d.DataNeeds,
		retransmissions: d.Retransmissions,
		statuses:        d.Statuses,
		tokens:          d.Tokens,
		tokenTTL:        d.TokenTTL,
		logger:          d.Logger,
	}
	if s.dataNeeds == nil {
		s.dataNeeds = NewCatalog()
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = 24 * time.Hour
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	ConnectionID    id.ConnectionID
	DataNeedID      id.DataNeedID
	ConnectorID     id.ConnectorID
	MeteringPointID string
	Granularity     models.Granularity
	Start           *time.Time
	End             *time.Time
}

// Created is the result of a successful Create.
type Created struct {
	PermissionID id.PermissionID
	AccessToken  string
	Status       models.Status
}

// MalformedError reports a request that was recorded but failed validation.
type MalformedError struct {
	PermissionID id.PermissionID
	Errors       []models.AttributeError
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("permission request %s is malformed: %d attribute error(s)", e.PermissionID, len(e.Errors))
}

func (e *MalformedError) Unwrap() error {
	return dErrors.New(dErrors.CodeValidation, "permission request is malformed")
}

// Create records a new permission request and validates it. A request that
// fails validation is still recorded, as malformed, and returned as a
// *MalformedError.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	if req.ConnectionID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "connectionId is required")
	}
	if req.DataNeedID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "dataNeedId is required")
	}
	if _, err := s.connectors.Descriptor(req.ConnectorID); err != nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown connector %q", req.ConnectorID))
	}

	pid := id.NewPermissionID()
	now := requestcontext.Now(ctx)
	_, err := s.outbox.Commit(ctx, models.NewEvent(pid, models.EventCreated, models.StatusCreated, now, models.Payload{
		ConnectionID:    req.ConnectionID,
		DataNeedID:      req.DataNeedID,
		ConnectorID:     req.ConnectorID,
		MeteringPointID: req.MeteringPointID,
		Granularity:     req.Granularity,
		Start:           req.Start,
		End:             req.End,
	}))
	if err != nil {
		return nil, fmt.Errorf("record permission request: %w", err)
	}

	st, attrErrs, err := s.validateStored(ctx, pid)
	if err != nil {
		return nil, err
	}
	if st == models.StatusMalformed {
		return nil, &MalformedError{PermissionID: pid, Errors: attrErrs}
	}

	token, err := s.tokens.GenerateAccessToken(pid, req.ConnectionID, s.tokenTTL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue access token")
	}
	current, err := s.Get(ctx, pid)
	if err != nil {
		return nil, err
	}
	return &Created{PermissionID: pid, AccessToken: token, Status: current.Status}, nil
}

// ValidateCreated validates a request that is still CREATED, committing
// validated or malformed. Requests already past CREATED are left alone. It
// returns the status the request ends up in.
func (s *Service) ValidateCreated(ctx context.Context, permissionID id.PermissionID) (models.Status, error) {
	st, _, err := s.validateStored(ctx, permissionID)
	return st, err
}

func (s *Service) validateStored(ctx context.Context, pid id.PermissionID) (models.Status, []models.AttributeError, error) {
	current, err := s.Get(ctx, pid)
	if err != nil {
		return "", nil, err
	}
	if current.Status != models.StatusCreated {
		return current.Status, current.Errors, nil
	}

	need, found := s.dataNeeds.DataNeed(current.DataNeedID)
	v := validate(CreateRequest{
		ConnectionID:    current.ConnectionID,
		DataNeedID:      current.DataNeedID,
		ConnectorID:     current.ConnectorID,
		MeteringPointID: current.MeteringPointID,
		Granularity:     current.Granularity,
		Start:           current.Start,
		End:             current.End,
	}, need, found)

	if len(v.errors) > 0 {
		_, err := s.outbox.Transition(ctx, pid, s.connectors.Machine, models.OpMalformed, models.Payload{
			Reason: "permission request is malformed",
			Errors: v.errors,
		})
		if err != nil {
			return s.settledStatus(ctx, pid, err, "record malformed permission request")
		}
		s.logger.InfoContext(ctx, "permission request malformed",
			"permission_id", string(pid),
			"errors", len(v.errors),
		)
		return models.StatusMalformed, v.errors, nil
	}

	start := v.start
	_, err = s.outbox.Transition(ctx, pid, s.connectors.Machine, models.OpValidate, models.Payload{
		Start:       &start,
		End:         v.end,
		Granularity: v.granularity,
	})
	if err != nil {
		return s.settledStatus(ctx, pid, err, "record validated permission request")
	}
	return models.StatusValidated, nil, nil
}

// settledStatus turns a lost validation race into the winner's status.
func (s *Service) settledStatus(ctx context.Context, pid id.PermissionID, err error, msg string) (models.Status, []models.AttributeError, error) {
	if !errors.Is(err, statemachine.ErrPastState) {
		return "", nil, fmt.Errorf("%s: %w", msg, err)
	}
	current, gerr := s.Get(ctx, pid)
	if gerr != nil {
		return "", nil, gerr
	}
	return current.Status, current.Errors, nil
}

// Get returns the current view of a request.
func (s *Service) Get(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error) {
	req, err := s.requests.FindByID(ctx, permissionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "permission request not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load permission request: %w", err)
	}
	return req, nil
}

// Events returns the event history of a request, oldest first.
func (s *Service) Events(ctx context.Context, permissionID id.PermissionID) ([]models.Event, error) {
	if _, err := s.Get(ctx, permissionID); err != nil {
		return nil, err
	}
	return s.requests.ListEvents(ctx, permissionID)
}

// Status returns the projected status, falling back to the stored view while
// the projection catches up.
func (s *Service) Status(ctx context.Context, permissionID id.PermissionID) (status.Message, error) {
	if s.statuses != nil {
		msg, err := s.statuses.Get(ctx, permissionID)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			s.logger.WarnContext(ctx, "status view unavailable, reading store",
				"permission_id", string(permissionID),
				"error", err,
			)
		}
	}
	req, err := s.Get(ctx, permissionID)
	if err != nil {
		return status.Message{}, err
	}
	return status.Message{
		PermissionID: req.PermissionID,
		ConnectionID: req.ConnectionID,
		DataNeedID:   req.DataNeedID,
		ConnectorID:  req.ConnectorID,
		Status:       req.Status,
		Message:      req.Reason,
		UpdatedAt:    req.UpdatedAt,
		Seq:          req.LastEventSeq,
	}, nil
}

// Respond records the administrator's answer to a sent request.
func (s *Service) Respond(ctx context.Context, permissionID id.PermissionID, outcome connector.Outcome, reason string) (models.Status, error) {
	op, decided := outcome.Operation()
	if !decided {
		if outcome != connector.OutcomePending {
			return "", dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown outcome %q", outcome))
		}
		op = models.OpReceiveAdministratorResponse
	}
	return s.apply(ctx, permissionID, op, reason)
}

// Terminate ends an accepted request at the eligible party's request.
func (s *Service) Terminate(ctx context.Context, permissionID id.PermissionID, reason string) (models.Status, error) {
	return s.apply(ctx, permissionID, models.OpTerminate, reason)
}

// Revoke records that the customer withdrew consent at the administrator.
func (s *Service) Revoke(ctx context.Context, permissionID id.PermissionID, reason string) (models.Status, error) {
	return s.apply(ctx, permissionID, models.OpRevoke, reason)
}

func (s *Service) apply(ctx context.Context, permissionID id.PermissionID, op models.Operation, reason string) (models.Status, error) {
	e, err := s.outbox.Transition(ctx, permissionID, s.connectors.Machine, op, models.Payload{Reason: reason})
	if errors.Is(err, outbox.ErrSkip) {
		current, err := s.Get(ctx, permissionID)
		if err != nil {
			return "", err
		}
		return current.Status, nil
	}
	if err != nil {
		if te, ok := statemachine.AsTransitionError(err); ok {
			s.logger.InfoContext(ctx, "operation rejected",
				"permission_id", string(permissionID),
				"operation", string(op),
				"kind", te.Kind.String(),
			)
		}
		return "", err
	}
	return e.Status, nil
}

// Retransmit validates [from, to) and, when allowed, records a
// retransmission request for the polling trigger.
func (s *Service) Retransmit(ctx context.Context, permissionID id.PermissionID, from, to time.Time) (polling.RetransmitOutcome, error) {
	if s.retransmissions == nil {
		return polling.RetransmitOutcome{}, dErrors.New(dErrors.CodeUnavailable, "retransmission is not available")
	}
	out, err := s.retransmissions.CheckRetransmission(ctx, permissionID, from, to)
	if err != nil || out.Result != polling.RetransmitSuccess {
		return out, err
	}

	_, err = s.outbox.CommitWith(ctx, permissionID, func(current *models.PermissionRequest) (models.Event, error) {
		if current == nil || (current.Status != models.StatusAccepted && current.Status != models.StatusFulfilled) {
			return models.Event{}, outbox.ErrSkip
		}
		return models.NewEvent(permissionID, models.EventRetransmissionRequested, current.Status, requestcontext.Now(ctx), models.Payload{
			From: &from,
			To:   &to,
		}), nil
	})
	if errors.Is(err, outbox.ErrSkip) {
		out.Result = polling.RetransmitNoActivePermission
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("record retransmission: %w", err)
	}
	return out, nil
}
