package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"consentgrid/internal/connector"
	"consentgrid/internal/connector/simulation"
	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/outbox"
	"consentgrid/internal/permission/statemachine"
	"consentgrid/internal/permission/status"
	"consentgrid/internal/permission/store"
	"consentgrid/internal/polling"
	id "consentgrid/pkg/domain"
	dErrors "consentgrid/pkg/domain-errors"
	"consentgrid/pkg/requestcontext"
)

type nopPublisher struct{}

func (nopPublisher) Emit(context.Context, models.Event) error { return nil }

type nopSink struct{}

func (nopSink) Deliver(context.Context, *models.PermissionRequest, polling.Range, connector.Payload) error {
	return nil
}

type stubTokens struct{}

func (stubTokens) GenerateAccessToken(pid id.PermissionID, _ id.ConnectionID, _ time.Duration) (string, error) {
	return "token-" + string(pid), nil
}

type ServiceSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	store    *store.InMemory
	outbox   *outbox.Outbox
	registry *connector.Registry
	view     *status.InMemoryView
	service  *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.store = store.NewInMemory()
	s.outbox = outbox.New(s.store, nopPublisher{})
	s.registry = connector.NewRegistry()
	s.Require().NoError(s.registry.Register(simulation.Descriptor(), simulation.New()))
	s.view = status.NewInMemoryView()

	poller, err := polling.New(s.store, s.registry, s.outbox, nopSink{})
	s.Require().NoError(err)

	svc, err := New(Deps{
		Requests:   s.store,
		Outbox:     s.outbox,
		Connectors: s.registry,
		DataNeeds: NewCatalog(models.DataNeed{
			ID:            "hourly-year",
			Granularities: []models.Granularity{models.GranularityPT1H, models.GranularityP1D},
			MaxDuration:   366 * 24 * time.Hour,
			Enabled:       true,
		}, models.DataNeed{
			ID:            "daily-ongoing",
			Granularities: []models.Granularity{models.GranularityP1D},
			Enabled:       true,
		}, models.DataNeed{ID: "retired", Enabled: false}),
		Retransmissions: poller,
		Statuses:        s.view,
		Tokens:          stubTokens{},
	})
	s.Require().NoError(err)
	s.service = svc
}

func ptr(t time.Time) *time.Time { return &t }

func (s *ServiceSuite) validRequest() CreateRequest {
	return CreateRequest{
		ConnectionID:    "conn-1",
		DataNeedID:      "hourly-year",
		ConnectorID:     simulation.ConnectorID,
		MeteringPointID: "mp-1",
		Start:           ptr(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		End:             ptr(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func (s *ServiceSuite) accepted() id.PermissionID {
	created, err := s.service.Create(s.ctx, s.validRequest())
	s.Require().NoError(err)
	for _, op := range []models.Operation{models.OpSendToAdministrator, models.OpAccept} {
		_, err := s.outbox.Transition(s.ctx, created.PermissionID, s.registry.Machine, op, models.Payload{})
		s.Require().NoError(err)
	}
	return created.PermissionID
}

func (s *ServiceSuite) TestCreateValid() {
	created, err := s.service.Create(s.ctx, s.validRequest())
	s.Require().NoError(err)
	s.NotEmpty(created.PermissionID)
	s.Equal("token-"+string(created.PermissionID), created.AccessToken)
	s.Equal(models.StatusValidated, created.Status)

	req, err := s.service.Get(s.ctx, created.PermissionID)
	s.Require().NoError(err)
	s.Equal(models.GranularityPT1H, req.Granularity, "first allowed granularity is the default")
	s.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *req.Start)

	events, err := s.service.Events(s.ctx, created.PermissionID)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(models.EventCreated, events[0].Type)
	s.Equal(models.EventValidated, events[1].Type)
}

func (s *ServiceSuite) TestCreateMalformed() {
	tests := []struct {
		name  string
		tweak func(*CreateRequest)
		attr  string
	}{
		{"unknown data need", func(r *CreateRequest) { r.DataNeedID = "nope" }, attrDataNeedID},
		{"disabled data need", func(r *CreateRequest) { r.DataNeedID = "retired" }, attrDataNeedID},
		{"granularity not allowed", func(r *CreateRequest) { r.Granularity = models.GranularityPT15M }, attrGranularity},
		{"unknown granularity", func(r *CreateRequest) { r.Granularity = "PT5M" }, attrGranularity},
		{"missing start", func(r *CreateRequest) { r.Start = nil }, attrStart},
		{"missing end with a capped data need", func(r *CreateRequest) { r.End = nil }, attrEnd},
		{"end before start", func(r *CreateRequest) { r.End = ptr(r.Start.Add(-time.Hour)) }, attrEnd},
		{"window too long", func(r *CreateRequest) { r.End = ptr(r.Start.AddDate(2, 0, 0)) }, attrEnd},
		{"missing metering point", func(r *CreateRequest) { r.MeteringPointID = "" }, attrMeteringPointID},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			req := s.validRequest()
			tt.tweak(&req)
			created, err := s.service.Create(s.ctx, req)
			s.Nil(created)

			var malformed *MalformedError
			s.Require().ErrorAs(err, &malformed)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation))
			s.Require().NotEmpty(malformed.Errors)
			s.Equal(tt.attr, malformed.Errors[0].Attribute)

			view, err := s.service.Get(s.ctx, malformed.PermissionID)
			s.Require().NoError(err)
			s.Equal(models.StatusMalformed, view.Status)
			s.Equal(malformed.Errors, view.Errors)
		})
	}
}

func (s *ServiceSuite) TestCreateOpenEndedWindow() {
	req := s.validRequest()
	req.DataNeedID = "daily-ongoing"
	req.End = nil
	created, err := s.service.Create(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(models.StatusValidated, created.Status)

	view, err := s.service.Get(s.ctx, created.PermissionID)
	s.Require().NoError(err)
	s.Nil(view.End)
	s.False(view.IsComplete())
}

func (s *ServiceSuite) TestValidateCreatedFinishesStuckRequests() {
	commitCreated := func(pid id.PermissionID, needID id.DataNeedID) {
		req := s.validRequest()
		_, err := s.outbox.Commit(s.ctx, models.NewEvent(pid, models.EventCreated, models.StatusCreated, s.now, models.Payload{
			ConnectionID:    req.ConnectionID,
			DataNeedID:      needID,
			ConnectorID:     req.ConnectorID,
			MeteringPointID: req.MeteringPointID,
			Start:           req.Start,
			End:             req.End,
		}))
		s.Require().NoError(err)
	}

	s.Run("valid request is validated", func() {
		commitCreated("stuck-ok", "hourly-year")
		st, err := s.service.ValidateCreated(s.ctx, "stuck-ok")
		s.Require().NoError(err)
		s.Equal(models.StatusValidated, st)
		view, err := s.service.Get(s.ctx, "stuck-ok")
		s.Require().NoError(err)
		s.Equal(models.StatusValidated, view.Status)
		s.Equal(models.GranularityPT1H, view.Granularity)
	})

	s.Run("invalid request is malformed", func() {
		commitCreated("stuck-bad", "nope")
		st, err := s.service.ValidateCreated(s.ctx, "stuck-bad")
		s.Require().NoError(err)
		s.Equal(models.StatusMalformed, st)
	})

	s.Run("request past created is left alone", func() {
		st, err := s.service.ValidateCreated(s.ctx, "stuck-ok")
		s.Require().NoError(err)
		s.Equal(models.StatusValidated, st)
		events, err := s.service.Events(s.ctx, "stuck-ok")
		s.Require().NoError(err)
		s.Len(events, 2)
	})
}

func (s *ServiceSuite) TestCreateRejectsIncompleteInput() {
	req := s.validRequest()
	req.ConnectorID = "atlantis"
	_, err := s.service.Create(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))

	req = s.validRequest()
	req.ConnectionID = ""
	_, err = s.service.Create(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func (s *ServiceSuite) TestGetUnknown() {
	_, err := s.service.Get(s.ctx, "missing")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestRespond() {
	created, err := s.service.Create(s.ctx, s.validRequest())
	s.Require().NoError(err)
	pid := created.PermissionID

	s.Run("accept before sending is a future-state error", func() {
		_, err := s.service.Respond(s.ctx, pid, connector.OutcomeAccepted, "")
		s.ErrorIs(err, statemachine.ErrFutureState)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	_, err = s.outbox.Transition(s.ctx, pid, s.registry.Machine, models.OpSendToAdministrator, models.Payload{})
	s.Require().NoError(err)

	s.Run("pending acknowledgement keeps the status", func() {
		st, err := s.service.Respond(s.ctx, pid, connector.OutcomePending, "")
		s.Require().NoError(err)
		s.Equal(models.StatusSentToAdministrator, st)
	})

	s.Run("rejection records the reason", func() {
		st, err := s.service.Respond(s.ctx, pid, connector.OutcomeRejected, "declined")
		s.Require().NoError(err)
		s.Equal(models.StatusRejected, st)
		view, err := s.service.Get(s.ctx, pid)
		s.Require().NoError(err)
		s.Equal("declined", view.Reason)
	})

	s.Run("second answer is a past-state error", func() {
		_, err := s.service.Respond(s.ctx, pid, connector.OutcomeAccepted, "")
		s.ErrorIs(err, statemachine.ErrPastState)
	})

	s.Run("unknown outcome", func() {
		_, err := s.service.Respond(s.ctx, pid, "maybe", "")
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}

func (s *ServiceSuite) TestTerminateAndRevoke() {
	pid := s.accepted()
	st, err := s.service.Terminate(s.ctx, pid, "no longer needed")
	s.Require().NoError(err)
	s.Equal(models.StatusTerminated, st)

	_, err = s.service.Revoke(s.ctx, pid, "")
	s.ErrorIs(err, statemachine.ErrPastState)

	other := s.accepted()
	st, err = s.service.Revoke(s.ctx, other, "withdrawn at the administrator")
	s.Require().NoError(err)
	s.Equal(models.StatusRevoked, st)
}

func (s *ServiceSuite) TestStatus() {
	pid := s.accepted()

	s.Run("falls back to the store", func() {
		msg, err := s.service.Status(s.ctx, pid)
		s.Require().NoError(err)
		s.Equal(models.StatusAccepted, msg.Status)
		s.Equal(id.ConnectionID("conn-1"), msg.ConnectionID)
	})

	s.Run("prefers the projection", func() {
		_, err := s.view.Put(s.ctx, status.Message{PermissionID: pid, Status: models.StatusFulfilled, Seq: 99})
		s.Require().NoError(err)
		msg, err := s.service.Status(s.ctx, pid)
		s.Require().NoError(err)
		s.Equal(models.StatusFulfilled, msg.Status)
	})

	s.Run("unknown request", func() {
		_, err := s.service.Status(s.ctx, "missing")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestRetransmit() {
	pid := s.accepted()
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	out, err := s.service.Retransmit(s.ctx, pid, from, to)
	s.Require().NoError(err)
	s.Equal(polling.RetransmitSuccess, out.Result)

	events, err := s.store.ListEvents(s.ctx, pid)
	s.Require().NoError(err)
	last := events[len(events)-1]
	s.Equal(models.EventRetransmissionRequested, last.Type)
	s.Equal(models.StatusAccepted, last.Status)
	s.Equal(from, *last.Payload.From)

	out, err = s.service.Retransmit(s.ctx, pid, from, time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(polling.RetransmitNoPermissionForTimeFrame, out.Result)

	created, err := s.service.Create(s.ctx, s.validRequest())
	s.Require().NoError(err)
	out, err = s.service.Retransmit(s.ctx, created.PermissionID, from, to)
	s.Require().NoError(err)
	s.Equal(polling.RetransmitNoActivePermission, out.Result)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	if err == nil {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}
