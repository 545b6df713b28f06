package polling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"consentgrid/internal/connector"
	"consentgrid/internal/connector/simulation"
	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/outbox"
	"consentgrid/internal/permission/store"
	id "consentgrid/pkg/domain"
	"consentgrid/pkg/requestcontext"
)

type nopPublisher struct{}

func (nopPublisher) Emit(context.Context, models.Event) error { return nil }

type delivery struct {
	permissionID id.PermissionID
	r            Range
	payload      connector.Payload
}

type recordingSink struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (s *recordingSink) Deliver(_ context.Context, req *models.PermissionRequest, r Range, payload connector.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, delivery{permissionID: req.PermissionID, r: r, payload: payload})
	return nil
}

func (s *recordingSink) all() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery(nil), s.deliveries...)
}

type PollerSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	store    *store.InMemory
	outbox   *outbox.Outbox
	registry *connector.Registry
	sim      *simulation.Client
	sink     *recordingSink
	sleeper  *recordingSleeper
	poller   *Poller
}

func TestPollerSuite(t *testing.T) {
	suite.Run(t, new(PollerSuite))
}

func (s *PollerSuite) SetupTest() {
	s.now = day(2024, 8, 1)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.store = store.NewInMemory()
	s.outbox = outbox.New(s.store, nopPublisher{})
	s.registry = connector.NewRegistry()
	s.sim = simulation.New()
	s.Require().NoError(s.registry.Register(simulation.Descriptor(), s.sim))
	s.sink = &recordingSink{}
	s.sleeper = &recordingSleeper{}

	p, err := New(s.store, s.registry, s.outbox, s.sink, WithSleeper(s.sleeper.sleep))
	s.Require().NoError(err)
	s.poller = p
}

// seed drives a request through the happy path up to status.
func (s *PollerSuite) seed(pid id.PermissionID, start, end time.Time, status models.Status) {
	created := models.NewEvent(pid, models.EventCreated, models.StatusCreated, s.now, models.Payload{
		ConnectionID:    "conn-1",
		DataNeedID:      "need-1",
		ConnectorID:     simulation.ConnectorID,
		MeteringPointID: "mp-" + string(pid),
		Granularity:     models.GranularityP1D,
	})
	_, err := s.outbox.Commit(s.ctx, created)
	s.Require().NoError(err)

	ops := []models.Operation{models.OpValidate, models.OpSendToAdministrator, models.OpAccept}
	switch status {
	case models.StatusFulfilled:
		ops = append(ops, models.OpFulfill)
	case models.StatusTerminated:
		ops = append(ops, models.OpTerminate)
	case models.StatusCreated:
		ops = nil
	}
	for _, op := range ops {
		payload := models.Payload{}
		if op == models.OpValidate {
			payload.Start, payload.End = &start, &end
		}
		_, err := s.outbox.Transition(s.ctx, pid, s.registry.Machine, op, payload)
		s.Require().NoError(err)
	}
}

func (s *PollerSuite) view(pid id.PermissionID) *models.PermissionRequest {
	v, err := s.store.FindByID(s.ctx, pid)
	s.Require().NoError(err)
	return v
}

func (s *PollerSuite) eventsOfType(pid id.PermissionID, t models.EventType) []models.Event {
	events, err := s.store.ListEvents(s.ctx, pid)
	s.Require().NoError(err)
	var out []models.Event
	for _, e := range events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *PollerSuite) TestPollSplitsMergesAndAdvancesWatermark() {
	s.seed("p-1", day(2024, 1, 1), day(2024, 12, 31), models.StatusAccepted)

	out, err := s.poller.Poll(s.ctx, "p-1")
	s.Require().NoError(err)
	s.Equal(ResultSuccess, out.Result)
	s.Equal(2, out.Attempts)
	s.Equal([]Range{
		{From: day(2024, 1, 1), To: day(2024, 7, 3)},
		{From: day(2024, 7, 3), To: day(2024, 8, 1)},
	}, out.Ranges)

	polls := s.sim.Polls()
	s.Require().Len(polls, 2)
	s.Equal(day(2024, 7, 3), polls[1].From)

	deliveries := s.sink.all()
	s.Require().Len(deliveries, 1, "sub-ranges are delivered as one response")
	s.Equal(Range{From: day(2024, 1, 1), To: day(2024, 8, 1)}, deliveries[0].r)
	s.Len(deliveries[0].payload.Readings, 213)

	v := s.view("p-1")
	s.Equal(models.StatusAccepted, v.Status)
	s.Require().NotNil(v.Watermark)
	s.Equal(s.now, *v.Watermark)
	s.Len(s.eventsOfType("p-1", models.EventDataReceived), 1)

	s.Run("nothing owed right after", func() {
		out, err := s.poller.Poll(s.ctx, "p-1")
		s.Require().NoError(err)
		s.Equal(ResultNothingOwed, out.Result)
	})
}

func (s *PollerSuite) TestPollResumesFromWatermark() {
	s.seed("p-2", day(2024, 1, 1), day(2024, 12, 31), models.StatusAccepted)
	_, err := s.poller.Poll(s.ctx, "p-2")
	s.Require().NoError(err)

	later := requestcontext.WithTime(context.Background(), day(2024, 8, 11))
	out, err := s.poller.Poll(later, "p-2")
	s.Require().NoError(err)
	s.Equal(ResultSuccess, out.Result)
	s.Equal([]Range{{From: day(2024, 8, 1), To: day(2024, 8, 11)}}, out.Ranges)
	s.Equal(day(2024, 8, 11), *s.view("p-2").Watermark)
}

func (s *PollerSuite) TestRetryCeiling() {
	s.seed("p-3", day(2024, 7, 1), day(2024, 12, 31), models.StatusAccepted)
	errs := make([]error, 12)
	for i := range errs {
		errs[i] = connector.NewPollError(connector.KindRateLimited, errors.New("429"))
	}
	s.sim.Script("p-3", simulation.Script{PollErrs: errs})

	out, err := s.poller.Poll(s.ctx, "p-3")
	s.Require().NoError(err, "exhaustion is left to the staleness sweep")
	s.Equal(ResultFailure, out.Result)
	s.Equal(10, out.Attempts)
	s.ErrorIs(out.Err, ErrExhausted)
	s.Len(s.sim.Polls(), 10)
	s.Len(s.sleeper.delays, 9)

	s.Empty(s.sink.all())
	s.Empty(s.eventsOfType("p-3", models.EventDataReceived))
	s.Equal(models.StatusAccepted, s.view("p-3").Status)
}

func (s *PollerSuite) TestTransientFailureThenSuccess() {
	s.seed("p-4", day(2024, 7, 1), day(2024, 12, 31), models.StatusAccepted)
	s.sim.Script("p-4", simulation.Script{PollErrs: []error{
		connector.NewPollError(connector.KindCredentialExpired, errors.New("token expired")),
		errors.New("connection reset"),
	}})

	out, err := s.poller.Poll(s.ctx, "p-4")
	s.Require().NoError(err)
	s.Equal(ResultSuccess, out.Result)
	s.Equal(3, out.Attempts)
	s.Len(s.sink.all(), 1)
}

func (s *PollerSuite) TestUnauthorizedRevokes() {
	s.seed("p-5", day(2024, 7, 1), day(2024, 12, 31), models.StatusAccepted)
	s.sim.Script("p-5", simulation.Script{PollErrs: []error{
		connector.NewPollError(connector.KindUnauthorized, errors.New("consent withdrawn")),
	}})

	out, err := s.poller.Poll(s.ctx, "p-5")
	s.Require().NoError(err)
	s.Equal(ResultRevoked, out.Result)
	s.Equal(1, out.Attempts)
	s.Empty(s.sleeper.delays)
	s.Empty(s.sink.all())

	v := s.view("p-5")
	s.Equal(models.StatusRevoked, v.Status)
	s.Contains(v.Reason, "consent withdrawn")
	s.Len(s.eventsOfType("p-5", models.EventRevoked), 1)
}

func (s *PollerSuite) TestTerminationDuringRetryAbandonsPolling() {
	s.seed("p-6", day(2024, 7, 1), day(2024, 12, 31), models.StatusAccepted)
	s.sim.Script("p-6", simulation.Script{PollErrs: []error{
		connector.NewPollError(connector.KindRateLimited, errors.New("429")),
		connector.NewPollError(connector.KindRateLimited, errors.New("429")),
	}})
	sleep := func(ctx context.Context, _ time.Duration) error {
		_, err := s.outbox.Transition(ctx, "p-6", s.registry.Machine, models.OpTerminate, models.Payload{})
		return err
	}
	p, err := New(s.store, s.registry, s.outbox, s.sink, WithSleeper(sleep))
	s.Require().NoError(err)

	out, err := p.Poll(s.ctx, "p-6")
	s.Require().NoError(err)
	s.Equal(ResultSuperseded, out.Result)
	s.Equal(2, out.Attempts, "the second attempt sees the termination before calling out")
	s.Len(s.sim.Polls(), 1)
	s.Empty(s.sink.all())
	s.Empty(s.eventsOfType("p-6", models.EventDataReceived))
	s.Equal(models.StatusTerminated, s.view("p-6").Status)
}

func (s *PollerSuite) TestPollIgnoresInactiveRequests() {
	s.seed("p-7", day(2024, 7, 1), day(2024, 12, 31), models.StatusTerminated)
	out, err := s.poller.Poll(s.ctx, "p-7")
	s.Require().NoError(err)
	s.Equal(ResultSuperseded, out.Result)
	s.Empty(s.sim.Polls())
}

func (s *PollerSuite) TestPollAllKeepsOrderAndIsolatesFailures() {
	s.seed("a", day(2024, 7, 1), day(2024, 12, 31), models.StatusAccepted)
	s.seed("b", day(2024, 7, 1), day(2024, 12, 31), models.StatusTerminated)
	s.seed("c", day(2024, 7, 1), day(2024, 12, 31), models.StatusAccepted)

	outcomes := s.poller.PollAll(s.ctx, []id.PermissionID{"a", "b", "missing", "c"})
	s.Require().Len(outcomes, 4)
	s.Equal(ResultSuccess, outcomes[0].Result)
	s.Equal(ResultSuperseded, outcomes[1].Result)
	s.Equal(ResultFailure, outcomes[2].Result)
	s.Error(outcomes[2].Err)
	s.Equal(ResultSuccess, outcomes[3].Result)
}

func (s *PollerSuite) TestRetransmission() {
	s.seed("f-1", day(2024, 1, 1), day(2024, 6, 1), models.StatusFulfilled)
	s.seed("c-1", day(2024, 1, 1), day(2024, 6, 1), models.StatusCreated)

	s.Run("fulfilled request resends without moving the watermark", func() {
		out, err := s.poller.CheckRetransmission(s.ctx, "f-1", day(2024, 2, 1), day(2024, 3, 1))
		s.Require().NoError(err)
		s.Require().Equal(RetransmitSuccess, out.Result)

		polled, err := s.poller.PollRange(s.ctx, "f-1", Range{From: day(2024, 2, 1), To: day(2024, 3, 1)})
		s.Require().NoError(err)
		s.Equal(ResultSuccess, polled.Result)
		deliveries := s.sink.all()
		s.Require().Len(deliveries, 1)
		s.Equal(Range{From: day(2024, 2, 1), To: day(2024, 3, 1)}, deliveries[0].r)
		s.Nil(s.view("f-1").Watermark)
		s.Empty(s.eventsOfType("f-1", models.EventDataReceived))
	})

	tests := []struct {
		name     string
		pid      id.PermissionID
		from, to time.Time
		want     RetransmitResult
	}{
		{"unknown request", "nope", day(2024, 2, 1), day(2024, 3, 1), RetransmitPermissionNotFound},
		{"not yet accepted", "c-1", day(2024, 2, 1), day(2024, 3, 1), RetransmitNoActivePermission},
		{"before start", "f-1", day(2023, 12, 1), day(2024, 3, 1), RetransmitNoPermissionForTimeFrame},
		{"after end", "f-1", day(2024, 5, 1), day(2024, 7, 1), RetransmitNoPermissionForTimeFrame},
		{"inverted range", "f-1", day(2024, 3, 1), day(2024, 2, 1), RetransmitNotSupported},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			out, err := s.poller.CheckRetransmission(s.ctx, tt.pid, tt.from, tt.to)
			s.Require().NoError(err)
			s.Equal(tt.want, out.Result)
		})
	}
}

func TestValidateRetransmission(t *testing.T) {
	start, end := day(2024, 1, 1), day(2025, 1, 1)
	req := &models.PermissionRequest{Status: models.StatusAccepted, Start: &start, End: &end}
	now := time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)

	if got := ValidateRetransmission(req, "p", day(2024, 7, 1), day(2024, 8, 1), now, time.UTC); got.Result != RetransmitSuccess {
		t.Fatalf("range ending at start of today: got %s", got.Result)
	}
	if got := ValidateRetransmission(req, "p", day(2024, 7, 1), day(2024, 8, 2), now, time.UTC); got.Result != RetransmitNotSupported {
		t.Fatalf("range reaching into today: got %s", got.Result)
	}

	// 2024-08-01T09:00Z is still 2024-07-31 in Honolulu.
	hnl, err := time.LoadLocation("Pacific/Honolulu")
	if err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}
	early := time.Date(2024, 8, 1, 9, 0, 0, 0, time.UTC)
	if got := ValidateRetransmission(req, "p", day(2024, 7, 1), day(2024, 8, 1), early, hnl); got.Result != RetransmitNotSupported {
		t.Fatalf("today in the connector's zone: got %s", got.Result)
	}
}

// gatedSink holds the first delivery until release is closed.
type gatedSink struct {
	recordingSink
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSink) Deliver(ctx context.Context, req *models.PermissionRequest, r Range, payload connector.Payload) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.recordingSink.Deliver(ctx, req, r, payload)
}

func (s *PollerSuite) TestPollRangeWaitsForRunningPoll() {
	s.seed("a-1", day(2024, 7, 1), day(2024, 12, 31), models.StatusAccepted)
	sink := &gatedSink{entered: make(chan struct{}), release: make(chan struct{})}
	p, err := New(s.store, s.registry, s.outbox, sink, WithSleeper(s.sleeper.sleep))
	s.Require().NoError(err)

	polled := make(chan Outcome, 1)
	go func() {
		out, _ := p.Poll(s.ctx, "a-1")
		polled <- out
	}()
	<-sink.entered
	callsDuringPoll := len(s.sim.Polls())

	s.Run("a cancelled wait gives up", func() {
		ctx, cancel := context.WithCancel(s.ctx)
		cancel()
		out, err := p.PollRange(ctx, "a-1", Range{From: day(2024, 7, 1), To: day(2024, 7, 15)})
		s.ErrorIs(err, context.Canceled)
		s.Equal(ResultFailure, out.Result)
	})

	ranged := make(chan Outcome, 1)
	go func() {
		out, _ := p.PollRange(s.ctx, "a-1", Range{From: day(2024, 7, 1), To: day(2024, 7, 15)})
		ranged <- out
	}()
	s.Never(func() bool { return len(s.sim.Polls()) > callsDuringPoll }, 100*time.Millisecond, 10*time.Millisecond,
		"the retransmission fetch must not overlap the running poll")

	close(sink.release)
	s.Equal(ResultSuccess, (<-polled).Result)
	s.Equal(ResultSuccess, (<-ranged).Result)
	deliveries := sink.all()
	s.Require().Len(deliveries, 2)
	s.Equal(Range{From: day(2024, 7, 1), To: day(2024, 7, 15)}, deliveries[1].r)
	s.Len(s.eventsOfType("a-1", models.EventDataReceived), 1, "the retransmission leaves the watermark alone")
}
