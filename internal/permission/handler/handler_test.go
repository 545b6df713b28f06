package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"

	"consentgrid/internal/connector"
	"consentgrid/internal/connector/simulation"
	jwttoken "consentgrid/internal/jwt_token"
	"consentgrid/internal/permission/handler/mocks"
	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/outbox"
	"consentgrid/internal/permission/service"
	"consentgrid/internal/permission/status"
	"consentgrid/internal/permission/store"
	"consentgrid/internal/polling"
	"consentgrid/internal/ratelimit"
	id "consentgrid/pkg/domain"
	dErrors "consentgrid/pkg/domain-errors"
	"consentgrid/pkg/platform/middleware/admin"
	"consentgrid/pkg/testutil"
)

const webhookSecret = "adm1n"

//go:generate mockgen -source=handler.go -destination=mocks/permission-mocks.go -package=mocks Service
type PermissionHandlerSuite struct {
	suite.Suite
	jwt    *jwttoken.JWTService
	secret []byte
}

func TestPermissionHandlerSuite(t *testing.T) {
	suite.Run(t, new(PermissionHandlerSuite))
}

func (s *PermissionHandlerSuite) SetupSuite() {
	s.jwt = jwttoken.NewJWTService("test-signing-key", "consentgrid", "consentgrid-api")
	hash, err := bcrypt.GenerateFromPassword([]byte(webhookSecret), bcrypt.MinCost)
	s.Require().NoError(err)
	s.secret = hash
}

func (s *PermissionHandlerSuite) newRouter(svc Service, b *status.Broadcaster) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if b == nil {
		b = status.NewBroadcaster()
	}
	h := New(svc, b, logger, nil, jwttoken.NewJWTServiceAdapter(s.jwt), s.secret)
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (s *PermissionHandlerSuite) newMockRouter() (http.Handler, *mocks.MockService) {
	ctrl := gomock.NewController(s.T())
	s.T().Cleanup(ctrl.Finish)
	svc := mocks.NewMockService(ctrl)
	return s.newRouter(svc, nil), svc
}

func (s *PermissionHandlerSuite) token(pid id.PermissionID) string {
	tok, err := s.jwt.GenerateAccessToken(pid, "conn-1", time.Hour)
	s.Require().NoError(err)
	return tok
}

func do(h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	return testutil.DecodeJSON[map[string]any](t, w)
}

func (s *PermissionHandlerSuite) TestCreate() {
	s.Run("created", func() {
		router, svc := s.newMockRouter()
		svc.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req service.CreateRequest) (*service.Created, error) {
				s.Equal(id.ConnectionID("conn-1"), req.ConnectionID, "fields are trimmed")
				s.Equal(models.GranularityPT1H, req.Granularity)
				return &service.Created{PermissionID: "pid-1", AccessToken: "tok", Status: models.StatusValidated}, nil
			})

		w := do(router, http.MethodPost, "/permission-requests", map[string]any{
			"connectionId": "  conn-1 ",
			"dataNeedId":   "hourly-year",
			"connectorId":  simulation.ConnectorID,
			"granularity":  "PT1H",
		}, nil)
		s.Equal(http.StatusCreated, w.Code)
		body := decode(s.T(), w)
		s.Equal("pid-1", body["permissionId"])
		s.Equal("tok", body["accessToken"])
		s.Equal(string(models.StatusValidated), body["status"])
	})

	s.Run("malformed request keeps its id", func() {
		router, svc := s.newMockRouter()
		svc.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, &service.MalformedError{
			PermissionID: "pid-2",
			Errors:       []models.AttributeError{{Attribute: "end", Message: "end must be after start"}},
		})

		w := do(router, http.MethodPost, "/permission-requests", map[string]any{"connectionId": "conn-1"}, nil)
		s.Equal(http.StatusBadRequest, w.Code)
		body := decode(s.T(), w)
		s.Equal("pid-2", body["permissionId"])
		s.Len(body["errors"], 1)
	})

	s.Run("unreadable body", func() {
		router, _ := s.newMockRouter()
		req := httptest.NewRequest(http.MethodPost, "/permission-requests", strings.NewReader("{"))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		s.Equal(http.StatusBadRequest, w.Code)
	})

	s.Run("unknown connector", func() {
		router, svc := s.newMockRouter()
		svc.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, dErrors.New(dErrors.CodeBadRequest, `unknown connector "x"`))
		w := do(router, http.MethodPost, "/permission-requests", map[string]any{"connectorId": "x"}, nil)
		s.Equal(http.StatusBadRequest, w.Code)
	})
}

func (s *PermissionHandlerSuite) TestCreateRateLimited() {
	ctrl := gomock.NewController(s.T())
	svc := mocks.NewMockService(ctrl)
	svc.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, dErrors.New(dErrors.CodeBadRequest, `unknown connector "x"`)).Times(2)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(svc, status.NewBroadcaster(), logger, nil, jwttoken.NewJWTServiceAdapter(s.jwt), s.secret,
		WithRateLimit(ratelimit.NewInMemory(), ratelimit.Limit{Requests: 2, Window: time.Minute}, ratelimit.Limit{}))
	router := chi.NewRouter()
	h.Register(router)

	body := map[string]any{"connectorId": "x"}
	headers := map[string]string{"X-Forwarded-For": "203.0.113.7"}
	s.Equal(http.StatusBadRequest, do(router, http.MethodPost, "/permission-requests", body, headers).Code)
	s.Equal(http.StatusBadRequest, do(router, http.MethodPost, "/permission-requests", body, headers).Code)

	w := do(router, http.MethodPost, "/permission-requests", body, headers)
	testutil.AssertError(s.T(), w, http.StatusTooManyRequests, "rate_limit_exceeded")
}

func (s *PermissionHandlerSuite) TestScopedAccess() {
	router, svc := s.newMockRouter()
	svc.EXPECT().Get(gomock.Any(), id.PermissionID("pid-1")).Return(&models.PermissionRequest{
		PermissionID: "pid-1",
		Status:       models.StatusAccepted,
	}, nil)

	w := do(router, http.MethodGet, "/permission-requests/pid-1", nil, nil)
	s.Equal(http.StatusUnauthorized, w.Code, "missing token")

	w = do(router, http.MethodGet, "/permission-requests/pid-1", nil, map[string]string{
		"Authorization": "Bearer " + s.token("pid-other"),
	})
	s.Equal(http.StatusForbidden, w.Code, "token for another request")

	w = do(router, http.MethodGet, "/permission-requests/pid-1", nil, map[string]string{
		"Authorization": "Bearer " + s.token("pid-1"),
	})
	s.Require().Equal(http.StatusOK, w.Code)
	s.Equal(string(models.StatusAccepted), decode(s.T(), w)["status"])
}

func (s *PermissionHandlerSuite) TestAdministratorWebhooks() {
	router, svc := s.newMockRouter()
	svc.EXPECT().Respond(gomock.Any(), id.PermissionID("pid-1"), connector.OutcomeRejected, "declined").
		Return(models.StatusRejected, nil)
	svc.EXPECT().Respond(gomock.Any(), id.PermissionID("pid-1"), connector.OutcomeAccepted, "").
		Return(models.Status(""), dErrors.New(dErrors.CodeConflict, "already answered"))

	w := do(router, http.MethodPost, "/permission-requests/pid-1/rejected", map[string]string{"reason": "declined"}, nil)
	s.Equal(http.StatusUnauthorized, w.Code, "secret is required")

	secret := map[string]string{admin.HeaderWebhookSecret: webhookSecret}
	w = do(router, http.MethodPost, "/permission-requests/pid-1/rejected", map[string]string{"reason": " declined "}, secret)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Equal(string(models.StatusRejected), decode(s.T(), w)["status"])

	w = do(router, http.MethodPost, "/permission-requests/pid-1/accepted", nil, secret)
	s.Equal(http.StatusConflict, w.Code)
}

func (s *PermissionHandlerSuite) TestRetransmitStatusCodes() {
	tests := []struct {
		result polling.RetransmitResult
		want   int
	}{
		{polling.RetransmitSuccess, http.StatusAccepted},
		{polling.RetransmitPermissionNotFound, http.StatusNotFound},
		{polling.RetransmitNoActivePermission, http.StatusConflict},
		{polling.RetransmitNoPermissionForTimeFrame, http.StatusConflict},
		{polling.RetransmitNotSupported, http.StatusBadRequest},
	}
	for _, tt := range tests {
		s.Run(string(tt.result), func() {
			router, svc := s.newMockRouter()
			svc.EXPECT().Retransmit(gomock.Any(), id.PermissionID("pid-1"), gomock.Any(), gomock.Any()).
				Return(polling.RetransmitOutcome{PermissionID: "pid-1", Result: tt.result}, nil)
			w := do(router, http.MethodPost, "/permission-requests/pid-1/retransmit", map[string]string{
				"from": "2024-02-01T00:00:00Z",
				"to":   "2024-03-01T00:00:00Z",
			}, map[string]string{"Authorization": "Bearer " + s.token("pid-1")})
			s.Equal(tt.want, w.Code)
			s.Equal(string(tt.result), decode(s.T(), w)["result"])
		})
	}

	s.Run("missing window", func() {
		router, _ := s.newMockRouter()
		w := do(router, http.MethodPost, "/permission-requests/pid-1/retransmit", map[string]string{},
			map[string]string{"Authorization": "Bearer " + s.token("pid-1")})
		s.Equal(http.StatusBadRequest, w.Code)
	})
}

type nopPublisher struct{}

func (nopPublisher) Emit(context.Context, models.Event) error { return nil }

type nopSink struct{}

func (nopSink) Deliver(context.Context, *models.PermissionRequest, polling.Range, connector.Payload) error {
	return nil
}

// TestLifecycleOverHTTP drives a request through the API against the
// in-memory store. No event handlers run, so the administrator steps are
// played through the webhooks.
func (s *PermissionHandlerSuite) TestLifecycleOverHTTP() {
	mem := store.NewInMemory()
	ob := outbox.New(mem, nopPublisher{})
	registry := connector.NewRegistry()
	s.Require().NoError(registry.Register(simulation.Descriptor(), simulation.New()))
	poller, err := polling.New(mem, registry, ob, nopSink{})
	s.Require().NoError(err)
	svc, err := service.New(service.Deps{
		Requests:   mem,
		Outbox:     ob,
		Connectors: registry,
		DataNeeds: service.NewCatalog(models.DataNeed{
			ID:            "hourly-year",
			Granularities: []models.Granularity{models.GranularityPT1H},
			MaxDuration:   366 * 24 * time.Hour,
			Enabled:       true,
		}),
		Retransmissions: poller,
		Tokens:          s.jwt,
	})
	s.Require().NoError(err)
	router := s.newRouter(svc, nil)

	w := do(router, http.MethodPost, "/permission-requests", map[string]any{
		"connectionId":    "conn-1",
		"dataNeedId":      "hourly-year",
		"connectorId":     simulation.ConnectorID,
		"meteringPointId": "mp-1",
		"start":           "2024-01-01T00:00:00Z",
		"end":             "2024-06-01T00:00:00Z",
	}, nil)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	created := decode(s.T(), w)
	pid := id.PermissionID(created["permissionId"].(string))
	bearer := map[string]string{"Authorization": "Bearer " + created["accessToken"].(string)}
	secret := map[string]string{admin.HeaderWebhookSecret: webhookSecret}

	_, err = ob.Transition(context.Background(), pid, registry.Machine, models.OpSendToAdministrator, models.Payload{})
	s.Require().NoError(err)

	w = do(router, http.MethodPost, "/permission-requests/"+string(pid)+"/accepted", nil, secret)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	w = do(router, http.MethodGet, "/permission-status/"+string(pid), nil, nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Equal(string(models.StatusAccepted), decode(s.T(), w)["status"])

	w = do(router, http.MethodPost, "/permission-requests/"+string(pid)+"/retransmit", map[string]string{
		"from": "2024-02-01T00:00:00Z",
		"to":   "2024-03-01T00:00:00Z",
	}, bearer)
	s.Equal(http.StatusAccepted, w.Code, w.Body.String())

	w = do(router, http.MethodPatch, "/permission-requests/"+string(pid)+"/terminate", map[string]string{"reason": "done"}, bearer)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Equal(string(models.StatusTerminated), decode(s.T(), w)["status"])

	w = do(router, http.MethodPatch, "/permission-requests/"+string(pid)+"/revoke", nil, secret)
	s.Equal(http.StatusConflict, w.Code, "terminal requests cannot be revoked")
	s.Equal("PastStateError", decode(s.T(), w)["error_reason"])

	w = do(router, http.MethodGet, "/permission-requests/"+string(pid)+"/events", nil, bearer)
	s.Require().Equal(http.StatusOK, w.Code)
	var events []map[string]any
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &events))
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e["type"].(string)
	}
	s.Equal([]string{
		string(models.EventCreated),
		string(models.EventValidated),
		string(models.EventSentToAdministrator),
		string(models.EventAccepted),
		string(models.EventRetransmissionRequested),
		string(models.EventTerminated),
	}, types)
}

func TestStatusStream(t *testing.T) {
	b := status.NewBroadcaster()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := gomock.NewController(t)
	h := New(mocks.NewMockService(ctrl), b, logger, nil, nil, nil)
	r := chi.NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/permission-status/stream?permissionId=pid-2", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	b.Publish(status.Message{PermissionID: "pid-1", Status: models.StatusAccepted})
	b.Publish(status.Message{PermissionID: "pid-2", Status: models.StatusFulfilled})

	reader := bufio.NewReader(resp.Body)
	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			data = strings.TrimSpace(after)
		}
	}
	var msg status.Message
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, id.PermissionID("pid-2"), msg.PermissionID, "other requests are filtered out")
	assert.Equal(t, models.StatusFulfilled, msg.Status)

	cancel()
	require.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSanitize(t *testing.T) {
	body := createRequest{ConnectionID: " conn ", DataNeedID: "\tneed\n"}
	sanitize(&body)
	assert.Equal(t, "conn", body.ConnectionID)
	assert.Equal(t, "need", body.DataNeedID)
	sanitize(body)
}
