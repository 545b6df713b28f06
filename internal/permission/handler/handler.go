package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"consentgrid/internal/connector"
	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/service"
	"consentgrid/internal/permission/status"
	"consentgrid/internal/platform/metrics"
	"consentgrid/internal/polling"
	"consentgrid/internal/ratelimit"
	id "consentgrid/pkg/domain"
	dErrors "consentgrid/pkg/domain-errors"
	"consentgrid/pkg/platform/httputil"
	"consentgrid/pkg/platform/middleware/admin"
	"consentgrid/pkg/platform/middleware/auth"
	"consentgrid/pkg/platform/middleware/metadata"
	request "consentgrid/pkg/platform/middleware/request"
	"consentgrid/pkg/platform/middleware/requesttime"
	"consentgrid/pkg/requestcontext"
)

// Service defines the permission operations the API exposes.
type Service interface {
	Create(ctx context.Context, req service.CreateRequest) (*service.Created, error)
	Get(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
	Events(ctx context.Context, permissionID id.PermissionID) ([]models.Event, error)
	Status(ctx context.Context, permissionID id.PermissionID) (status.Message, error)
	Respond(ctx context.Context, permissionID id.PermissionID, outcome connector.Outcome, reason string) (models.Status, error)
	Terminate(ctx context.Context, permissionID id.PermissionID, reason string) (models.Status, error)
	Revoke(ctx context.Context, permissionID id.PermissionID, reason string) (models.Status, error)
	Retransmit(ctx context.Context, permissionID id.PermissionID, from, to time.Time) (polling.RetransmitOutcome, error)
}

// Handler serves the permission request API and the status stream.
type Handler struct {
	logger        *slog.Logger
	permissions   Service
	broadcaster   *status.Broadcaster
	metrics       *metrics.Metrics
	jwtValidator  auth.JWTValidator
	webhookSecret []byte
	heartbeat     time.Duration

	limiter      ratelimit.Store
	createLimit  ratelimit.Limit
	webhookLimit ratelimit.Limit
}

// Option configures a Handler.
type Option func(*Handler)

// WithRateLimit throttles request creation and administrator webhooks per
// client address. A zero Limit leaves that route class unthrottled.
func WithRateLimit(store ratelimit.Store, create, webhook ratelimit.Limit) Option {
	return func(h *Handler) {
		h.limiter = store
		h.createLimit = create
		h.webhookLimit = webhook
	}
}

// New creates a new permission Handler. webhookSecret is the bcrypt hash of
// the administrators' shared secret.
func New(
	permissions Service,
	broadcaster *status.Broadcaster,
	logger *slog.Logger,
	metrics *metrics.Metrics,
	jwtValidator auth.JWTValidator,
	webhookSecret []byte,
	opts ...Option) *Handler {
	h := &Handler{
		logger:        logger,
		permissions:   permissions,
		broadcaster:   broadcaster,
		metrics:       metrics,
		jwtValidator:  jwtValidator,
		webhookSecret: webhookSecret,
		heartbeat:     15 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register registers the permission routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(request.Recovery(h.logger))
	router.Use(request.RequestID)
	router.Use(metadata.ClientMetadata)
	router.Use(requesttime.Middleware)
	router.Use(request.Logger(h.logger))
	router.Use(metrics.LatencyMiddleware(h.metrics))

	// The stream stays open; it is the only route without a timeout.
	router.Get("/permission-status/stream", h.handleStatusStream)

	router.Group(func(r chi.Router) {
		r.Use(request.Timeout(30 * time.Second))
		r.With(ratelimit.Middleware(h.limiter, "create", h.createLimit, h.logger)).
			Post("/permission-requests", h.handleCreate)
		r.Get("/permission-status/{permissionID}", h.handleStatus)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(h.jwtValidator, h.logger))
			r.Get("/permission-requests/{permissionID}", h.handleGet)
			r.Get("/permission-requests/{permissionID}/events", h.handleEvents)
			r.Patch("/permission-requests/{permissionID}/terminate", h.handleTerminate)
			r.Post("/permission-requests/{permissionID}/retransmit", h.handleRetransmit)
		})

		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(h.limiter, "webhook", h.webhookLimit, h.logger))
			r.Use(admin.RequireWebhookSecret(h.webhookSecret, h.logger))
			r.Post("/permission-requests/{permissionID}/accepted", h.handleRespond(connector.OutcomeAccepted))
			r.Post("/permission-requests/{permissionID}/rejected", h.handleRespond(connector.OutcomeRejected))
			r.Post("/permission-requests/{permissionID}/invalid", h.handleRespond(connector.OutcomeInvalid))
			r.Post("/permission-requests/{permissionID}/acknowledged", h.handleRespond(connector.OutcomePending))
			r.Patch("/permission-requests/{permissionID}/revoke", h.handleRevoke)
		})
	})

	r.Mount("/", router)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	var body createRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.logger.WarnContext(ctx, "invalid create permission request",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	sanitize(&body)

	created, err := h.permissions.Create(ctx, body.toService())
	var malformed *service.MalformedError
	if errors.As(err, &malformed) {
		httputil.WriteJSON(w, http.StatusBadRequest, malformedResponse{
			Error:        string(dErrors.CodeValidation),
			PermissionID: malformed.PermissionID,
			Errors:       malformed.Errors,
		})
		return
	}
	if err != nil {
		h.writeError(ctx, w, err, "failed to create permission request")
		return
	}
	h.metrics.IncrementRequestsCreated()
	httputil.WriteJSON(w, http.StatusCreated, createdResponse{
		PermissionID: created.PermissionID,
		AccessToken:  created.AccessToken,
		Status:       created.Status,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pid, ok := h.scopedPermission(w, r)
	if !ok {
		return
	}
	req, err := h.permissions.Get(ctx, pid)
	if err != nil {
		h.writeError(ctx, w, err, "failed to load permission request")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toPermissionResponse(req))
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pid, ok := h.scopedPermission(w, r)
	if !ok {
		return
	}
	events, err := h.permissions.Events(ctx, pid)
	if err != nil {
		h.writeError(ctx, w, err, "failed to load permission events")
		return
	}
	out := make([]eventResponse, len(events))
	for i, e := range events {
		out[i] = toEventResponse(e)
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pid, err := id.ParsePermissionID(chi.URLParam(r, "permissionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	msg, err := h.permissions.Status(ctx, pid)
	if err != nil {
		h.writeError(ctx, w, err, "failed to load permission status")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, msg)
}

func (h *Handler) handleRespond(outcome connector.Outcome) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		pid, err := id.ParsePermissionID(chi.URLParam(r, "permissionID"))
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		body, ok := h.decodeReason(w, r)
		if !ok {
			return
		}
		st, err := h.permissions.Respond(ctx, pid, outcome, body.Reason)
		if err != nil {
			h.writeError(ctx, w, err, "failed to record administrator response")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, statusResponse{PermissionID: pid, Status: st})
	}
}

func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pid, ok := h.scopedPermission(w, r)
	if !ok {
		return
	}
	body, ok := h.decodeReason(w, r)
	if !ok {
		return
	}
	st, err := h.permissions.Terminate(ctx, pid, body.Reason)
	if err != nil {
		h.writeError(ctx, w, err, "failed to terminate permission request")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, statusResponse{PermissionID: pid, Status: st})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pid, err := id.ParsePermissionID(chi.URLParam(r, "permissionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	body, ok := h.decodeReason(w, r)
	if !ok {
		return
	}
	st, err := h.permissions.Revoke(ctx, pid, body.Reason)
	if err != nil {
		h.writeError(ctx, w, err, "failed to revoke permission request")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, statusResponse{PermissionID: pid, Status: st})
}

func (h *Handler) handleRetransmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pid, ok := h.scopedPermission(w, r)
	if !ok {
		return
	}
	var body retransmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.From.IsZero() || body.To.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "from and to are required"))
		return
	}
	out, err := h.permissions.Retransmit(ctx, pid, body.From, body.To)
	if err != nil {
		h.writeError(ctx, w, err, "failed to request retransmission")
		return
	}
	httputil.WriteJSON(w, retransmitStatus(out.Result), out)
}

func retransmitStatus(result polling.RetransmitResult) int {
	switch result {
	case polling.RetransmitSuccess:
		return http.StatusAccepted
	case polling.RetransmitPermissionNotFound:
		return http.StatusNotFound
	case polling.RetransmitNotSupported:
		return http.StatusBadRequest
	}
	return http.StatusConflict
}

// handleStatusStream pushes status messages as server-sent events. An
// optional permissionId query parameter narrows the stream to one request.
func (h *Handler) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "streaming unsupported"))
		return
	}
	filter := id.PermissionID(r.URL.Query().Get("permissionId"))

	messages, cancel := h.broadcaster.Subscribe(0)
	defer cancel()
	h.metrics.AddStreamSubscribers(1)
	defer h.metrics.AddStreamSubscribers(-1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case msg, open := <-messages:
			if !open {
				return
			}
			if filter != "" && msg.PermissionID != filter {
				continue
			}
			if err := writeEvent(w, msg); err != nil {
				h.logger.DebugContext(ctx, "status stream closed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// scopedPermission parses the path ID and checks it against the token scope.
func (h *Handler) scopedPermission(w http.ResponseWriter, r *http.Request) (id.PermissionID, bool) {
	ctx := r.Context()
	pid, err := id.ParsePermissionID(chi.URLParam(r, "permissionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return "", false
	}
	if scoped := requestcontext.PermissionID(ctx); scoped != pid {
		h.logger.WarnContext(ctx, "access token used for another permission request",
			"permission_id", string(pid),
			"request_id", request.GetRequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "token does not grant access to this permission request"))
		return "", false
	}
	return pid, true
}

func (h *Handler) decodeReason(w http.ResponseWriter, r *http.Request) (reasonRequest, bool) {
	var body reasonRequest
	if r.ContentLength == 0 {
		return body, true
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return body, false
	}
	sanitize(&body)
	return body, true
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg,
			"request_id", request.GetRequestID(ctx),
			"error", err.Error(),
		)
	} else {
		h.logger.InfoContext(ctx, msg,
			"request_id", request.GetRequestID(ctx),
			"error", err.Error(),
		)
	}
	httputil.WriteError(w, err)
}
