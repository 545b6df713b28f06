// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values.
//
// Middleware sets the values; services and handlers read them without pulling
// in net/http:
//
//	requestID := requestcontext.RequestID(ctx)
//	now := requestcontext.Now(ctx)
//
// Tests inject a fixed clock:
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"

	id "consentgrid/pkg/domain"
)

type (
	requestIDKey    struct{}
	requestTimeKey  struct{}
	permissionIDKey struct{}
)

// Exported context keys for tests that need context.WithValue directly.
var (
	ContextKeyRequestID    = requestIDKey{}
	ContextKeyRequestTime  = requestTimeKey{}
	ContextKeyPermissionID = permissionIDKey{}
)

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// PermissionID returns the permission the caller's access token is scoped to.
func PermissionID(ctx context.Context) id.PermissionID {
	if pid, ok := ctx.Value(ContextKeyPermissionID).(id.PermissionID); ok {
		return pid
	}
	return ""
}

// WithPermissionID injects the token-scoped permission ID into the context.
func WithPermissionID(ctx context.Context, pid id.PermissionID) context.Context {
	return context.WithValue(ctx, ContextKeyPermissionID, pid)
}

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() for workers, sweeps and CLI paths.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now().UTC()
}

// WithTime injects a specific time into a context so a batch (one sweep tick,
// one request) observes a single consistent instant.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
