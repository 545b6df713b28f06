package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	id "consentgrid/pkg/domain"
	request "consentgrid/pkg/platform/middleware/request"
	"consentgrid/pkg/requestcontext"
)

// JWTValidator defines the interface for validating JWT tokens
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims represents the claims we expect from the JWT validator
type JWTClaims struct {
	PermissionID string
	ConnectionID string
	JTI          string
}

type contextKeyConnectionID struct{}

// GetConnectionID retrieves the connection ID of the access token.
func GetConnectionID(ctx context.Context) string {
	connectionID, ok := ctx.Value(contextKeyConnectionID{}).(string)
	if !ok {
		return ""
	}
	return connectionID
}

// writeJSONError writes a JSON error response with the given status code and error details.
func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireAuth validates the bearer token and stores the permission it is
// scoped to in the context.
func RequireAuth(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			authHeader := r.Header.Get("Authorization")
			const bearerPrefix = "Bearer "
			token, ok := strings.CutPrefix(authHeader, bearerPrefix)
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", request.GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", request.GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			ctx = requestcontext.WithPermissionID(ctx, id.PermissionID(claims.PermissionID))
			ctx = context.WithValue(ctx, contextKeyConnectionID{}, claims.ConnectionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
