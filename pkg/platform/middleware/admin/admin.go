package admin

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"consentgrid/pkg/platform/middleware/metadata"
	request "consentgrid/pkg/platform/middleware/request"
)

// HeaderWebhookSecret carries the administrator's shared secret.
const HeaderWebhookSecret = "X-Webhook-Secret"

// RequireWebhookSecret admits requests whose secret header matches the
// bcrypt hash. An empty hash rejects everything.
func RequireWebhookSecret(secretHash []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get(HeaderWebhookSecret)
			if secret == "" || len(secretHash) == 0 ||
				bcrypt.CompareHashAndPassword(secretHash, []byte(secret)) != nil {
				ctx := r.Context()
				logger.WarnContext(ctx, "webhook secret mismatch",
					"client_ip", metadata.GetClientIP(ctx),
					"request_id", request.GetRequestID(ctx),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"webhook secret required"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
