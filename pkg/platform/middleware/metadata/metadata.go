// Package metadata records who is calling: the client address, used for
// rate limiting and attribution, and a short label derived from the
// User-Agent for request logs.
package metadata

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
)

// Client describes the caller of one request.
type Client struct {
	IP        string
	UserAgent string
	Label     string
}

type clientKey struct{}

// ClientMetadata stores the caller's Client in the request context.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua := r.Header.Get("User-Agent")
		c := Client{
			IP:        ClientIPFromRequest(r),
			UserAgent: ua,
			Label:     ClientLabel(ua),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientKey{}, c)))
	})
}

// FromContext returns the Client stored by ClientMetadata.
func FromContext(ctx context.Context) (Client, bool) {
	c, ok := ctx.Value(clientKey{}).(Client)
	return c, ok
}

// GetClientIP returns the caller's address, or "" outside ClientMetadata.
func GetClientIP(ctx context.Context) string {
	c, _ := FromContext(ctx)
	return c.IP
}

// GetClientLabel returns the caller's label, or "" outside ClientMetadata.
func GetClientLabel(ctx context.Context) string {
	c, _ := FromContext(ctx)
	return c.Label
}

// ClientIPFromRequest prefers the first X-Forwarded-For hop, then
// X-Real-IP, then the connection's remote address.
func ClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ClientLabel condenses a User-Agent into "name version on os", marking
// crawlers with a "bot:" prefix. Administrator backends usually send plain
// library agents such as "Go-http-client/1.1".
func ClientLabel(ua string) string {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return "unknown"
	}
	parsed := useragent.New(ua)
	name, version := parsed.Browser()
	label := strings.TrimSpace(name + " " + version)
	if label == "" {
		label, _, _ = strings.Cut(ua, " ")
	}
	if osName := parsed.OS(); osName != "" {
		label += " on " + osName
	}
	if parsed.Bot() {
		label = "bot:" + label
	}
	return label
}
