package middleware

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// contextKey is a private type for context keys in this package.
type contextKey string

const userIDContextKey contextKey = "user_id"

// Authenticator validates a bearer token and resolves it to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// UserIDFromContext returns the authenticated user id, if present.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	return userID, ok
}

// WithUserID returns a context carrying the user id. Exposed for tests.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// BearerAuth returns a middleware that validates Authorization bearer
// tokens. Requests without a valid token receive 401 Unauthorized. Paths in
// allowedPaths bypass authentication entirely.
func BearerAuth(auth Authenticator, allowedPaths map[string]bool, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowedPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				logger.Debug("request missing bearer token",
					zap.String("path", r.URL.Path),
					zap.String("ip", ExtractClientIP(r)),
				)
				writeUnauthorized(w, "missing bearer token")
				return
			}

			token := strings.TrimPrefix(header, "Bearer ")
			userID, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				logger.Warn("invalid bearer token",
					zap.String("path", r.URL.Path),
					zap.String("ip", ExtractClientIP(r)),
				)
				writeUnauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), userIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// StaticTokenAuthenticator validates tokens against a fixed token-to-user
// map using constant-time comparison. Used in development and tests; real
// deployments plug in a JWT verifier.
type StaticTokenAuthenticator struct {
	Tokens map[string]string
}

// Authenticate implements Authenticator.
func (a *StaticTokenAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	for candidate, userID := range a.Tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return userID, nil
		}
	}
	return "", ErrInvalidToken
}

// ErrInvalidToken is returned for tokens no authenticator recognizes.
var ErrInvalidToken = errInvalidToken{}

type errInvalidToken struct{}

func (errInvalidToken) Error() string { return "invalid token" }

// ExtractClientIP extracts the real client IP from the request.
// It validates X-Forwarded-For and X-Real-IP headers to prevent spoofing.
func ExtractClientIP(r *http.Request) string {
	// Try X-Forwarded-For first (take the first/leftmost IP)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		ip := strings.TrimSpace(parts[0])
		if parsedIP := net.ParseIP(ip); parsedIP != nil {
			return ip
		}
	}

	// Try X-Real-IP
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		ip := strings.TrimSpace(xri)
		if parsedIP := net.ParseIP(ip); parsedIP != nil {
			return ip
		}
	}

	// Fall back to RemoteAddr (strip port)
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeUnauthorized writes a 401 Unauthorized JSON response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","message":"` + message + `"}`))
}
