package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vibeai/vibe-core/internal/auth"
)

// UserIDHeader names the caller when authentication is disabled.
const UserIDHeader = "X-User-ID"

// AuthOptions configures Auth.
type AuthOptions struct {
	Enabled   bool
	JWTSecret string
	Issuer    string
}

// Auth verifies the bearer token and puts the claims in the request context.
// Probe and metrics paths are public. With authentication disabled the
// X-User-ID header, if any, names the caller.
func Auth(opts AuthOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/health", "/ready", "/metrics":
				next.ServeHTTP(w, r)
				return
			}
			if !opts.Enabled {
				if user := strings.TrimSpace(r.Header.Get(UserIDHeader)); user != "" {
					r = r.WithContext(auth.WithClaims(r.Context(), &auth.Claims{UserID: user}))
				}
				next.ServeHTTP(w, r)
				return
			}

			token := extractBearer(r)
			if token == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required")
				return
			}
			claims, err := auth.ValidateToken(opts.JWTSecret, opts.Issuer, token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole enforces minRole on the account named by the {accountId} route
// variable.
func RequireRole(a *auth.Authorizer, minRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := mux.Vars(r)["accountId"]
			_, err := a.Authorize(r.Context(), accountID, minRole)
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, auth.ErrUnauthenticated):
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required")
			case errors.Is(err, auth.ErrForbidden):
				writeError(w, http.StatusForbidden, "forbidden", "Insufficient permissions")
			default:
				writeError(w, http.StatusInternalServerError, "internal_error", "Failed to resolve permissions")
			}
		})
	}
}

func extractBearer(r *http.Request) string {
	s := r.Header.Get("Authorization")
	if s == "" {
		// Browsers cannot set headers on websocket upgrades.
		return r.URL.Query().Get("token")
	}
	const prefix = "Bearer "
	if len(s) > len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return strings.TrimSpace(s[len(prefix):])
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `","message":"` + message + `"}`))
}
